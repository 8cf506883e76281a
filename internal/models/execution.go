package models

import "time"

// Execution event kinds consumed by the rule engine.
const (
	EventDeliverableSubmitted = "deliverable_submitted"
	EventDeliverableVerified  = "deliverable_verified"
	EventDeadlineWarning      = "deadline_warning"
	EventDeadlineExpired      = "deadline_expired"
	EventDisputeEscalated     = "dispute_escalated"
	EventMandateCompleted     = "mandate_completed"
	EventFundsReleased        = "funds_released"
	EventFundsRefunded        = "funds_refunded"
)

// ExecutionEvent is a fact the engine evaluates rules against.
type ExecutionEvent struct {
	Kind        string         `json:"kind"`
	AgreementID string         `json:"agreement_id"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// ExecutionContext is the engine's view of one agreement under watch.
// Persisted so the deadline scanner survives a restart.
type ExecutionContext struct {
	AgreementID     string     `json:"agreement_id"`
	EscrowID        string     `json:"escrow_id"`
	Provider        string     `json:"provider"`
	Renter          string     `json:"renter"`
	Amount          int64      `json:"amount"` // micro-USD
	Deadline        time.Time  `json:"deadline"`
	ExpectedHash    *string    `json:"expected_hash,omitempty"`
	DeliverableHash *string    `json:"deliverable_hash,omitempty"`
	DisputeCount    int        `json:"dispute_count"`
	WarningSent     bool       `json:"warning_sent"`
	Resolved        bool       `json:"resolved"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}

// DueForWarning reports whether the agreement enters the warning window
// at now and has not been warned yet.
func (c *ExecutionContext) DueForWarning(now time.Time, window time.Duration) bool {
	if c.Resolved || c.WarningSent {
		return false
	}
	return now.After(c.Deadline.Add(-window)) && now.Before(c.Deadline)
}

// PastDeadline reports whether the deadline has passed unresolved.
func (c *ExecutionContext) PastDeadline(now time.Time) bool {
	return !c.Resolved && now.After(c.Deadline)
}

// ExecutionResult records one rule firing, successful or not.
type ExecutionResult struct {
	Success     bool           `json:"success"`
	Event       string         `json:"event"`
	AgreementID string         `json:"agreement_id"`
	RuleID      string         `json:"rule_id"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}
