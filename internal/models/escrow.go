package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Escrow states
const (
	EscrowStateCreated   = "created"
	EscrowStateFunded    = "funded"
	EscrowStateCompleted = "completed" // work accepted, funds not yet moved
	EscrowStateDisputed  = "disputed"
	EscrowStateReleased  = "released"  // funds moved to provider (terminal)
	EscrowStateRefunded  = "refunded"  // funds returned to renter (terminal)
	EscrowStateCancelled = "cancelled" // aborted before funding (terminal)
)

// Valid state transitions: from -> []to
var ValidEscrowTransitions = map[string][]string{
	EscrowStateCreated:   {EscrowStateFunded, EscrowStateCancelled},
	EscrowStateFunded:    {EscrowStateCompleted, EscrowStateDisputed, EscrowStateRefunded},
	EscrowStateCompleted: {EscrowStateReleased},
	EscrowStateDisputed:  {EscrowStateReleased, EscrowStateRefunded},
	EscrowStateReleased:  {},
	EscrowStateRefunded:  {},
	EscrowStateCancelled: {},
}

func IsValidEscrowTransition(from, to string) bool {
	allowed, ok := ValidEscrowTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

func IsTerminalEscrowState(state string) bool {
	allowed, ok := ValidEscrowTransitions[state]
	return ok && len(allowed) == 0
}

// EscrowRecord is the custody record for one agreement's funds.
// Mutated only through the escrow service's transition API.
type EscrowRecord struct {
	ID              uuid.UUID  `json:"id"`
	AgreementID     string     `json:"agreement_id"`
	Provider        string     `json:"provider"`
	Renter          string     `json:"renter,omitempty"` // empty until funded
	Amount          int64      `json:"amount"`           // micro-USD, integer only
	DurationSeconds int64      `json:"duration_seconds"`
	Deadline        time.Time  `json:"deadline"`
	State           string     `json:"state"`
	ExpectedHash    *string    `json:"expected_hash,omitempty"`
	DeliverableHash *string    `json:"deliverable_hash,omitempty"`
	DisputeReason   *string    `json:"dispute_reason,omitempty"`
	DisputeCount    int        `json:"dispute_count"`
	CreatedAt       time.Time  `json:"created_at"`
	FundedAt        *time.Time `json:"funded_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DisputedAt      *time.Time `json:"disputed_at,omitempty"`
	ReleasedAt      *time.Time `json:"released_at,omitempty"`
	RefundedAt      *time.Time `json:"refunded_at,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
}

// IsExpired reports whether the agreement duration has elapsed. Pure
// query; expiry affects state only once the rule engine turns it into a
// deadline_expired event.
func (e *EscrowRecord) IsExpired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > time.Duration(e.DurationSeconds)*time.Second
}

// DeadlineStatus returns a human-readable remaining-time label:
// "expired", "N minutes", "N hours" or "N days".
func (e *EscrowRecord) DeadlineStatus(now time.Time) string {
	if now.After(e.Deadline) {
		return "expired"
	}
	remaining := e.Deadline.Sub(now)
	switch {
	case remaining < time.Hour:
		return fmt.Sprintf("%d minutes", int(remaining.Minutes()))
	case remaining < 24*time.Hour:
		return fmt.Sprintf("%d hours", int(remaining.Hours()))
	default:
		return fmt.Sprintf("%d days", int(remaining.Hours()/24))
	}
}
