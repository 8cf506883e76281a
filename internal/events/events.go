package events

import "context"

// Stream carrying all settlement events.
const StreamSettlement = "events:settlement"

// Event types
const (
	EventEscrowStateChanged   = "escrow_state_changed"
	EventPaymentExecuted      = "payment_executed"
	EventPaymentFailed        = "payment_failed"
	EventRuleExecuted         = "rule_executed"
	EventProposalCreated      = "proposal_created"
	EventProposalStatusChange = "proposal_status_changed"
	EventSlashExecuted        = "slash_executed"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}
