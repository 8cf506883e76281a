package engine

import (
	"context"
	"fmt"

	"github.com/trustyclaw/settlement/internal/models"
)

// Actions is what built-in rules are allowed to do to the rest of the
// system. Implemented by the services layer.
type Actions interface {
	// CompleteEscrow marks the agreement's escrow as work-accepted,
	// recording the verified deliverable hash.
	CompleteEscrow(ctx context.Context, agreementID string, deliverableHash *string) error
	// ReleaseFunds pays out the escrowed amount to the provider.
	ReleaseFunds(ctx context.Context, agreementID string) error
	// EscalateDispute opens or advances a slash proposal for the agreement.
	EscalateDispute(ctx context.Context, agreementID string, disputeCount int) error
	// Notify emits a non-mutating notification for the agreement.
	Notify(ctx context.Context, agreementID, message string) error
}

// BuiltinRules returns the default rule set, priority ascending:
// dispute escalation (5), hash auto-complete (10), fund release (20),
// deadline warning (50).
func BuiltinRules(actions Actions, escalationThreshold int) []*Rule {
	return []*Rule{
		{
			ID:       "auto-escalate-dispute",
			Name:     "Escalate disputes at threshold",
			Event:    models.EventDisputeEscalated,
			Priority: 5,
			Enabled:  true,
			Condition: func(c *models.ExecutionContext) bool {
				return c.DisputeCount >= escalationThreshold
			},
			Action: func(ctx context.Context, c *models.ExecutionContext) (*models.ExecutionResult, error) {
				if err := actions.EscalateDispute(ctx, c.AgreementID, c.DisputeCount); err != nil {
					return nil, err
				}
				return &models.ExecutionResult{
					Success: true,
					Message: fmt.Sprintf("escalated dispute for %s to community voting", c.AgreementID),
					Details: map[string]any{"dispute_count": c.DisputeCount, "action": "escalate"},
				}, nil
			},
		},
		{
			ID:       "auto-complete-hash",
			Name:     "Auto-complete on hash match",
			Event:    models.EventDeliverableSubmitted,
			Priority: 10,
			Enabled:  true,
			Condition: func(c *models.ExecutionContext) bool {
				return c.ExpectedHash != nil && c.DeliverableHash != nil &&
					*c.ExpectedHash == *c.DeliverableHash
			},
			Action: func(ctx context.Context, c *models.ExecutionContext) (*models.ExecutionResult, error) {
				if err := actions.CompleteEscrow(ctx, c.AgreementID, c.DeliverableHash); err != nil {
					return nil, err
				}
				return &models.ExecutionResult{
					Success: true,
					Message: fmt.Sprintf("auto-completed agreement %s", c.AgreementID),
					Details: map[string]any{"deliverable_hash": *c.DeliverableHash, "action": "complete"},
				}, nil
			},
		},
		{
			ID:       "auto-release-funds",
			Name:     "Auto-release funds after acceptance",
			Event:    models.EventMandateCompleted,
			Priority: 20,
			Enabled:  true,
			Action: func(ctx context.Context, c *models.ExecutionContext) (*models.ExecutionResult, error) {
				if err := actions.ReleaseFunds(ctx, c.AgreementID); err != nil {
					return nil, err
				}
				return &models.ExecutionResult{
					Success: true,
					Message: fmt.Sprintf("released %d to provider", c.Amount),
					Details: map[string]any{"amount": c.Amount, "recipient": c.Provider, "escrow_id": c.EscrowID},
				}, nil
			},
		},
		{
			ID:       "deadline-warning",
			Name:     "Warn before deadline expires",
			Event:    models.EventDeadlineWarning,
			Priority: 50,
			Enabled:  true,
			Action: func(ctx context.Context, c *models.ExecutionContext) (*models.ExecutionResult, error) {
				msg := fmt.Sprintf("deadline warning for %s", c.AgreementID)
				if err := actions.Notify(ctx, c.AgreementID, msg); err != nil {
					return nil, err
				}
				return &models.ExecutionResult{
					Success: true,
					Message: msg,
					Details: map[string]any{"deadline": c.Deadline, "action": "warn"},
				}, nil
			},
		},
	}
}
