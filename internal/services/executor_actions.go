package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/trustyclaw/settlement/internal/events"
	"github.com/trustyclaw/settlement/internal/models"
)

// ExecutorActions is the bridge the rule engine's built-in rules act
// through: escrow completion, payouts, dispute escalation and notifications
// all route back into the services layer.
type ExecutorActions struct {
	escrowSvc  *EscrowService
	paymentSvc *PaymentService
	slashSvc   *SlashingService
	publisher  events.Publisher
	log        *zap.Logger
}

func NewExecutorActions(
	escrowSvc *EscrowService,
	paymentSvc *PaymentService,
	slashSvc *SlashingService,
	publisher events.Publisher,
	log *zap.Logger,
) *ExecutorActions {
	return &ExecutorActions{
		escrowSvc:  escrowSvc,
		paymentSvc: paymentSvc,
		slashSvc:   slashSvc,
		publisher:  publisher,
		log:        log,
	}
}

func (a *ExecutorActions) CompleteEscrow(ctx context.Context, agreementID string, deliverableHash *string) error {
	e, err := a.escrowSvc.GetByAgreement(ctx, agreementID)
	if err != nil {
		return err
	}
	if deliverableHash == nil {
		deliverableHash = e.DeliverableHash
	}
	_, err = a.escrowSvc.Complete(ctx, e.ID, deliverableHash)
	return err
}

func (a *ExecutorActions) ReleaseFunds(ctx context.Context, agreementID string) error {
	e, err := a.escrowSvc.GetByAgreement(ctx, agreementID)
	if err != nil {
		return err
	}
	_, err = a.paymentSvc.ReleaseEscrowPayment(ctx, e.ID)
	return err
}

// EscalateDispute opens a community slash proposal against the provider of
// a repeatedly disputed agreement.
func (a *ExecutorActions) EscalateDispute(ctx context.Context, agreementID string, disputeCount int) error {
	e, err := a.escrowSvc.GetByAgreement(ctx, agreementID)
	if err != nil {
		return err
	}
	_, err = a.slashSvc.CreateProposal(ctx, agreementID, e.Provider,
		models.SlashTypeProvider, models.SlashReasonQualityViolation,
		models.SeverityPercentage("medium"), AutoSystemProposer,
		[]string{"dispute threshold reached"})
	if err != nil {
		return err
	}

	a.log.Warn("dispute escalated to community voting",
		zap.String("agreement_id", agreementID),
		zap.Int("dispute_count", disputeCount))
	return nil
}

func (a *ExecutorActions) Notify(ctx context.Context, agreementID, message string) error {
	return a.publisher.Publish(ctx, events.StreamSettlement, events.Event{
		Type: "notification",
		Payload: map[string]any{
			"agreement_id": agreementID,
			"message":      message,
		},
	})
}
