package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trustyclaw/settlement/internal/apperr"
	"github.com/trustyclaw/settlement/internal/clock"
	"github.com/trustyclaw/settlement/internal/config"
	"github.com/trustyclaw/settlement/internal/events"
	"github.com/trustyclaw/settlement/internal/models"
)

// EscrowStore is the custody ledger's persistence surface. Implemented by
// repositories.EscrowRepo.
type EscrowStore interface {
	Create(ctx context.Context, e *models.EscrowRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.EscrowRecord, error)
	GetByAgreementID(ctx context.Context, agreementID string) (*models.EscrowRecord, error)
	MarkFunded(ctx context.Context, id uuid.UUID, renter string) error
	MarkCompleted(ctx context.Context, id uuid.UUID, deliverableHash *string) error
	MarkDisputed(ctx context.Context, id uuid.UUID, reason string) error
	MarkReleased(ctx context.Context, id uuid.UUID) error
	MarkRefunded(ctx context.Context, id uuid.UUID) error
	MarkCancelled(ctx context.Context, id uuid.UUID) error
}

// ContextStore is the slice of the execution context store the services
// write to. Implemented by repositories.ContextRepo.
type ContextStore interface {
	Get(ctx context.Context, agreementID string) (*models.ExecutionContext, error)
	Upsert(ctx context.Context, c *models.ExecutionContext) error
	MarkResolved(ctx context.Context, agreementID string) error
}

// AuditStore appends and reads the immutable audit trail. Implemented by
// repositories.AuditRepo.
type AuditStore interface {
	Log(ctx context.Context, entry models.AuditLog) error
	GetByEntity(ctx context.Context, entityType string, entityID uuid.UUID, limit, offset int) ([]models.AuditLog, error)
}

// EventTrigger feeds milestone events into the rule engine. Implemented by
// engine.Engine; wired after engine construction via SetEventTrigger.
type EventTrigger interface {
	TriggerEvent(ctx context.Context, event models.ExecutionEvent) ([]models.ExecutionResult, error)
}

// EscrowPayments is the escrow-payment slice of the payment store the
// ledger mirrors dispute state into. Implemented by repositories.PaymentRepo.
type EscrowPayments interface {
	MarkEscrowPaymentDisputed(ctx context.Context, escrowID uuid.UUID) error
}

// EscrowService owns the custody state machine. All mutations go through
// the repository's compare-and-set transitions, so concurrent calls on the
// same escrow serialize at the database row. Milestone transitions raise
// their execution events so the rule engine reacts without manual injection.
type EscrowService struct {
	escrowRepo  EscrowStore
	contextRepo ContextStore
	auditRepo   AuditStore
	payments    EscrowPayments
	publisher   events.Publisher
	trigger     EventTrigger
	cfg         *config.Config
	clock       clock.Clock
	log         *zap.Logger
}

func NewEscrowService(
	escrowRepo EscrowStore,
	contextRepo ContextStore,
	auditRepo AuditStore,
	payments EscrowPayments,
	publisher events.Publisher,
	cfg *config.Config,
	clk clock.Clock,
	log *zap.Logger,
) *EscrowService {
	return &EscrowService{
		escrowRepo:  escrowRepo,
		contextRepo: contextRepo,
		auditRepo:   auditRepo,
		payments:    payments,
		publisher:   publisher,
		cfg:         cfg,
		clock:       clk,
		log:         log,
	}
}

// SetEventTrigger wires the rule engine in after both sides are built; the
// engine's actions call back into this service.
func (s *EscrowService) SetEventTrigger(trigger EventTrigger) {
	s.trigger = trigger
}

func (s *EscrowService) Create(ctx context.Context, agreementID, provider string, amount, durationSeconds int64, expectedHash *string) (*models.EscrowRecord, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive, got %d", apperr.ErrInvalidAmount, amount)
	}
	if durationSeconds <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive, got %d", apperr.ErrInvalidAmount, durationSeconds)
	}

	now := s.clock.Now()
	e := &models.EscrowRecord{
		AgreementID:     agreementID,
		Provider:        provider,
		Amount:          amount,
		DurationSeconds: durationSeconds,
		Deadline:        now.Add(time.Duration(durationSeconds) * time.Second),
		State:           models.EscrowStateCreated,
		ExpectedHash:    expectedHash,
	}
	if err := s.escrowRepo.Create(ctx, e); err != nil {
		return nil, err
	}

	s.recordTransition(ctx, e, "", models.EscrowStateCreated, nil)
	s.log.Info("escrow created",
		zap.String("escrow_id", e.ID.String()),
		zap.String("agreement_id", agreementID),
		zap.Int64("amount", amount))
	return e, nil
}

// Fund moves created -> funded and puts the agreement under deadline watch.
func (s *EscrowService) Fund(ctx context.Context, id uuid.UUID, renter string) (*models.EscrowRecord, error) {
	if err := s.escrowRepo.MarkFunded(ctx, id, renter); err != nil {
		return nil, err
	}
	e, err := s.escrowRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.watch(ctx, e); err != nil {
		s.log.Error("failed to register execution context",
			zap.String("agreement_id", e.AgreementID), zap.Error(err))
	}
	s.recordTransition(ctx, e, models.EscrowStateCreated, models.EscrowStateFunded, &renter)
	return e, nil
}

// SubmitDeliverable records the provider's deliverable hash on the watch
// context without transitioning the escrow. The deliverable_submitted event
// it raises lets the hash-match rule drive the completion.
func (s *EscrowService) SubmitDeliverable(ctx context.Context, id uuid.UUID, deliverableHash string) (*models.EscrowRecord, error) {
	e, err := s.escrowRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.State != models.EscrowStateFunded {
		return nil, fmt.Errorf("%w: escrow is %s, expected funded", apperr.ErrInvalidState, e.State)
	}

	if c, err := s.contextRepo.Get(ctx, e.AgreementID); err == nil {
		c.DeliverableHash = &deliverableHash
		if err := s.contextRepo.Upsert(ctx, c); err != nil {
			s.log.Error("failed to record deliverable hash",
				zap.String("agreement_id", e.AgreementID), zap.Error(err))
		}
	}
	_ = s.auditRepo.Log(ctx, models.AuditLog{
		ActorID:    &e.Provider,
		ActorType:  "agent",
		Action:     "deliverable_submitted",
		EntityType: "escrow",
		EntityID:   &e.ID,
		Meta:       map[string]any{"agreement_id": e.AgreementID, "deliverable_hash": deliverableHash},
	})

	s.raiseEvent(ctx, models.ExecutionEvent{
		Kind:        models.EventDeliverableSubmitted,
		AgreementID: e.AgreementID,
		Data:        map[string]any{"deliverable_hash": deliverableHash},
	})
	return s.escrowRepo.GetByID(ctx, id)
}

// Complete moves funded -> completed, recording the deliverable hash, and
// raises mandate_completed so the release rule can take over.
func (s *EscrowService) Complete(ctx context.Context, id uuid.UUID, deliverableHash *string) (*models.EscrowRecord, error) {
	if err := s.escrowRepo.MarkCompleted(ctx, id, deliverableHash); err != nil {
		return nil, err
	}
	e, err := s.escrowRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	s.syncContext(ctx, e, false)
	s.recordTransition(ctx, e, models.EscrowStateFunded, models.EscrowStateCompleted, nil)
	s.raiseEvent(ctx, models.ExecutionEvent{
		Kind:        models.EventMandateCompleted,
		AgreementID: e.AgreementID,
	})
	return e, nil
}

// Dispute moves funded -> disputed, bumps the dispute counter, mirrors the
// dispute onto the bound escrow payment and raises dispute_escalated.
func (s *EscrowService) Dispute(ctx context.Context, id uuid.UUID, reason string, actor *string) (*models.EscrowRecord, error) {
	if err := s.escrowRepo.MarkDisputed(ctx, id, reason); err != nil {
		return nil, err
	}
	e, err := s.escrowRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.payments != nil {
		if err := s.payments.MarkEscrowPaymentDisputed(ctx, id); err != nil {
			s.log.Error("failed to mark escrow payment disputed",
				zap.String("escrow_id", id.String()), zap.Error(err))
		}
	}
	s.syncContext(ctx, e, false)
	s.recordTransition(ctx, e, models.EscrowStateFunded, models.EscrowStateDisputed, actor)
	s.raiseEvent(ctx, models.ExecutionEvent{
		Kind:        models.EventDisputeEscalated,
		AgreementID: e.AgreementID,
		Data:        map[string]any{"dispute_count": e.DisputeCount, "reason": reason},
	})
	return e, nil
}

// Release moves completed|disputed -> released on the ledger only. The
// payment-layer path that actually moves funds lives in PaymentService.
func (s *EscrowService) Release(ctx context.Context, id uuid.UUID) (*models.EscrowRecord, error) {
	if err := s.escrowRepo.MarkReleased(ctx, id); err != nil {
		return nil, err
	}
	e, err := s.escrowRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	s.syncContext(ctx, e, true)
	s.recordTransition(ctx, e, "", models.EscrowStateReleased, nil)
	return e, nil
}

// Refund moves funded|disputed -> refunded on the ledger only.
func (s *EscrowService) Refund(ctx context.Context, id uuid.UUID) (*models.EscrowRecord, error) {
	if err := s.escrowRepo.MarkRefunded(ctx, id); err != nil {
		return nil, err
	}
	e, err := s.escrowRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	s.syncContext(ctx, e, true)
	s.recordTransition(ctx, e, "", models.EscrowStateRefunded, nil)
	return e, nil
}

// Cancel aborts an escrow that was never funded.
func (s *EscrowService) Cancel(ctx context.Context, id uuid.UUID) (*models.EscrowRecord, error) {
	if err := s.escrowRepo.MarkCancelled(ctx, id); err != nil {
		return nil, err
	}
	e, err := s.escrowRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	s.recordTransition(ctx, e, models.EscrowStateCreated, models.EscrowStateCancelled, nil)
	return e, nil
}

func (s *EscrowService) Get(ctx context.Context, id uuid.UUID) (*models.EscrowRecord, error) {
	return s.escrowRepo.GetByID(ctx, id)
}

func (s *EscrowService) GetByAgreement(ctx context.Context, agreementID string) (*models.EscrowRecord, error) {
	return s.escrowRepo.GetByAgreementID(ctx, agreementID)
}

func (s *EscrowService) State(ctx context.Context, id uuid.UUID) (string, error) {
	e, err := s.escrowRepo.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return e.State, nil
}

func (s *EscrowService) IsExpired(ctx context.Context, id uuid.UUID) (bool, error) {
	e, err := s.escrowRepo.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return e.IsExpired(s.clock.Now()), nil
}

func (s *EscrowService) DeadlineStatus(ctx context.Context, id uuid.UUID) (string, error) {
	e, err := s.escrowRepo.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return e.DeadlineStatus(s.clock.Now()), nil
}

func (s *EscrowService) AuditTrail(ctx context.Context, id uuid.UUID, limit, offset int) ([]models.AuditLog, error) {
	return s.auditRepo.GetByEntity(ctx, "escrow", id, limit, offset)
}

// watch registers the escrow with the deadline scanner.
func (s *EscrowService) watch(ctx context.Context, e *models.EscrowRecord) error {
	return s.contextRepo.Upsert(ctx, &models.ExecutionContext{
		AgreementID:     e.AgreementID,
		EscrowID:        e.ID.String(),
		Provider:        e.Provider,
		Renter:          e.Renter,
		Amount:          e.Amount,
		Deadline:        e.Deadline,
		ExpectedHash:    e.ExpectedHash,
		DeliverableHash: e.DeliverableHash,
		DisputeCount:    e.DisputeCount,
	})
}

// syncContext mirrors escrow changes into the execution context, retiring
// it once the escrow reaches a terminal state.
func (s *EscrowService) syncContext(ctx context.Context, e *models.EscrowRecord, resolved bool) {
	c, err := s.contextRepo.Get(ctx, e.AgreementID)
	if err != nil {
		return // never funded, nothing under watch
	}
	c.DeliverableHash = e.DeliverableHash
	c.DisputeCount = e.DisputeCount
	c.Resolved = c.Resolved || resolved
	if err := s.contextRepo.Upsert(ctx, c); err != nil {
		s.log.Error("failed to sync execution context",
			zap.String("agreement_id", e.AgreementID), zap.Error(err))
	}
}

// raiseEvent feeds a milestone event through the rule engine. Rule failures
// land in the execution history; an unwatched agreement is not an error.
func (s *EscrowService) raiseEvent(ctx context.Context, event models.ExecutionEvent) {
	if s.trigger == nil {
		return
	}
	if _, err := s.trigger.TriggerEvent(ctx, event); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		s.log.Error("failed to trigger execution event",
			zap.String("event", event.Kind),
			zap.String("agreement_id", event.AgreementID), zap.Error(err))
	}
}

func (s *EscrowService) recordTransition(ctx context.Context, e *models.EscrowRecord, from, to string, actor *string) {
	actorType := "system"
	if actor != nil {
		actorType = "agent"
	}
	_ = s.auditRepo.Log(ctx, models.AuditLog{
		ActorID:    actor,
		ActorType:  actorType,
		Action:     fmt.Sprintf("escrow_state_%s_to_%s", orNone(from), to),
		EntityType: "escrow",
		EntityID:   &e.ID,
		Meta:       map[string]any{"agreement_id": e.AgreementID, "old_state": from, "new_state": to},
	})
	_ = s.publisher.Publish(ctx, events.StreamSettlement, events.Event{
		Type: events.EventEscrowStateChanged,
		Payload: map[string]any{
			"escrow_id":    e.ID.String(),
			"agreement_id": e.AgreementID,
			"old_state":    from,
			"new_state":    to,
		},
	})
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
