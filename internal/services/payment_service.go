package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trustyclaw/settlement/internal/apperr"
	"github.com/trustyclaw/settlement/internal/clock"
	"github.com/trustyclaw/settlement/internal/config"
	"github.com/trustyclaw/settlement/internal/events"
	"github.com/trustyclaw/settlement/internal/metrics"
	"github.com/trustyclaw/settlement/internal/models"
)

// TransferExecutor moves funds on the underlying ledger. Implementations
// must tolerate at-least-once invocation per intent; this service itself
// never retries.
type TransferExecutor interface {
	Transfer(ctx context.Context, from, to string, amount int64) (reference string, err error)
}

// AddressValidator checks wallet address syntax.
type AddressValidator interface {
	IsValidAddress(address string) bool
}

// PaymentStore is the intent and escrow-payment persistence surface.
// Implemented by repositories.PaymentRepo.
type PaymentStore interface {
	CreateIntent(ctx context.Context, i *models.PaymentIntent) error
	GetIntent(ctx context.Context, id uuid.UUID) (*models.PaymentIntent, error)
	UpsertSignature(ctx context.Context, intentID uuid.UUID, signer, signature string) error
	ClaimProcessing(ctx context.Context, id uuid.UUID) error
	MarkConfirmed(ctx context.Context, id uuid.UUID, transferRef string) error
	MarkFinalized(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID) error
	MarkCancelled(ctx context.Context, id uuid.UUID) error
	ListByWallet(ctx context.Context, wallet string, limit, offset int) ([]models.PaymentIntent, error)
	CreateEscrowPayment(ctx context.Context, p *models.EscrowPayment) error
	BindIntent(ctx context.Context, escrowID, intentID uuid.UUID) error
	GetEscrowPayment(ctx context.Context, escrowID uuid.UUID) (*models.EscrowPayment, error)
	MarkEscrowPaymentDisputed(ctx context.Context, escrowID uuid.UUID) error
	SettleFund(ctx context.Context, escrowID uuid.UUID, renter string) error
	SettleRelease(ctx context.Context, escrowID uuid.UUID) error
	SettleRefund(ctx context.Context, escrowID uuid.UUID) error
}

// PaymentService owns payment intents, multisig gating and the escrow
// payment wrappers. The cross-store invariant is enforced by claiming the
// intent first, transferring, confirming the intent, then settling escrow
// payment and escrow record in one database transaction.
type PaymentService struct {
	paymentRepo PaymentStore
	escrowRepo  EscrowStore
	contextRepo ContextStore
	auditRepo   AuditStore
	publisher   events.Publisher
	transfer    TransferExecutor
	validator   AddressValidator
	cfg         *config.Config
	clock       clock.Clock
	log         *zap.Logger
}

func NewPaymentService(
	paymentRepo PaymentStore,
	escrowRepo EscrowStore,
	contextRepo ContextStore,
	auditRepo AuditStore,
	publisher events.Publisher,
	transfer TransferExecutor,
	validator AddressValidator,
	cfg *config.Config,
	clk clock.Clock,
	log *zap.Logger,
) *PaymentService {
	return &PaymentService{
		paymentRepo: paymentRepo,
		escrowRepo:  escrowRepo,
		contextRepo: contextRepo,
		auditRepo:   auditRepo,
		publisher:   publisher,
		transfer:    transfer,
		validator:   validator,
		cfg:         cfg,
		clock:       clk,
		log:         log,
	}
}

func (s *PaymentService) CreateIntent(ctx context.Context, from, to string, amount int64, description string) (*models.PaymentIntent, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive, got %d", apperr.ErrInvalidAmount, amount)
	}
	if amount < s.cfg.MinPaymentAmount {
		return nil, fmt.Errorf("%w: amount %d below minimum %d", apperr.ErrInvalidAmount, amount, s.cfg.MinPaymentAmount)
	}
	if s.validator != nil {
		if !s.validator.IsValidAddress(from) {
			return nil, fmt.Errorf("%w: from wallet %q", apperr.ErrInvalidAddress, from)
		}
		if !s.validator.IsValidAddress(to) {
			return nil, fmt.Errorf("%w: to wallet %q", apperr.ErrInvalidAddress, to)
		}
	}

	i := &models.PaymentIntent{
		FromWallet:  from,
		ToWallet:    to,
		Amount:      amount,
		Description: description,
		Status:      models.PaymentStatusPending,
		Signatures:  map[string]string{},
	}
	i.RequiresMultisig = i.AmountUSD() >= s.cfg.MultisigThreshold

	if err := s.paymentRepo.CreateIntent(ctx, i); err != nil {
		return nil, err
	}
	s.log.Info("payment intent created",
		zap.String("intent_id", i.ID.String()),
		zap.Int64("amount", amount),
		zap.Bool("requires_multisig", i.RequiresMultisig))
	return i, nil
}

// CollectSignature records one authorized signer's approval. Re-signing by
// the same signer overwrites and never double-counts.
func (s *PaymentService) CollectSignature(ctx context.Context, intentID uuid.UUID, signer, signature string) (*models.PaymentIntent, error) {
	i, err := s.paymentRepo.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if !i.RequiresMultisig {
		return nil, fmt.Errorf("%w: intent does not require multisig", apperr.ErrInvalidState)
	}
	if models.IsTerminalPaymentStatus(i.Status) {
		return nil, fmt.Errorf("%w: intent already %s", apperr.ErrInvalidState, i.Status)
	}
	if !s.cfg.IsMultisigSigner(signer) {
		return nil, fmt.Errorf("%w: %s is not an authorized signer", apperr.ErrUnauthorized, signer)
	}

	if err := s.paymentRepo.UpsertSignature(ctx, intentID, signer, signature); err != nil {
		return nil, err
	}
	_ = s.auditRepo.Log(ctx, models.AuditLog{
		ActorID:    &signer,
		ActorType:  "agent",
		Action:     "intent_signature_collected",
		EntityType: "payment_intent",
		EntityID:   &intentID,
	})
	return s.paymentRepo.GetIntent(ctx, intentID)
}

// ExecuteIntent claims the intent, delegates to the transfer executor with
// the caller's context deadline, and confirms on success. On executor
// failure the intent is marked failed and ErrExternal surfaced; no retry.
func (s *PaymentService) ExecuteIntent(ctx context.Context, intentID uuid.UUID) (*models.PaymentIntent, error) {
	i, err := s.paymentRepo.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if err := i.CheckExecutable(s.cfg.MultisigRequired); err != nil {
		return nil, err
	}

	if err := s.paymentRepo.ClaimProcessing(ctx, intentID); err != nil {
		return nil, err
	}

	ref, err := s.runTransfer(ctx, i.FromWallet, i.ToWallet, i.Amount)
	if err != nil {
		return nil, s.failIntent(ctx, intentID, err)
	}

	if err := s.paymentRepo.MarkConfirmed(ctx, intentID, ref); err != nil {
		return nil, err
	}
	s.publishPayment(ctx, events.EventPaymentExecuted, intentID, i.Amount, ref)
	metrics.PaymentsExecuted.WithLabelValues(models.PaymentStatusConfirmed).Inc()

	return s.paymentRepo.GetIntent(ctx, intentID)
}

// FinalizeIntent moves a confirmed intent to its terminal finalized status
// once the underlying transfer is considered settled.
func (s *PaymentService) FinalizeIntent(ctx context.Context, intentID uuid.UUID) (*models.PaymentIntent, error) {
	if err := s.paymentRepo.MarkFinalized(ctx, intentID); err != nil {
		return nil, err
	}
	metrics.PaymentsExecuted.WithLabelValues(models.PaymentStatusFinalized).Inc()
	return s.paymentRepo.GetIntent(ctx, intentID)
}

func (s *PaymentService) CancelIntent(ctx context.Context, intentID uuid.UUID) (*models.PaymentIntent, error) {
	if err := s.paymentRepo.MarkCancelled(ctx, intentID); err != nil {
		return nil, err
	}
	return s.paymentRepo.GetIntent(ctx, intentID)
}

func (s *PaymentService) GetIntent(ctx context.Context, intentID uuid.UUID) (*models.PaymentIntent, error) {
	return s.paymentRepo.GetIntent(ctx, intentID)
}

func (s *PaymentService) History(ctx context.Context, wallet string, limit, offset int) ([]models.PaymentIntent, error) {
	return s.paymentRepo.ListByWallet(ctx, wallet, limit, offset)
}

// FundEscrowPayment moves the renter's funds into custody and flips the
// escrow to funded. Escrow record, escrow payment and intent settle in one
// transaction; a failed transfer leaves the escrow untouched.
func (s *PaymentService) FundEscrowPayment(ctx context.Context, escrowID uuid.UUID, renter string) (*models.EscrowPayment, error) {
	e, err := s.escrowRepo.GetByID(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.State != models.EscrowStateCreated {
		return nil, fmt.Errorf("%w: escrow is %s, expected created", apperr.ErrInvalidState, e.State)
	}

	// Resume a previous funding attempt if one exists, so collected
	// signatures and the payment row are not duplicated.
	var i *models.PaymentIntent
	p, err := s.paymentRepo.GetEscrowPayment(ctx, escrowID)
	if err == nil {
		i, err = s.boundOrNewIntent(ctx, p, renter, s.cfg.CustodyWallet,
			fmt.Sprintf("escrow funding for agreement %s", e.AgreementID))
		if err != nil {
			return nil, err
		}
	} else {
		i, err = s.CreateIntent(ctx, renter, s.cfg.CustodyWallet, e.Amount,
			fmt.Sprintf("escrow funding for agreement %s", e.AgreementID))
		if err != nil {
			return nil, err
		}
		p = &models.EscrowPayment{
			EscrowID:   escrowID,
			IntentID:   i.ID,
			Amount:     e.Amount,
			FromWallet: renter,
			ToWallet:   s.cfg.CustodyWallet,
			Status:     models.EscrowPaymentPending,
		}
		if err := s.paymentRepo.CreateEscrowPayment(ctx, p); err != nil {
			return nil, err
		}
	}
	if err := i.CheckExecutable(s.cfg.MultisigRequired); err != nil {
		return nil, err
	}

	if err := s.executeAndSettle(ctx, i, func() error {
		return s.paymentRepo.SettleFund(ctx, escrowID, renter)
	}); err != nil {
		return nil, err
	}

	if e, err = s.escrowRepo.GetByID(ctx, escrowID); err == nil {
		s.watchFunded(ctx, e)
	}
	s.auditEscrowPayment(ctx, escrowID, i.ID, "escrow_funded")
	return s.paymentRepo.GetEscrowPayment(ctx, escrowID)
}

// ReleaseEscrowPayment pays the escrowed amount out to the provider.
// Amounts at or above the multisig threshold need the signature set
// collected on the release intent first.
func (s *PaymentService) ReleaseEscrowPayment(ctx context.Context, escrowID uuid.UUID) (*models.EscrowPayment, error) {
	e, err := s.escrowRepo.GetByID(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.State != models.EscrowStateCompleted && e.State != models.EscrowStateDisputed {
		return nil, fmt.Errorf("%w: escrow is %s, expected completed or disputed", apperr.ErrInvalidState, e.State)
	}

	p, err := s.paymentRepo.GetEscrowPayment(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.EscrowPaymentFunded && p.Status != models.EscrowPaymentDisputed {
		return nil, fmt.Errorf("%w: escrow payment is %s, expected funded or disputed", apperr.ErrInvalidState, p.Status)
	}

	i, err := s.boundOrNewIntent(ctx, p, s.cfg.CustodyWallet, e.Provider,
		fmt.Sprintf("escrow release for agreement %s", e.AgreementID))
	if err != nil {
		return nil, err
	}
	if err := i.CheckExecutable(s.cfg.MultisigRequired); err != nil {
		return nil, err
	}

	if err := s.executeAndSettle(ctx, i, func() error {
		return s.paymentRepo.SettleRelease(ctx, escrowID)
	}); err != nil {
		return nil, err
	}

	s.retireContext(ctx, e.AgreementID)
	s.auditEscrowPayment(ctx, escrowID, i.ID, "escrow_released")
	return s.paymentRepo.GetEscrowPayment(ctx, escrowID)
}

// RefundEscrowPayment returns the escrowed amount to the renter.
func (s *PaymentService) RefundEscrowPayment(ctx context.Context, escrowID uuid.UUID) (*models.EscrowPayment, error) {
	e, err := s.escrowRepo.GetByID(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.State != models.EscrowStateFunded && e.State != models.EscrowStateDisputed {
		return nil, fmt.Errorf("%w: escrow is %s, expected funded or disputed", apperr.ErrInvalidState, e.State)
	}

	p, err := s.paymentRepo.GetEscrowPayment(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.EscrowPaymentFunded && p.Status != models.EscrowPaymentDisputed {
		return nil, fmt.Errorf("%w: escrow payment is %s, expected funded or disputed", apperr.ErrInvalidState, p.Status)
	}

	i, err := s.boundOrNewIntent(ctx, p, s.cfg.CustodyWallet, p.FromWallet,
		fmt.Sprintf("escrow refund for agreement %s", e.AgreementID))
	if err != nil {
		return nil, err
	}
	if err := i.CheckExecutable(s.cfg.MultisigRequired); err != nil {
		return nil, err
	}

	if err := s.executeAndSettle(ctx, i, func() error {
		return s.paymentRepo.SettleRefund(ctx, escrowID)
	}); err != nil {
		return nil, err
	}

	s.retireContext(ctx, e.AgreementID)
	s.auditEscrowPayment(ctx, escrowID, i.ID, "escrow_refunded")
	return s.paymentRepo.GetEscrowPayment(ctx, escrowID)
}

// boundOrNewIntent reuses the escrow payment's bound intent when it is
// still a pending transfer to the same recipient (so signatures collected
// across retries are not lost), otherwise creates and binds a fresh one.
func (s *PaymentService) boundOrNewIntent(ctx context.Context, p *models.EscrowPayment, from, to, description string) (*models.PaymentIntent, error) {
	bound, err := s.paymentRepo.GetIntent(ctx, p.IntentID)
	if err == nil && bound.Status == models.PaymentStatusPending && bound.ToWallet == to {
		return bound, nil
	}

	i, err := s.CreateIntent(ctx, from, to, p.Amount, description)
	if err != nil {
		return nil, err
	}
	if err := s.paymentRepo.BindIntent(ctx, p.EscrowID, i.ID); err != nil {
		return nil, err
	}
	return i, nil
}

// executeAndSettle claims the intent, runs the external transfer, confirms
// the intent and then commits the settle transaction. Transfer failure
// marks only the intent failed. The transfer is irrevocable, so the intent
// is confirmed before the escrow rows are touched: a settle failure leaves
// a confirmed intent carrying the transfer reference, never one stuck in
// processing with funds already moved.
func (s *PaymentService) executeAndSettle(ctx context.Context, i *models.PaymentIntent, settle func() error) error {
	if err := s.paymentRepo.ClaimProcessing(ctx, i.ID); err != nil {
		return err
	}

	ref, err := s.runTransfer(ctx, i.FromWallet, i.ToWallet, i.Amount)
	if err != nil {
		return s.failIntent(ctx, i.ID, err)
	}

	if err := s.paymentRepo.MarkConfirmed(ctx, i.ID, ref); err != nil {
		s.log.Error("transfer executed but intent not confirmed",
			zap.String("intent_id", i.ID.String()), zap.String("transfer_ref", ref), zap.Error(err))
		return err
	}
	if err := settle(); err != nil {
		s.log.Error("settle failed after confirmed transfer, escrow rows need reconciliation",
			zap.String("intent_id", i.ID.String()), zap.String("transfer_ref", ref), zap.Error(err))
		return err
	}
	s.publishPayment(ctx, events.EventPaymentExecuted, i.ID, i.Amount, ref)
	metrics.PaymentsExecuted.WithLabelValues(models.PaymentStatusConfirmed).Inc()
	return nil
}

func (s *PaymentService) runTransfer(ctx context.Context, from, to string, amount int64) (string, error) {
	if s.transfer == nil {
		return "", fmt.Errorf("no transfer executor configured")
	}
	timer := s.clock.Now()
	ref, err := s.transfer.Transfer(ctx, from, to, amount)
	metrics.TransferDuration.Observe(s.clock.Now().Sub(timer).Seconds())
	return ref, err
}

func (s *PaymentService) failIntent(ctx context.Context, intentID uuid.UUID, cause error) error {
	if err := s.paymentRepo.MarkFailed(ctx, intentID); err != nil {
		s.log.Error("failed to mark intent failed", zap.String("intent_id", intentID.String()), zap.Error(err))
	}
	metrics.PaymentsExecuted.WithLabelValues(models.PaymentStatusFailed).Inc()
	s.publishPayment(ctx, events.EventPaymentFailed, intentID, 0, "")
	return fmt.Errorf("%w: %v", apperr.ErrExternal, cause)
}

func (s *PaymentService) watchFunded(ctx context.Context, e *models.EscrowRecord) {
	err := s.contextRepo.Upsert(ctx, &models.ExecutionContext{
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
	if err != nil {
		s.log.Error("failed to register execution context",
			zap.String("agreement_id", e.AgreementID), zap.Error(err))
	}
}

func (s *PaymentService) retireContext(ctx context.Context, agreementID string) {
	if err := s.contextRepo.MarkResolved(ctx, agreementID); err != nil {
		s.log.Error("failed to retire execution context",
			zap.String("agreement_id", agreementID), zap.Error(err))
	}
}

func (s *PaymentService) auditEscrowPayment(ctx context.Context, escrowID, intentID uuid.UUID, action string) {
	_ = s.auditRepo.Log(ctx, models.AuditLog{
		ActorType:  "system",
		Action:     action,
		EntityType: "escrow",
		EntityID:   &escrowID,
		Meta:       map[string]any{"intent_id": intentID.String()},
	})
}

func (s *PaymentService) publishPayment(ctx context.Context, eventType string, intentID uuid.UUID, amount int64, ref string) {
	_ = s.publisher.Publish(ctx, events.StreamSettlement, events.Event{
		Type: eventType,
		Payload: map[string]any{
			"intent_id":    intentID.String(),
			"amount":       amount,
			"transfer_ref": ref,
		},
	})
}
