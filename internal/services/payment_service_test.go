package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trustyclaw/settlement/internal/apperr"
	"github.com/trustyclaw/settlement/internal/models"
)

type stubTransfer struct {
	mu    sync.Mutex
	ref   string
	err   error
	calls int
}

func (s *stubTransfer) Transfer(_ context.Context, _, _ string, _ int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.ref, nil
}

type memPaymentStore struct {
	mu        sync.Mutex
	intents   map[uuid.UUID]*models.PaymentIntent
	payments  map[uuid.UUID]*models.EscrowPayment
	escrows   *memEscrowStore
	settleErr error
}

func newMemPaymentStore(escrows *memEscrowStore) *memPaymentStore {
	return &memPaymentStore{
		intents:  make(map[uuid.UUID]*models.PaymentIntent),
		payments: make(map[uuid.UUID]*models.EscrowPayment),
		escrows:  escrows,
	}
}

func cloneIntent(i *models.PaymentIntent) *models.PaymentIntent {
	clone := *i
	clone.Signatures = make(map[string]string, len(i.Signatures))
	for k, v := range i.Signatures {
		clone.Signatures[k] = v
	}
	return &clone
}

func (s *memPaymentStore) CreateIntent(_ context.Context, i *models.PaymentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i.ID = uuid.New()
	s.intents[i.ID] = cloneIntent(i)
	return nil
}

func (s *memPaymentStore) GetIntent(_ context.Context, id uuid.UUID) (*models.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.intents[id]
	if !ok {
		return nil, fmt.Errorf("%w: payment intent", apperr.ErrNotFound)
	}
	return cloneIntent(i), nil
}

func (s *memPaymentStore) UpsertSignature(_ context.Context, intentID uuid.UUID, signer, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.intents[intentID]
	if !ok {
		return fmt.Errorf("%w: payment intent", apperr.ErrNotFound)
	}
	if i.Signatures == nil {
		i.Signatures = make(map[string]string)
	}
	i.Signatures[signer] = signature
	return nil
}

func (s *memPaymentStore) casIntent(id uuid.UUID, from []string, mutate func(*models.PaymentIntent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.intents[id]
	if !ok {
		return fmt.Errorf("%w: payment intent", apperr.ErrNotFound)
	}
	for _, f := range from {
		if i.Status == f {
			mutate(i)
			return nil
		}
	}
	return fmt.Errorf("%w: intent is %s", apperr.ErrInvalidState, i.Status)
}

func (s *memPaymentStore) ClaimProcessing(_ context.Context, id uuid.UUID) error {
	return s.casIntent(id, []string{models.PaymentStatusPending}, func(i *models.PaymentIntent) {
		i.Status = models.PaymentStatusProcessing
	})
}

func (s *memPaymentStore) MarkConfirmed(_ context.Context, id uuid.UUID, transferRef string) error {
	return s.casIntent(id, []string{models.PaymentStatusProcessing}, func(i *models.PaymentIntent) {
		i.Status = models.PaymentStatusConfirmed
		i.TransferRef = &transferRef
	})
}

func (s *memPaymentStore) MarkFinalized(_ context.Context, id uuid.UUID) error {
	return s.casIntent(id, []string{models.PaymentStatusConfirmed}, func(i *models.PaymentIntent) {
		i.Status = models.PaymentStatusFinalized
	})
}

func (s *memPaymentStore) MarkFailed(_ context.Context, id uuid.UUID) error {
	return s.casIntent(id, []string{models.PaymentStatusProcessing, models.PaymentStatusConfirmed}, func(i *models.PaymentIntent) {
		i.Status = models.PaymentStatusFailed
	})
}

func (s *memPaymentStore) MarkCancelled(_ context.Context, id uuid.UUID) error {
	return s.casIntent(id, []string{models.PaymentStatusPending}, func(i *models.PaymentIntent) {
		i.Status = models.PaymentStatusCancelled
	})
}

func (s *memPaymentStore) ListByWallet(_ context.Context, wallet string, _, _ int) ([]models.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PaymentIntent
	for _, i := range s.intents {
		if i.FromWallet == wallet || i.ToWallet == wallet {
			out = append(out, *cloneIntent(i))
		}
	}
	return out, nil
}

func (s *memPaymentStore) CreateEscrowPayment(_ context.Context, p *models.EscrowPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *p
	s.payments[p.EscrowID] = &clone
	return nil
}

func (s *memPaymentStore) BindIntent(_ context.Context, escrowID, intentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payments[escrowID]; ok {
		p.IntentID = intentID
	}
	return nil
}

func (s *memPaymentStore) GetEscrowPayment(_ context.Context, escrowID uuid.UUID) (*models.EscrowPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[escrowID]
	if !ok {
		return nil, fmt.Errorf("%w: escrow payment", apperr.ErrNotFound)
	}
	clone := *p
	return &clone, nil
}

func (s *memPaymentStore) MarkEscrowPaymentDisputed(_ context.Context, escrowID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payments[escrowID]; ok && p.Status == models.EscrowPaymentFunded {
		p.Status = models.EscrowPaymentDisputed
	}
	return nil
}

func (s *memPaymentStore) settlePayment(escrowID uuid.UUID, from []string, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settleErr != nil {
		return s.settleErr
	}
	p, ok := s.payments[escrowID]
	if !ok {
		return fmt.Errorf("%w: escrow payment for %s not settleable", apperr.ErrInvalidState, escrowID)
	}
	for _, f := range from {
		if p.Status == f {
			p.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: escrow payment for %s not settleable", apperr.ErrInvalidState, escrowID)
}

func (s *memPaymentStore) SettleFund(ctx context.Context, escrowID uuid.UUID, renter string) error {
	if err := s.settlePayment(escrowID, []string{models.EscrowPaymentPending}, models.EscrowPaymentFunded); err != nil {
		return err
	}
	return s.escrows.MarkFunded(ctx, escrowID, renter)
}

func (s *memPaymentStore) SettleRelease(ctx context.Context, escrowID uuid.UUID) error {
	if err := s.settlePayment(escrowID,
		[]string{models.EscrowPaymentFunded, models.EscrowPaymentDisputed}, models.EscrowPaymentReleased); err != nil {
		return err
	}
	return s.escrows.MarkReleased(ctx, escrowID)
}

func (s *memPaymentStore) SettleRefund(ctx context.Context, escrowID uuid.UUID) error {
	if err := s.settlePayment(escrowID,
		[]string{models.EscrowPaymentFunded, models.EscrowPaymentDisputed}, models.EscrowPaymentRefunded); err != nil {
		return err
	}
	return s.escrows.MarkRefunded(ctx, escrowID)
}

type paymentFixture struct {
	svc      *PaymentService
	escrows  *memEscrowStore
	ctxs     *memContextStore
	payments *memPaymentStore
	transfer *stubTransfer
}

func newPaymentFixture(t *testing.T) *paymentFixture {
	t.Helper()
	f := &paymentFixture{
		escrows:  newMemEscrowStore(),
		ctxs:     newMemContextStore(),
		transfer: &stubTransfer{ref: "tx-001"},
	}
	f.payments = newMemPaymentStore(f.escrows)
	clk := frozenClock{t: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
	f.svc = NewPaymentService(f.payments, f.escrows, f.ctxs, &memAuditStore{},
		&recordPublisher{}, f.transfer, nil, testConfig(), clk, zap.NewNop())
	return f
}

func (f *paymentFixture) createdEscrow(t *testing.T, amount int64) *models.EscrowRecord {
	t.Helper()
	e := &models.EscrowRecord{
		AgreementID:     "agr-1",
		Provider:        "provider-wallet",
		Amount:          amount,
		DurationSeconds: 3600,
		State:           models.EscrowStateCreated,
	}
	require.NoError(t, f.escrows.Create(context.Background(), e))
	return e
}

func TestFundEscrowPaymentSettlesAllStores(t *testing.T) {
	f := newPaymentFixture(t)
	e := f.createdEscrow(t, 50_000_000)

	ctx := context.Background()
	p, err := f.svc.FundEscrowPayment(ctx, e.ID, "renter-wallet")
	require.NoError(t, err)
	assert.Equal(t, models.EscrowPaymentFunded, p.Status)

	funded, err := f.escrows.GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStateFunded, funded.State)
	assert.Equal(t, "renter-wallet", funded.Renter)

	i, err := f.payments.GetIntent(ctx, p.IntentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusConfirmed, i.Status)
	require.NotNil(t, i.TransferRef)
	assert.Equal(t, "tx-001", *i.TransferRef)

	c, err := f.ctxs.Get(ctx, "agr-1")
	require.NoError(t, err)
	assert.False(t, c.Resolved)
}

func TestSettleFailureLeavesIntentConfirmed(t *testing.T) {
	f := newPaymentFixture(t)
	e := f.createdEscrow(t, 50_000_000)
	f.payments.settleErr = errors.New("settle tx aborted")

	ctx := context.Background()
	_, err := f.svc.FundEscrowPayment(ctx, e.ID, "renter-wallet")
	require.Error(t, err)

	// The transfer happened, so the intent must record it even though the
	// escrow rows could not be flipped.
	p, err := f.payments.GetEscrowPayment(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowPaymentPending, p.Status)

	i, err := f.payments.GetIntent(ctx, p.IntentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusConfirmed, i.Status)
	require.NotNil(t, i.TransferRef)
	assert.Equal(t, "tx-001", *i.TransferRef)

	still, err := f.escrows.GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStateCreated, still.State)
}

func TestTransferFailureMarksIntentFailed(t *testing.T) {
	f := newPaymentFixture(t)
	e := f.createdEscrow(t, 50_000_000)
	f.transfer.err = errors.New("lite server unreachable")

	ctx := context.Background()
	_, err := f.svc.FundEscrowPayment(ctx, e.ID, "renter-wallet")
	assert.ErrorIs(t, err, apperr.ErrExternal)

	p, err := f.payments.GetEscrowPayment(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowPaymentPending, p.Status)

	i, err := f.payments.GetIntent(ctx, p.IntentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, i.Status)

	still, err := f.escrows.GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStateCreated, still.State)
}

func TestFundAboveThresholdNeedsSignatures(t *testing.T) {
	f := newPaymentFixture(t)
	e := f.createdEscrow(t, 2_000_000_000) // $2000, above the multisig threshold

	_, err := f.svc.FundEscrowPayment(context.Background(), e.ID, "renter-wallet")
	assert.ErrorIs(t, err, apperr.ErrMultisigIncomplete)
	assert.Zero(t, f.transfer.calls)
}

func TestDisputedEscrowPaymentStillRefundable(t *testing.T) {
	f := newPaymentFixture(t)
	e := f.createdEscrow(t, 50_000_000)

	ctx := context.Background()
	_, err := f.svc.FundEscrowPayment(ctx, e.ID, "renter-wallet")
	require.NoError(t, err)
	require.NoError(t, f.escrows.MarkDisputed(ctx, e.ID, "wrong deliverable"))
	require.NoError(t, f.payments.MarkEscrowPaymentDisputed(ctx, e.ID))

	p, err := f.svc.RefundEscrowPayment(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowPaymentRefunded, p.Status)

	refunded, err := f.escrows.GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStateRefunded, refunded.State)
}
