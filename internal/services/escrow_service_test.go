package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trustyclaw/settlement/internal/apperr"
	"github.com/trustyclaw/settlement/internal/config"
	"github.com/trustyclaw/settlement/internal/engine"
	"github.com/trustyclaw/settlement/internal/events"
	"github.com/trustyclaw/settlement/internal/models"
)

type frozenClock struct{ t time.Time }

func (c frozenClock) Now() time.Time { return c.t }

type memEscrowStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*models.EscrowRecord
}

func newMemEscrowStore() *memEscrowStore {
	return &memEscrowStore{rows: make(map[uuid.UUID]*models.EscrowRecord)}
}

func (s *memEscrowStore) Create(_ context.Context, e *models.EscrowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = uuid.New()
	clone := *e
	s.rows[e.ID] = &clone
	return nil
}

func (s *memEscrowStore) GetByID(_ context.Context, id uuid.UUID) (*models.EscrowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: escrow", apperr.ErrNotFound)
	}
	clone := *e
	return &clone, nil
}

func (s *memEscrowStore) GetByAgreementID(_ context.Context, agreementID string) (*models.EscrowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.rows {
		if e.AgreementID == agreementID {
			clone := *e
			return &clone, nil
		}
	}
	return nil, fmt.Errorf("%w: escrow", apperr.ErrNotFound)
}

func (s *memEscrowStore) cas(id uuid.UUID, from []string, mutate func(*models.EscrowRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("%w: escrow", apperr.ErrNotFound)
	}
	for _, f := range from {
		if e.State == f {
			mutate(e)
			return nil
		}
	}
	return fmt.Errorf("%w: escrow is %s", apperr.ErrInvalidState, e.State)
}

func (s *memEscrowStore) MarkFunded(_ context.Context, id uuid.UUID, renter string) error {
	return s.cas(id, []string{models.EscrowStateCreated}, func(e *models.EscrowRecord) {
		e.State = models.EscrowStateFunded
		e.Renter = renter
	})
}

func (s *memEscrowStore) MarkCompleted(_ context.Context, id uuid.UUID, deliverableHash *string) error {
	return s.cas(id, []string{models.EscrowStateFunded}, func(e *models.EscrowRecord) {
		e.State = models.EscrowStateCompleted
		e.DeliverableHash = deliverableHash
	})
}

func (s *memEscrowStore) MarkDisputed(_ context.Context, id uuid.UUID, reason string) error {
	return s.cas(id, []string{models.EscrowStateFunded}, func(e *models.EscrowRecord) {
		e.State = models.EscrowStateDisputed
		e.DisputeReason = &reason
		e.DisputeCount++
	})
}

func (s *memEscrowStore) MarkReleased(_ context.Context, id uuid.UUID) error {
	return s.cas(id, []string{models.EscrowStateCompleted, models.EscrowStateDisputed}, func(e *models.EscrowRecord) {
		e.State = models.EscrowStateReleased
	})
}

func (s *memEscrowStore) MarkRefunded(_ context.Context, id uuid.UUID) error {
	return s.cas(id, []string{models.EscrowStateFunded, models.EscrowStateDisputed}, func(e *models.EscrowRecord) {
		e.State = models.EscrowStateRefunded
	})
}

func (s *memEscrowStore) MarkCancelled(_ context.Context, id uuid.UUID) error {
	return s.cas(id, []string{models.EscrowStateCreated}, func(e *models.EscrowRecord) {
		e.State = models.EscrowStateCancelled
	})
}

// memContextStore backs both the services' context writes and the engine.
type memContextStore struct {
	mu       sync.Mutex
	contexts map[string]*models.ExecutionContext
	results  []models.ExecutionResult
}

func newMemContextStore() *memContextStore {
	return &memContextStore{contexts: make(map[string]*models.ExecutionContext)}
}

func (s *memContextStore) Get(_ context.Context, agreementID string) (*models.ExecutionContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[agreementID]
	if !ok {
		return nil, fmt.Errorf("%w: execution context", apperr.ErrNotFound)
	}
	clone := *c
	return &clone, nil
}

func (s *memContextStore) Upsert(_ context.Context, c *models.ExecutionContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *c
	s.contexts[c.AgreementID] = &clone
	return nil
}

func (s *memContextStore) ListUnresolved(_ context.Context) ([]models.ExecutionContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ExecutionContext
	for _, c := range s.contexts {
		if !c.Resolved {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *memContextStore) MarkWarningSent(_ context.Context, agreementID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.contexts[agreementID]; ok {
		c.WarningSent = true
	}
	return nil
}

func (s *memContextStore) MarkResolved(_ context.Context, agreementID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.contexts[agreementID]; ok {
		c.Resolved = true
	}
	return nil
}

func (s *memContextStore) InsertResult(_ context.Context, res *models.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, *res)
	return nil
}

func (s *memContextStore) ListResults(_ context.Context, agreementID, event string, limit int) ([]models.ExecutionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ExecutionResult
	for i := len(s.results) - 1; i >= 0 && len(out) < limit; i-- {
		r := s.results[i]
		if agreementID != "" && r.AgreementID != agreementID {
			continue
		}
		if event != "" && r.Event != event {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

type memAuditStore struct {
	mu      sync.Mutex
	entries []models.AuditLog
}

func (s *memAuditStore) Log(_ context.Context, entry models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *memAuditStore) GetByEntity(_ context.Context, entityType string, entityID uuid.UUID, _, _ int) ([]models.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditLog
	for _, e := range s.entries {
		if e.EntityType == entityType && e.EntityID != nil && *e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}

type recordPublisher struct {
	mu        sync.Mutex
	published []events.Event
}

func (p *recordPublisher) Publish(_ context.Context, _ string, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, e)
	return nil
}

type recordTrigger struct {
	mu     sync.Mutex
	events []models.ExecutionEvent
}

func (t *recordTrigger) TriggerEvent(_ context.Context, ev models.ExecutionEvent) ([]models.ExecutionResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, ev)
	return nil, nil
}

func (t *recordTrigger) kinds() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, ev := range t.events {
		out = append(out, ev.Kind)
	}
	return out
}

type disputeMarker struct {
	mu     sync.Mutex
	marked []uuid.UUID
}

func (m *disputeMarker) MarkEscrowPaymentDisputed(_ context.Context, escrowID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked = append(m.marked, escrowID)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		CustodyWallet:              "custody-wallet",
		MinPaymentAmount:           1_000,
		MultisigThreshold:          1000.0,
		MultisigRequired:           2,
		MultisigSigners:            []string{"signer-1", "signer-2", "signer-3"},
		DisputeEscalationThreshold: 3,
	}
}

type escrowFixture struct {
	svc     *EscrowService
	escrows *memEscrowStore
	ctxs    *memContextStore
	trigger *recordTrigger
	marker  *disputeMarker
}

func newEscrowFixture(t *testing.T) *escrowFixture {
	t.Helper()
	f := &escrowFixture{
		escrows: newMemEscrowStore(),
		ctxs:    newMemContextStore(),
		trigger: &recordTrigger{},
		marker:  &disputeMarker{},
	}
	clk := frozenClock{t: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
	f.svc = NewEscrowService(f.escrows, f.ctxs, &memAuditStore{}, f.marker,
		&recordPublisher{}, testConfig(), clk, zap.NewNop())
	f.svc.SetEventTrigger(f.trigger)
	return f
}

func (f *escrowFixture) fundedEscrow(t *testing.T, agreementID string, expectedHash *string) *models.EscrowRecord {
	t.Helper()
	ctx := context.Background()
	e, err := f.svc.Create(ctx, agreementID, "provider-wallet", 50_000_000, 3600, expectedHash)
	require.NoError(t, err)
	e, err = f.svc.Fund(ctx, e.ID, "renter-wallet")
	require.NoError(t, err)
	return e
}

func TestCompleteRaisesMandateCompleted(t *testing.T) {
	f := newEscrowFixture(t)
	e := f.fundedEscrow(t, "agr-1", nil)

	hash := engine.HashContent("the deliverable")
	done, err := f.svc.Complete(context.Background(), e.ID, &hash)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStateCompleted, done.State)
	assert.Equal(t, []string{models.EventMandateCompleted}, f.trigger.kinds())
}

func TestDisputeRaisesEscalationAndMarksPayment(t *testing.T) {
	f := newEscrowFixture(t)
	e := f.fundedEscrow(t, "agr-1", nil)

	actor := "renter-wallet"
	disputed, err := f.svc.Dispute(context.Background(), e.ID, "late delivery", &actor)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStateDisputed, disputed.State)
	assert.Equal(t, []uuid.UUID{e.ID}, f.marker.marked)

	require.Equal(t, []string{models.EventDisputeEscalated}, f.trigger.kinds())
	assert.Equal(t, 1, f.trigger.events[0].Data["dispute_count"])

	c, err := f.ctxs.Get(context.Background(), "agr-1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.DisputeCount)
}

func TestSubmitDeliverableRaisesEventWithoutTransition(t *testing.T) {
	f := newEscrowFixture(t)
	expected := engine.HashContent("what was promised")
	e := f.fundedEscrow(t, "agr-1", &expected)

	got, err := f.svc.SubmitDeliverable(context.Background(), e.ID, expected)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStateFunded, got.State, "submission alone must not transition")

	require.Equal(t, []string{models.EventDeliverableSubmitted}, f.trigger.kinds())
	assert.Equal(t, expected, f.trigger.events[0].Data["deliverable_hash"])

	c, err := f.ctxs.Get(context.Background(), "agr-1")
	require.NoError(t, err)
	require.NotNil(t, c.DeliverableHash)
	assert.Equal(t, expected, *c.DeliverableHash)
}

func TestSubmitDeliverableRequiresFundedEscrow(t *testing.T) {
	f := newEscrowFixture(t)
	e, err := f.svc.Create(context.Background(), "agr-1", "provider-wallet", 50_000_000, 3600, nil)
	require.NoError(t, err)

	_, err = f.svc.SubmitDeliverable(context.Background(), e.ID, "h")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Empty(t, f.trigger.kinds())
}

func TestMilestonesSafeWithoutTrigger(t *testing.T) {
	f := newEscrowFixture(t)
	f.svc.SetEventTrigger(nil)
	e := f.fundedEscrow(t, "agr-1", nil)

	hash := engine.HashContent("the deliverable")
	done, err := f.svc.Complete(context.Background(), e.ID, &hash)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStateCompleted, done.State)
}

// The full chain: the provider submits a matching deliverable, the hash
// rule completes the escrow, and the release rule pays the provider out.
func TestSubmissionAutoCompletesAndReleases(t *testing.T) {
	escrows := newMemEscrowStore()
	ctxs := newMemContextStore()
	audit := &memAuditStore{}
	pub := &recordPublisher{}
	clk := frozenClock{t: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
	cfg := testConfig()
	log := zap.NewNop()

	payments := newMemPaymentStore(escrows)
	escrowSvc := NewEscrowService(escrows, ctxs, audit, payments, pub, cfg, clk, log)
	paySvc := NewPaymentService(payments, escrows, ctxs, audit, pub,
		&stubTransfer{ref: "tx-abc"}, nil, cfg, clk, log)

	eng := engine.New(ctxs, clk, log)
	actions := NewExecutorActions(escrowSvc, paySvc, nil, pub, log)
	for _, r := range engine.BuiltinRules(actions, cfg.DisputeEscalationThreshold) {
		require.NoError(t, eng.RegisterRule(r))
	}
	escrowSvc.SetEventTrigger(eng)

	ctx := context.Background()
	expected := engine.HashContent("agreed deliverable")
	e, err := escrowSvc.Create(ctx, "agr-e2e", "provider-wallet", 50_000_000, 3600, &expected)
	require.NoError(t, err)
	_, err = paySvc.FundEscrowPayment(ctx, e.ID, "renter-wallet")
	require.NoError(t, err)

	got, err := escrowSvc.SubmitDeliverable(ctx, e.ID, expected)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStateReleased, got.State)

	p, err := payments.GetEscrowPayment(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowPaymentReleased, p.Status)

	history, err := eng.GetExecutionHistory(ctx, "agr-e2e", "", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	for _, res := range history {
		assert.True(t, res.Success, res.Message)
	}
}
