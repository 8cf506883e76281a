package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trustyclaw/settlement/internal/clock"
	"github.com/trustyclaw/settlement/internal/metrics"
	"github.com/trustyclaw/settlement/internal/models"
)

// Scanner sweeps unresolved execution contexts on a fixed interval, raising
// deadline warnings and expiries through the engine. Each due context is
// handled on its own goroutine so one slow rule action cannot delay the
// sweep schedule.
type Scanner struct {
	engine        *Engine
	store         ContextStore
	clock         clock.Clock
	interval      time.Duration
	warningWindow time.Duration
	log           *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewScanner(eng *Engine, store ContextStore, clk clock.Clock, interval, warningWindow time.Duration, log *zap.Logger) *Scanner {
	return &Scanner{
		engine:        eng,
		store:         store,
		clock:         clk,
		interval:      interval,
		warningWindow: warningWindow,
		log:           log,
	}
}

func (s *Scanner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.engine.setScannerRunning(true)

	go s.run(ctx, s.done)
	s.log.Info("deadline scanner started", zap.Duration("interval", s.interval))
}

func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	done := s.done
	s.mu.Unlock()

	<-done
	s.engine.setScannerRunning(false)
	s.log.Info("deadline scanner stopped")
}

func (s *Scanner) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scanner) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scanner) sweep(ctx context.Context) {
	metrics.ScannerTicks.Inc()

	contexts, err := s.store.ListUnresolved(ctx)
	if err != nil {
		s.log.Error("scanner failed to list contexts", zap.Error(err))
		return
	}
	metrics.WatchedContexts.Set(float64(len(contexts)))

	now := s.clock.Now()
	for i := range contexts {
		c := contexts[i]
		switch {
		case c.PastDeadline(now):
			go s.raiseExpired(ctx, c, now)
		case c.DueForWarning(now, s.warningWindow):
			go s.raiseWarning(ctx, c, now)
		}
	}
}

func (s *Scanner) raiseWarning(ctx context.Context, c models.ExecutionContext, now time.Time) {
	if err := s.store.MarkWarningSent(ctx, c.AgreementID); err != nil {
		s.log.Error("failed to mark warning sent",
			zap.String("agreement_id", c.AgreementID), zap.Error(err))
		return
	}
	_, err := s.engine.TriggerEvent(ctx, models.ExecutionEvent{
		Kind:        models.EventDeadlineWarning,
		AgreementID: c.AgreementID,
		Data:        map[string]any{"deadline": c.Deadline},
		Timestamp:   now,
	})
	if err != nil {
		s.log.Error("deadline warning failed",
			zap.String("agreement_id", c.AgreementID), zap.Error(err))
	}
}

// raiseExpired fires the expiry event once, then retires the context from
// the watch set. Whatever follows an expiry (refund, slash) is driven by
// rules and governance, not by repeated sweeps.
func (s *Scanner) raiseExpired(ctx context.Context, c models.ExecutionContext, now time.Time) {
	if err := s.store.MarkResolved(ctx, c.AgreementID); err != nil {
		s.log.Error("failed to retire expired context",
			zap.String("agreement_id", c.AgreementID), zap.Error(err))
		return
	}
	_, err := s.engine.TriggerEvent(ctx, models.ExecutionEvent{
		Kind:        models.EventDeadlineExpired,
		AgreementID: c.AgreementID,
		Data:        map[string]any{"deadline": c.Deadline},
		Timestamp:   now,
	})
	if err != nil {
		s.log.Error("deadline expiry failed",
			zap.String("agreement_id", c.AgreementID), zap.Error(err))
	}
}
