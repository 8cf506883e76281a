package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/trustyclaw/settlement/internal/clock"
	"github.com/trustyclaw/settlement/internal/metrics"
	"github.com/trustyclaw/settlement/internal/models"
)

// ContextStore is the engine's view of persisted execution contexts and
// firing history. Implemented by repositories.ContextRepo.
type ContextStore interface {
	Get(ctx context.Context, agreementID string) (*models.ExecutionContext, error)
	Upsert(ctx context.Context, c *models.ExecutionContext) error
	ListUnresolved(ctx context.Context) ([]models.ExecutionContext, error)
	MarkWarningSent(ctx context.Context, agreementID string) error
	MarkResolved(ctx context.Context, agreementID string) error
	InsertResult(ctx context.Context, res *models.ExecutionResult) error
	ListResults(ctx context.Context, agreementID, event string, limit int) ([]models.ExecutionResult, error)
}

// Rule couples an event kind with a condition and an action. Lower priority
// runs first. Conditions must be pure; side effects belong in the action.
type Rule struct {
	ID        string
	Name      string
	Event     string
	Priority  int
	Enabled   bool
	Condition func(c *models.ExecutionContext) bool
	Action    func(ctx context.Context, c *models.ExecutionContext) (*models.ExecutionResult, error)

	executions   int64
	lastExecuted *time.Time
}

// RuleInfo is a read-only snapshot of a registered rule.
type RuleInfo struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Event           string     `json:"event"`
	Priority        int        `json:"priority"`
	Enabled         bool       `json:"enabled"`
	ExecutionsCount int64      `json:"executions_count"`
	LastExecutedAt  *time.Time `json:"last_executed_at,omitempty"`
}

// Callback receives every recorded execution result for its event kind.
// Callbacks run on their own goroutines and cannot block rule evaluation.
type Callback func(c *models.ExecutionContext, res models.ExecutionResult)

type Stats struct {
	TotalExecutions int64 `json:"total_executions"`
	Successful      int64 `json:"successful"`
	Failed          int64 `json:"failed"`
	ActiveRules     int   `json:"active_rules"`
	TotalRules      int   `json:"total_rules"`
	ScannerRunning  bool  `json:"scanner_running"`
}

const defaultCallbackTimeout = 5 * time.Second

// Engine evaluates rules against execution contexts. Rules and callbacks are
// registered at startup; contexts and history live in the store.
type Engine struct {
	mu        sync.RWMutex
	rules     []*Rule
	callbacks map[string][]Callback

	store ContextStore
	clock clock.Clock
	log   *zap.Logger

	callbackTimeout time.Duration

	total          atomic.Int64
	successful     atomic.Int64
	failed         atomic.Int64
	scannerRunning atomic.Bool
}

func New(store ContextStore, clk clock.Clock, log *zap.Logger) *Engine {
	return &Engine{
		callbacks:       make(map[string][]Callback),
		store:           store,
		clock:           clk,
		log:             log,
		callbackTimeout: defaultCallbackTimeout,
	}
}

// RegisterRule adds a rule and keeps the set sorted by priority. Rule ids
// are unique; re-registering an id is an error.
func (e *Engine) RegisterRule(r *Rule) error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if r.Action == nil {
		return fmt.Errorf("rule %s has no action", r.ID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.rules {
		if existing.ID == r.ID {
			return fmt.Errorf("rule %s already registered", r.ID)
		}
	}
	e.rules = append(e.rules, r)
	sort.SliceStable(e.rules, func(i, j int) bool { return e.rules[i].Priority < e.rules[j].Priority })

	e.log.Info("rule registered", zap.String("rule", r.ID), zap.Int("priority", r.Priority))
	return nil
}

func (e *Engine) RemoveRule(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.rules {
		if r.ID == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return
		}
	}
}

func (e *Engine) SetRuleEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.rules {
		if r.ID == id {
			r.Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("rule %s not registered", id)
}

// RegisterCallback subscribes to results of one event kind.
func (e *Engine) RegisterCallback(event string, cb Callback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks[event] = append(e.callbacks[event], cb)
}

// TriggerEvent loads the agreement's context and runs every enabled rule
// matching the event kind in priority order. One rule's failure is recorded
// and does not block the rest. Results are persisted and returned.
func (e *Engine) TriggerEvent(ctx context.Context, event models.ExecutionEvent) ([]models.ExecutionResult, error) {
	ec, err := e.store.Get(ctx, event.AgreementID)
	if err != nil {
		return nil, err
	}

	// Events may carry the submitted deliverable's digest; fold it into the
	// stored context so conditions evaluate against it and later sweeps see it.
	if v, ok := event.Data["deliverable_hash"].(string); ok && v != "" {
		if ec.DeliverableHash == nil || *ec.DeliverableHash != v {
			ec.DeliverableHash = &v
			if err := e.store.Upsert(ctx, ec); err != nil {
				e.log.Error("failed to persist event data on context",
					zap.String("agreement_id", event.AgreementID), zap.Error(err))
			}
		}
	}

	metrics.EventsTriggered.WithLabelValues(event.Kind).Inc()

	e.mu.RLock()
	rules := make([]*Rule, len(e.rules))
	copy(rules, e.rules)
	e.mu.RUnlock()

	var results []models.ExecutionResult
	for _, r := range rules {
		if !r.Enabled || r.Event != event.Kind {
			continue
		}
		if r.Condition != nil && !r.Condition(ec) {
			continue
		}

		res := e.runRule(ctx, r, ec)
		res.Event = event.Kind
		res.AgreementID = event.AgreementID
		res.RuleID = r.ID
		res.Timestamp = e.clock.Now()
		results = append(results, res)

		e.recordResult(ctx, r, res)
		e.dispatch(event.Kind, ec, res)

		// A successful action may have mutated the stored context;
		// later rules evaluate against the fresh view.
		if res.Success {
			if fresh, err := e.store.Get(ctx, event.AgreementID); err == nil {
				ec = fresh
			}
		}
	}
	return results, nil
}

func (e *Engine) runRule(ctx context.Context, r *Rule, ec *models.ExecutionContext) (res models.ExecutionResult) {
	defer func() {
		if p := recover(); p != nil {
			res = models.ExecutionResult{
				Success: false,
				Message: fmt.Sprintf("rule %s panicked: %v", r.ID, p),
				Details: map[string]any{"panic": fmt.Sprint(p)},
			}
		}
	}()

	out, err := r.Action(ctx, ec)
	if err != nil {
		return models.ExecutionResult{
			Success: false,
			Message: fmt.Sprintf("rule %s failed: %v", r.ID, err),
			Details: map[string]any{"error": err.Error()},
		}
	}
	if out == nil {
		return models.ExecutionResult{Success: true, Message: fmt.Sprintf("rule %s executed", r.ID)}
	}
	return *out
}

func (e *Engine) recordResult(ctx context.Context, r *Rule, res models.ExecutionResult) {
	e.total.Add(1)
	outcome := "success"
	if res.Success {
		e.successful.Add(1)
	} else {
		e.failed.Add(1)
		outcome = "failure"
	}
	metrics.RuleExecutions.WithLabelValues(r.ID, outcome).Inc()

	e.mu.Lock()
	r.executions++
	now := res.Timestamp
	r.lastExecuted = &now
	e.mu.Unlock()

	if err := e.store.InsertResult(ctx, &res); err != nil {
		e.log.Error("failed to persist execution result",
			zap.String("rule", r.ID), zap.String("agreement_id", res.AgreementID), zap.Error(err))
	}
}

func (e *Engine) dispatch(event string, ec *models.ExecutionContext, res models.ExecutionResult) {
	e.mu.RLock()
	cbs := make([]Callback, len(e.callbacks[event]))
	copy(cbs, e.callbacks[event])
	e.mu.RUnlock()

	for _, cb := range cbs {
		cb := cb
		go func() {
			done := make(chan struct{})
			go func() {
				defer close(done)
				cb(ec, res)
			}()
			select {
			case <-done:
			case <-time.After(e.callbackTimeout):
				e.log.Warn("callback still running after timeout",
					zap.String("event", event), zap.String("agreement_id", res.AgreementID))
			}
		}()
	}
}

// GetExecutionHistory returns recorded results, newest first. Empty filters
// match everything.
func (e *Engine) GetExecutionHistory(ctx context.Context, agreementID, event string, limit int) ([]models.ExecutionResult, error) {
	return e.store.ListResults(ctx, agreementID, event, limit)
}

func (e *Engine) Rules() []RuleInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	infos := make([]RuleInfo, 0, len(e.rules))
	for _, r := range e.rules {
		infos = append(infos, RuleInfo{
			ID:              r.ID,
			Name:            r.Name,
			Event:           r.Event,
			Priority:        r.Priority,
			Enabled:         r.Enabled,
			ExecutionsCount: r.executions,
			LastExecutedAt:  r.lastExecuted,
		})
	}
	return infos
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	active := 0
	total := len(e.rules)
	for _, r := range e.rules {
		if r.Enabled {
			active++
		}
	}
	e.mu.RUnlock()

	return Stats{
		TotalExecutions: e.total.Load(),
		Successful:      e.successful.Load(),
		Failed:          e.failed.Load(),
		ActiveRules:     active,
		TotalRules:      total,
		ScannerRunning:  e.scannerRunning.Load(),
	}
}

func (e *Engine) setScannerRunning(running bool) {
	e.scannerRunning.Store(running)
}
