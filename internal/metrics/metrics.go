package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_events_triggered_total",
		Help: "The total number of execution events fed to the rule engine",
	}, []string{"event"})

	RuleExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_rule_executions_total",
		Help: "The total number of rule firings by rule and outcome",
	}, []string{"rule", "outcome"})

	PaymentsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_payments_executed_total",
		Help: "The total number of payment intent executions by final status",
	}, []string{"status"})

	TransferDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_transfer_duration_seconds",
		Help:    "Time taken by the external transfer executor",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})

	SlashesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_slashes_executed_total",
		Help: "The total number of executed slashes by target type",
	}, []string{"slash_type"})

	ScannerTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_scanner_ticks_total",
		Help: "The total number of deadline scanner sweeps",
	})

	WatchedContexts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_watched_contexts",
		Help: "The number of unresolved execution contexts under watch",
	})
)
