package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Счётчик вызовов методов репозитория
	RepositoryCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_calls_total",
			Help: "Total number of repository method calls",
		},
		[]string{"method", "status"},
	)

	RepositoryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repository_duration_seconds",
			Help:    "Duration of repository method calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transaction_transitions_total",
			Help: "Transition requests by source state, target state and outcome",
		},
		[]string{"from", "to", "result"},
	)

	Payments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "milestone_payments_total",
			Help: "RecordPayment calls by outcome",
		},
		[]string{"result"},
	)

	ClaimTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "htb_claim_transitions_total",
			Help: "HTB claim status changes by target status and outcome",
		},
		[]string{"to", "result"},
	)

	LockWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lock_wait_seconds",
			Help:    "Time spent waiting for aggregate locks",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 2, 5},
		},
		[]string{"backend", "result"},
	)

	// InvariantViolations is the alerting signal for bugs: it must stay at zero.
	InvariantViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invariant_violations_total",
			Help: "Invariant-class failures detected by component",
		},
		[]string{"component"},
	)

	OutboxEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_total",
			Help: "Outbox events handled by the dispatcher by outcome",
		},
		[]string{"result"},
	)

	SweepActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_actions_total",
			Help: "Background sweep actions by kind and outcome",
		},
		[]string{"kind", "result"},
	)
)

func InitMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		RepositoryCalls,
		RepositoryDuration,
		Transitions,
		Payments,
		ClaimTransitions,
		LockWait,
		InvariantViolations,
		OutboxEvents,
		SweepActions,
	)
}
