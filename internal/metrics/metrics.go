// Package metrics exposes Prometheus counters for the settlement pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Poller
	PollCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sale",
		Subsystem: "poller",
		Name:      "cycles_total",
		Help:      "Total reconciliation cycles run",
	})

	PollCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sale",
		Subsystem: "poller",
		Name:      "cycle_duration_seconds",
		Help:      "Reconciliation cycle duration",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	NetworkFetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sale",
		Subsystem: "poller",
		Name:      "network_fetch_errors_total",
		Help:      "Networks that contributed no logs to a cycle because of an explorer error",
	}, []string{"network"})

	TransfersObserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sale",
		Subsystem: "poller",
		Name:      "transfers_observed_total",
		Help:      "Inbound transfers accepted by the parser",
	}, []string{"network"})

	TransfersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sale",
		Subsystem: "poller",
		Name:      "transfers_rejected_total",
		Help:      "Logs or transfers that did not become orders",
	}, []string{"network", "reason"})

	// Ledger
	OrdersSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sale",
		Subsystem: "ledger",
		Name:      "orders_settled_total",
		Help:      "Orders counted into a sale phase",
	}, []string{"trigger"})

	LedgerConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sale",
		Subsystem: "ledger",
		Name:      "conflicts_total",
		Help:      "Settlements refused by the conditional ledger update",
	}, []string{"reason"})

	// Phase scheduler
	PhaseTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sale",
		Subsystem: "phase",
		Name:      "transitions_total",
		Help:      "Phase starts handled by this process",
	})

	// Intake
	OrdersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sale",
		Subsystem: "intake",
		Name:      "orders_created_total",
		Help:      "Orders persisted, by sale type",
	}, []string{"sale_type"})

	ReferralsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sale",
		Subsystem: "intake",
		Name:      "referrals_created_total",
		Help:      "Referral credit orders created",
	})

	ReservationsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sale",
		Subsystem: "intake",
		Name:      "reservations_swept_total",
		Help:      "Expired supply reservations deleted",
	})

	// Scheduler
	TaskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sale",
		Subsystem: "scheduler",
		Name:      "task_runs_total",
		Help:      "Scheduled task runs, by outcome",
	}, []string{"task", "outcome"})

	// HTTP
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sale",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"route", "code"})
)
