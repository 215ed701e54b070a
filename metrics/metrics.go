// Package metrics holds the Prometheus collectors for the savings engine.
//
// Collectors register with the default registry on import; Handler exposes
// them on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LedgerEntries counts entry transitions by kind and resulting status.
	LedgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "savings",
		Name:      "ledger_entries_total",
		Help:      "Ledger entry transitions by kind and resulting status.",
	}, []string{"kind", "status"})

	// WalletOperations counts debits and credits by outcome.
	WalletOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "savings",
		Name:      "wallet_operations_total",
		Help:      "Wallet debit and credit attempts by outcome.",
	}, []string{"type", "outcome"})

	ScheduledEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "savings",
		Name:      "scheduled_events_generated_total",
		Help:      "Scheduled events written by creation or regeneration.",
	}, []string{"kind"})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "savings",
		Name:      "notifications_total",
		Help:      "Notification deliveries by outcome.",
	}, []string{"outcome"})

	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "savings",
		Name:      "sweep_runs_total",
		Help:      "Scheduled sweep executions by job and outcome.",
	}, []string{"job", "outcome"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "savings",
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route pattern and status code.",
	}, []string{"method", "route", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "savings",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route pattern.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// Outcome labels
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Outcome classifies err for the outcome label.
func Outcome(err error, rejected func(error) bool) string {
	switch {
	case err == nil:
		return OutcomeOK
	case rejected != nil && rejected(err):
		return OutcomeRejected
	default:
		return OutcomeError
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
