package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Telemetry aggregates the Prometheus instruments for the research core.
// A nil *Telemetry is valid and drops every observation, so callers never
// have to guard their recording sites.
type Telemetry struct {
	executions        *prometheus.CounterVec
	branchResults     *prometheus.CounterVec
	invocationSeconds *prometheus.HistogramVec
	ledgerDuplicates  *prometheus.CounterVec
	watchlistAlerts   prometheus.Counter
	deliveryFailures  prometheus.Counter
}

// New registers the core instruments on the default registry.
func New() *Telemetry {
	return &Telemetry{
		executions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "travelagent_executions_total",
			Help: "Workflow executions by terminal state",
		}, []string{"state"}),
		branchResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "travelagent_branch_results_total",
			Help: "Agent invocations by capability and outcome",
		}, []string{"capability", "status"}),
		invocationSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "travelagent_invocation_seconds",
			Help:    "Agent invocation wall time",
			Buckets: prometheus.DefBuckets,
		}, []string{"capability"}),
		ledgerDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "travelagent_ledger_duplicates_total",
			Help: "Idempotency reservations resolved as duplicates",
		}, []string{"space"}),
		watchlistAlerts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "travelagent_watchlist_alerts_total",
			Help: "Watchlist threshold alerts sent",
		}),
		deliveryFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "travelagent_delivery_failures_total",
			Help: "Digest deliveries that failed after a computed result",
		}),
	}
}

// RecordExecution counts a finished workflow execution.
func (t *Telemetry) RecordExecution(state string) {
	if t == nil {
		return
	}
	t.executions.WithLabelValues(state).Inc()
}

// RecordInvocation counts one agent invocation outcome and its duration.
func (t *Telemetry) RecordInvocation(capability, status string, d time.Duration) {
	if t == nil {
		return
	}
	t.branchResults.WithLabelValues(capability, status).Inc()
	t.invocationSeconds.WithLabelValues(capability).Observe(d.Seconds())
}

// RecordDuplicate counts a ledger reservation that hit an existing entry.
func (t *Telemetry) RecordDuplicate(space string) {
	if t == nil {
		return
	}
	t.ledgerDuplicates.WithLabelValues(space).Inc()
}

// RecordWatchlistAlert counts a sent threshold alert.
func (t *Telemetry) RecordWatchlistAlert() {
	if t == nil {
		return
	}
	t.watchlistAlerts.Inc()
}

// RecordDeliveryFailure counts a failed digest delivery.
func (t *Telemetry) RecordDeliveryFailure() {
	if t == nil {
		return
	}
	t.deliveryFailures.Inc()
}
