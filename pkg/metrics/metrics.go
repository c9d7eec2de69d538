// Package metrics exposes Prometheus instrumentation for the client
// runtime: a gauge/counter/histogram vocabulary under a fedimint_*
// namespace and a package-level Init() that registers everything once,
// covering the executor, database, notifier, and operation log.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Executor metrics (§4.D)
	ActiveStatesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fedimint_executor_active_states_total",
			Help: "Number of active (in-flight) state machine states, by module kind",
		},
		[]string{"module_kind"},
	)

	InactiveStatesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fedimint_executor_inactive_states_total",
			Help: "Number of terminal state machine states retained for audit, by module kind",
		},
		[]string{"module_kind"},
	)

	TransitionsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedimint_executor_transitions_applied_total",
			Help: "Total number of state machine transitions applied, by module kind",
		},
		[]string{"module_kind"},
	)

	TransitionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fedimint_executor_transition_duration_seconds",
			Help:    "Time from a transition's await resolving to its apply committing, by module kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"module_kind"},
	)

	// Database metrics (§4.B)
	DBCommitRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fedimint_db_commit_retries_total",
			Help: "Total number of Autocommit closure retries due to optimistic-concurrency failure",
		},
	)

	DBCommitFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fedimint_db_commit_failures_total",
			Help: "Total number of Autocommit calls that exhausted their retry budget",
		},
	)

	DBTransactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fedimint_db_transaction_duration_seconds",
			Help:    "Time spent inside a single database transaction closure",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Operation log metrics (§4.C)
	OperationLogEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedimint_oplog_entries_total",
			Help: "Total number of operation log entries written, by module kind",
		},
		[]string{"module_kind"},
	)

	// Transaction builder metrics (§4.E)
	TransactionsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedimint_tx_submitted_total",
			Help: "Total number of transactions submitted to the federation, by outcome",
		},
		[]string{"outcome"},
	)

	TransactionBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fedimint_tx_build_duration_seconds",
			Help:    "Time taken to finalize and submit a transaction",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Notifier metrics (§4.G)
	NotifierSubscribersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fedimint_notifier_subscribers_total",
			Help: "Number of active notifier subscriptions across all operations",
		},
	)

	NotifierDroppedEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fedimint_notifier_dropped_events_total",
			Help: "Total number of non-terminal state events dropped due to a full subscriber buffer",
		},
	)
)

var registerOnce bool

// Init registers every metric with the default Prometheus registry.
// Safe to call multiple times; only the first call registers.
func Init() {
	if registerOnce {
		return
	}
	registerOnce = true

	prometheus.MustRegister(ActiveStatesTotal)
	prometheus.MustRegister(InactiveStatesTotal)
	prometheus.MustRegister(TransitionsAppliedTotal)
	prometheus.MustRegister(TransitionDuration)
	prometheus.MustRegister(DBCommitRetriesTotal)
	prometheus.MustRegister(DBCommitFailuresTotal)
	prometheus.MustRegister(DBTransactionDuration)
	prometheus.MustRegister(OperationLogEntriesTotal)
	prometheus.MustRegister(TransactionsSubmittedTotal)
	prometheus.MustRegister(TransactionBuildDuration)
	prometheus.MustRegister(NotifierSubscribersTotal)
	prometheus.MustRegister(NotifierDroppedEventsTotal)
}

// Handler returns the Prometheus HTTP scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec under the
// given label values, e.g. TransitionDuration keyed by module kind so a
// slow module's transitions don't get averaged away against fast ones.
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labelValues ...string) {
	histogram.WithLabelValues(labelValues...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
