// Package metrics exposes Prometheus collectors for the ledger and the
// reconciliation engine. A nil *Metrics is valid and records nothing.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the ledger collectors.
type Metrics struct {
	movements   *prometheus.CounterVec
	runs        *prometheus.CounterVec
	failures    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	allocated   prometheus.Counter
	states      *prometheus.CounterVec
	divergences prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// New registers the collectors against registerer. When registerer is nil
// the default Prometheus registerer is used, once per process.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = build(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return build(registerer)
}

func build(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		movements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "movements_appended_total",
			Help:      "Movements appended, by kind.",
		}, []string{"kind"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "operation_runs_total",
			Help:      "Ledger operations executed, by operation and status.",
		}, []string{"operation", "status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "operation_failures_total",
			Help:      "Ledger operations that returned an error.",
		}, []string{"operation"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Duration of ledger operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		allocated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "reconcile_sales_allocated_total",
			Help:      "Sales that received an allocation during reconciliation.",
		}),
		states: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "reconcile_states_total",
			Help:      "Reconciliation prior states observed.",
		}, []string{"state"}),
		divergences: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "replay_divergences_total",
			Help:      "Replays that still disagreed with stored state after correction.",
		}),
	}
	registerer.MustRegister(m.movements, m.runs, m.failures, m.duration, m.allocated, m.states, m.divergences)
	return m
}

// Tracker instruments a single operation run.
type Tracker struct {
	metrics   *Metrics
	operation string
	start     time.Time
}

// Track starts a tracker for operation.
func (m *Metrics) Track(operation string) *Tracker {
	return &Tracker{metrics: m, operation: operation, start: time.Now()}
}

// End records duration and outcome, returning err untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.operation).Inc()
	}
	t.metrics.runs.WithLabelValues(t.operation, status).Inc()
	t.metrics.duration.WithLabelValues(t.operation).Observe(time.Since(t.start).Seconds())
	return err
}

func (m *Metrics) MovementAppended(kind string) {
	if m == nil {
		return
	}
	m.movements.WithLabelValues(kind).Inc()
}

func (m *Metrics) SalesAllocated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.allocated.Add(float64(n))
}

func (m *Metrics) StateObserved(state string) {
	if m == nil {
		return
	}
	m.states.WithLabelValues(state).Inc()
}

func (m *Metrics) ReplayDivergence() {
	if m == nil {
		return
	}
	m.divergences.Inc()
}
