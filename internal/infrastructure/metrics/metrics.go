// Package metrics exposes Prometheus collectors for the sync engine, circuit
// breaker and computation cache.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsNamespace = "taxsync"
)

// Sync outcomes used as the "outcome" label.
const (
	OutcomeSynced         = "synced"
	OutcomeServerWins     = "server_wins"
	OutcomeMerged         = "merged"
	OutcomeRetryScheduled = "retry_scheduled"
	OutcomeBreakerOpen    = "breaker_open"
	OutcomeAbandoned      = "abandoned"
)

// Metrics holds the collectors, registered on a private registry so tests
// and multiple engines in one process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	// Sync metrics
	syncAttempts    *prometheus.CounterVec
	syncRunDuration prometheus.Histogram
	syncRuns        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	queueDepth      prometheus.Gauge

	// Breaker metrics
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	// Cache metrics
	cacheLookups   *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	cacheEntries   *prometheus.GaugeVec
}

// New creates and registers all collectors. Go runtime and process
// collectors are included so /metrics is useful on its own.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		syncAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "sync",
				Name:      "mutations_total",
				Help:      "Mutations handled by the sync engine, by outcome",
			},
			[]string{"outcome", "critical"},
		),

		syncRunDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "sync",
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of queue drains",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		syncRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "sync",
				Name:      "runs_total",
				Help:      "Queue drains, by result (completed, aborted, failed, skipped)",
			},
			[]string{"result"},
		),

		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "remote",
				Name:      "request_duration_seconds",
				Help:      "Duration of remote mutation requests",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "status_class"},
		),

		queueDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "queue",
				Name:      "pending_mutations",
				Help:      "Mutations waiting in the durable queue",
			},
		),

		breakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "breaker",
				Name:      "state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"breaker"},
		),

		breakerTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "breaker",
				Name:      "transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"breaker", "from", "to"},
		),

		cacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Computation cache lookups, by tier and result",
			},
			[]string{"tier", "result"},
		),

		cacheEvictions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "cache",
				Name:      "evictions_total",
				Help:      "Computation cache evictions, by tier and reason",
			},
			[]string{"tier", "reason"},
		),

		cacheEntries: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "cache",
				Name:      "entries",
				Help:      "Entries held per cache tier",
			},
			[]string{"tier"},
		),
	}
}

// Registry returns the registry backing these collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// All recording methods are safe on a nil *Metrics so callers can run
// without metrics configured.

// RecordMutation counts one handled mutation.
func (m *Metrics) RecordMutation(outcome string, critical bool) {
	if m == nil {
		return
	}
	c := "false"
	if critical {
		c = "true"
	}
	m.syncAttempts.WithLabelValues(outcome, c).Inc()
}

// RecordRun records a finished drain.
func (m *Metrics) RecordRun(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(result).Inc()
	if result != "skipped" {
		m.syncRunDuration.Observe(d.Seconds())
	}
}

// RecordRequest records a remote request by HTTP status class.
// status 0 means no response was received.
func (m *Metrics) RecordRequest(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, statusClass(status)).Observe(d.Seconds())
}

// SetQueueDepth sets the pending mutation gauge.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// RecordBreakerTransition updates the breaker gauge and transition counter.
// States are passed as their numeric value and names to avoid importing the
// resilience package.
func (m *Metrics) RecordBreakerTransition(name, from, to string, toValue int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(toValue))
	m.breakerTransitions.WithLabelValues(name, from, to).Inc()
}

// RecordCacheLookup counts a lookup against one tier.
func (m *Metrics) RecordCacheLookup(tier string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(tier, result).Inc()
}

// RecordCacheEvictions counts n evictions from a tier.
func (m *Metrics) RecordCacheEvictions(tier, reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheEvictions.WithLabelValues(tier, reason).Add(float64(n))
}

// SetCacheEntries sets the entry gauge for a tier.
func (m *Metrics) SetCacheEntries(tier string, n int) {
	if m == nil {
		return
	}
	m.cacheEntries.WithLabelValues(tier).Set(float64(n))
}

func statusClass(status int) string {
	switch {
	case status <= 0:
		return "none"
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
