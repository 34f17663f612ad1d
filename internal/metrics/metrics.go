// Package metrics provides Prometheus metrics for the solver pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the solver. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Pre-filtering
	OrdersFiltered *prometheus.CounterVec

	// Compilation
	Compilations      prometheus.Counter
	InstanceCacheHits prometheus.Counter
	OrdersDropped     prometheus.Counter
	PoolsDropped      prometheus.Counter
	BufferFailures    *prometheus.CounterVec
	FetchDuration     *prometheus.HistogramVec

	// Engine
	SolveRuns     *prometheus.CounterVec
	SolveDuration prometheus.Histogram
}

// New creates a Metrics instance registered on its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "batch_solver"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		OrdersFiltered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "preprocess",
			Name:      "orders_filtered_total",
			Help:      "Orders removed before solving, by reason",
		}, []string{"reason"}),

		Compilations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "compilations_total",
			Help:      "Total number of batch auction models compiled",
		}),
		InstanceCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "instance_cache_hits_total",
			Help:      "Solve calls served from the instance cache",
		}),
		OrdersDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "orders_unconnected_total",
			Help:      "Orders left out of a model because neither token is fee connected",
		}),
		PoolsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "pools_dropped_total",
			Help:      "Pools left out of a model because of conversion errors",
		}),
		BufferFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "buffer_failures_total",
			Help:      "Per-token buffer fetch failures, by class",
		}, []string{"class"}),
		FetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of external fetches made while compiling",
			Buckets:   prometheus.DefBuckets,
		}, []string{"call"}),

		SolveRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "solve_runs_total",
			Help:      "Solve attempts by outcome",
		}, []string{"outcome"}),
		SolveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "solve_duration_seconds",
			Help:      "Time spent waiting on the optimization engine",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
	}
}

// Handler returns the HTTP handler exposing this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) OrderFiltered(reason string) {
	if m == nil {
		return
	}
	m.OrdersFiltered.WithLabelValues(reason).Inc()
}

func (m *Metrics) Compiled() {
	if m == nil {
		return
	}
	m.Compilations.Inc()
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.InstanceCacheHits.Inc()
}

func (m *Metrics) OrderUnconnected() {
	if m == nil {
		return
	}
	m.OrdersDropped.Inc()
}

func (m *Metrics) PoolDropped() {
	if m == nil {
		return
	}
	m.PoolsDropped.Inc()
}

func (m *Metrics) BufferFailure(class string) {
	if m == nil {
		return
	}
	m.BufferFailures.WithLabelValues(class).Inc()
}

// ObserveFetch records how long an external fetch took.
func (m *Metrics) ObserveFetch(call string, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchDuration.WithLabelValues(call).Observe(d.Seconds())
}

// ObserveSolve records one engine round trip and its outcome.
func (m *Metrics) ObserveSolve(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.SolveRuns.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.SolveDuration.Observe(d.Seconds())
	}
}
