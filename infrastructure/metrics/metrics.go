// Package metrics provides Prometheus metrics collection
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Execution metrics
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Script cache metrics
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
	CacheSize        prometheus.Gauge

	// Engine pool metrics
	PoolIdle        prometheus.Gauge
	PoolExhaustions prometheus.Counter

	// Native call metrics
	NativeCallsTotal *prometheus.CounterVec

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "script_executions_total",
				Help: "Total number of script executions",
			},
			[]string{"service", "status"},
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "script_execution_duration_seconds",
				Help:    "Script execution duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "script_cache_hits_total",
				Help: "Total number of compiled-script cache hits",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "script_cache_misses_total",
				Help: "Total number of compiled-script cache misses",
			},
		),
		CacheSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "script_cache_entries",
				Help: "Current number of cached compiled scripts",
			},
		),
		PoolIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_pool_idle",
				Help: "Current number of idle script engines",
			},
		),
		PoolExhaustions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "engine_pool_exhaustions_total",
				Help: "Total number of executions refused because the pool was empty",
			},
		),
		NativeCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "native_calls_total",
				Help: "Total number of native calls dispatched to the host",
			},
			[]string{"service", "func_name", "status"},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
	}

	registerer.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheSize,
		m.PoolIdle,
		m.PoolExhaustions,
		m.NativeCallsTotal,
		m.RequestsTotal,
		m.RequestDuration,
	)

	return m
}
