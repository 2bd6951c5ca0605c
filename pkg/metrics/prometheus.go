package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics holds all Prometheus metrics
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Check metrics
	ChecksTotal   *prometheus.CounterVec
	CheckDuration *prometheus.HistogramVec

	// Lifecycle metrics
	InitializationsTotal *prometheus.CounterVec
	CheckerState         *prometheus.GaugeVec

	// Loader metrics
	CompileCacheHitsTotal   prometheus.Counter
	CompileCacheMissesTotal prometheus.Counter
	SynthesizedImportsTotal *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitStateChangesTotal *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal *prometheus.CounterVec
}

// NewPrometheusMetrics creates a new Prometheus metrics instance on its own registry
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		registry: registry,

		ChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "healthcheck_checks_total",
				Help: "Total number of health checks by reported status and source",
			},
			[]string{"status", "source"},
		),

		CheckDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "healthcheck_check_duration_seconds",
				Help:    "Health check latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"state"},
		),

		InitializationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "healthcheck_initializations_total",
				Help: "Total number of checker initializations by resulting state",
			},
			[]string{"state"},
		),

		CheckerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "healthcheck_checker_state",
				Help: "1 for the checker's current state, 0 otherwise",
			},
			[]string{"state"},
		),

		CompileCacheHitsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "healthcheck_compile_cache_hits_total",
				Help: "Total number of compiled module cache hits",
			},
		),

		CompileCacheMissesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "healthcheck_compile_cache_misses_total",
				Help: "Total number of compiled module cache misses",
			},
		),

		SynthesizedImportsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "healthcheck_synthesized_imports_total",
				Help: "Total number of host import stubs synthesized by namespace policy",
			},
			[]string{"policy", "kind"},
		),

		CircuitStateChangesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "healthcheck_circuit_state_changes_total",
				Help: "Total number of circuit breaker transitions by target state",
			},
			[]string{"to"},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "healthcheck_http_requests_total",
				Help: "Total number of HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),
	}
}

// Registry returns the registry all metrics are registered on
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the exposition handler for this registry
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordCheck records a completed health check
func (m *PrometheusMetrics) RecordCheck(state, status, source string, duration time.Duration) {
	m.ChecksTotal.WithLabelValues(status, source).Inc()
	m.CheckDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// RecordInitialization records an initialization attempt by its resulting state
func (m *PrometheusMetrics) RecordInitialization(state string) {
	m.InitializationsTotal.WithLabelValues(state).Inc()
}

// SetState marks the given state as current and clears the others
func (m *PrometheusMetrics) SetState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.CheckerState.WithLabelValues(s).Set(v)
	}
}

// RecordCompileCache records a compiled module cache lookup
func (m *PrometheusMetrics) RecordCompileCache(hit bool) {
	if hit {
		m.CompileCacheHitsTotal.Inc()
	} else {
		m.CompileCacheMissesTotal.Inc()
	}
}

// RecordSynthesizedImport records one synthesized host function
func (m *PrometheusMetrics) RecordSynthesizedImport(policy, kind string) {
	m.SynthesizedImportsTotal.WithLabelValues(policy, kind).Inc()
}

// RecordCircuitStateChange records a circuit breaker transition
func (m *PrometheusMetrics) RecordCircuitStateChange(to string) {
	m.CircuitStateChangesTotal.WithLabelValues(to).Inc()
}

// RecordHTTPRequest records a served HTTP request
func (m *PrometheusMetrics) RecordHTTPRequest(route, code string) {
	m.HTTPRequestsTotal.WithLabelValues(route, code).Inc()
}
