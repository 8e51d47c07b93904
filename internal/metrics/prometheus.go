// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Metrics holds all exported metrics.
type Metrics struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{method,route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_backend_attempts_total{outcome}
	backendAttempts *prometheus.CounterVec

	// gateway_backend_retries_total
	retries prometheus.Counter

	// gateway_tokens_total{kind}
	tokensTotal *prometheus.CounterVec

	// gateway_cache_operations_total{op}
	cacheOps *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New builds a Metrics instance backed by a fresh private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"method", "route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes cache + backend)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"route"},
		),

		backendAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_backend_attempts_total",
				Help: "Backend invocation outcomes",
			},
			[]string{"outcome"},
		),

		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_backend_retries_total",
			Help: "Backend invocations retried after a throttling response",
		}),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Approximate tokens processed, by kind (prompt, completion, thinking)",
			},
			[]string{"kind"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_operations_total",
				Help: "Response cache operations",
			},
			[]string{"op"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information; value is always 1",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		m.inFlight,
		m.httpRequestsTotal,
		m.httpDuration,
		m.backendAttempts,
		m.retries,
		m.tokensTotal,
		m.cacheOps,
		m.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	m.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return m
}

// Handler returns the fasthttp handler serving the Prometheus text format.
func (m *Metrics) Handler() fasthttp.RequestHandler { return m.metricsHandler }

// SetBuildInfo records the running version.
func (m *Metrics) SetBuildInfo(version string) {
	m.buildInfo.WithLabelValues(version).Set(1)
}

func (m *Metrics) IncInflight() { m.inFlight.Inc() }
func (m *Metrics) DecInflight() { m.inFlight.Dec() }

// ObserveRequest records one finished HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// IncBackendAttempt counts one backend invocation outcome
// ("success", "throttled" or "error").
func (m *Metrics) IncBackendAttempt(outcome string) {
	m.backendAttempts.WithLabelValues(outcome).Inc()
}

// IncRetry counts one throttle-driven retry.
func (m *Metrics) IncRetry() { m.retries.Inc() }

// AddTokens accumulates approximate token usage for a kind.
func (m *Metrics) AddTokens(kind string, n int) {
	if n > 0 {
		m.tokensTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// IncCache counts a cache operation ("hit", "miss" or "store").
func (m *Metrics) IncCache(op string) {
	m.cacheOps.WithLabelValues(op).Inc()
}
