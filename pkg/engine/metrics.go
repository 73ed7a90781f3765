package engine

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/polis-relay/internal/governance"
)

// Metrics holds the Prometheus collectors served on the admin endpoint.
type Metrics struct {
	sessionsActive  prometheus.Gauge
	sessionsTotal   *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
	sessionFailures *prometheus.CounterVec

	configReloads *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates the relay collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_sessions_active",
				Help: "Number of currently active sessions",
			},
		),
		sessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_sessions_total",
				Help: "Total number of sessions started by entry pipeline",
			},
			[]string{"entry"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_session_duration_seconds",
				Help:    "Session duration in seconds",
				Buckets: []float64{0.001, 0.01, 0.1, 1, 5, 30, 60, 300, 1800},
			},
			[]string{"entry"},
		),
		sessionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_session_failures_total",
				Help: "Sessions that ended with an error, by end reason",
			},
			[]string{"entry", "reason"},
		),
		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_config_reloads_total",
				Help: "Total number of pipeline reload attempts by status",
			},
			[]string{"status"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_admin_requests_total",
				Help: "Total number of admin HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_admin_request_duration_seconds",
				Help:    "Admin HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.sessionsActive,
		m.sessionsTotal,
		m.sessionDuration,
		m.sessionFailures,
		m.configReloads,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)
	return m
}

// Observe registers gauges that read the live state of e: shared mux
// groups, pooled upstream handles and open circuit breakers.
func (m *Metrics) Observe(e *Engine) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "relay_mux_groups_live",
			Help: "Shared sub-pipeline groups currently tracked by the hub",
		}, func() float64 { return float64(e.Hub().Stats().Live) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "relay_upstream_handles_live",
			Help: "Pooled upstream connection handles with at least one holder",
		}, func() float64 {
			rev := e.Current()
			if rev == nil {
				return 0
			}
			return float64(rev.Upstreams.Pool().Stats().Live)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "relay_circuit_breakers_open",
			Help: "Upstream targets whose circuit breaker is open",
		}, func() float64 {
			open := 0
			for _, state := range e.Breakers().States() {
				if state == governance.StateOpen {
					open++
				}
			}
			return float64(open)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "relay_pipeline_generation",
			Help: "Generation of the current pipeline program",
		}, func() float64 {
			rev := e.Current()
			if rev == nil {
				return 0
			}
			return float64(rev.Generation)
		}),
	)
}

// SessionStarted implements SessionListener.
func (m *Metrics) SessionStarted(info SessionInfo) {
	m.sessionsTotal.WithLabelValues(info.Entry).Inc()
	m.sessionsActive.Inc()
}

// SessionEnded implements SessionListener.
func (m *Metrics) SessionEnded(info SessionInfo) {
	m.sessionsActive.Dec()
	m.sessionDuration.WithLabelValues(info.Entry).Observe(info.Duration.Seconds())
	if info.Failed {
		m.sessionFailures.WithLabelValues(info.Entry, info.EndReason).Inc()
	}
}

// ReloadCompleted records a pipeline reload attempt.
func (m *Metrics) ReloadCompleted(ok bool) {
	status := "success"
	if !ok {
		status = "failure"
	}
	m.configReloads.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records request metrics under route.
func (m *Metrics) Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		m.httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
