package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the agentdeck server.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	completionDuration *prometheus.HistogramVec
	completionTokens   *prometheus.CounterVec
	authFailuresTotal  prometheus.Counter
}

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdeck_requests_total",
			Help: "Total HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentdeck_request_duration_seconds",
			Help:    "HTTP request duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		completionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentdeck_completion_duration_seconds",
			Help:    "Completion call duration per agent.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"agent", "status"}),
		completionTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdeck_completion_tokens_total",
			Help: "Tokens consumed by completion calls.",
		}, []string{"agent", "direction"}),
		authFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentdeck_auth_failures_total",
			Help: "Failed deployment token validations.",
		}),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.completionDuration,
		m.completionTokens,
		m.authFailuresTotal,
	)
	return m
}

// RecordRequest records a completed HTTP request.
func (m *Metrics) RecordRequest(method, route, status string, duration time.Duration) {
	m.requestsTotal.WithLabelValues(method, route, status).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordCompletion records a completion call for an agent.
func (m *Metrics) RecordCompletion(agent, status string, duration time.Duration, inputTokens, outputTokens int) {
	m.completionDuration.WithLabelValues(agent, status).Observe(duration.Seconds())
	m.completionTokens.WithLabelValues(agent, "input").Add(float64(inputTokens))
	m.completionTokens.WithLabelValues(agent, "output").Add(float64(outputTokens))
}

// RecordAuthFailure records a failed token validation.
func (m *Metrics) RecordAuthFailure() {
	m.authFailuresTotal.Inc()
}

// Handler returns an HTTP handler serving the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
