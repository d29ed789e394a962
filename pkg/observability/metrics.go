package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Authentication metrics
	AuthAttemptsTotal *prometheus.CounterVec
	AuthDuration      *prometheus.HistogramVec
	SessionsIssued    *prometheus.CounterVec
	SessionsRevoked   prometheus.Counter

	// Availability monitor metrics
	ProbeDuration       *prometheus.HistogramVec
	ProbeFailures       *prometheus.CounterVec
	ConsecutiveFailures *prometheus.GaugeVec
	FallbackActive      *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		AuthAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authgate_auth_attempts_total",
				Help: "Total number of authentication attempts",
			},
			[]string{"provider", "kind", "result"},
		),
		AuthDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authgate_auth_duration_seconds",
				Help:    "Authentication attempt duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "kind"},
		),
		SessionsIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authgate_sessions_issued_total",
				Help: "Total number of sessions issued",
			},
			[]string{"path"}, // sso or local_fallback
		),
		SessionsRevoked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "authgate_sessions_revoked_total",
				Help: "Total number of sessions revoked",
			},
		),
		ProbeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authgate_probe_duration_seconds",
				Help:    "Provider reachability probe duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		ProbeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authgate_probe_failures_total",
				Help: "Total number of failed provider checks, probe and live-traffic",
			},
			[]string{"provider"},
		),
		ConsecutiveFailures: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "authgate_provider_consecutive_failures",
				Help: "Current consecutive failure count per provider",
			},
			[]string{"provider"},
		),
		FallbackActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "authgate_provider_fallback_active",
				Help: "Whether degraded-fallback is active per provider (0 or 1)",
			},
			[]string{"provider"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.AuthAttemptsTotal,
		m.AuthDuration,
		m.SessionsIssued,
		m.SessionsRevoked,
		m.ProbeDuration,
		m.ProbeFailures,
		m.ConsecutiveFailures,
		m.FallbackActive,
	)

	return m
}

// Handler returns the HTTP handler serving the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
