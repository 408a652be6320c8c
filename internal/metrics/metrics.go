package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the chat core. It is created
// once at startup and passed to components explicitly; there are no package
// level collectors.
type Metrics struct {
	registry *prometheus.Registry

	RateLimitDecisions *prometheus.CounterVec
	RateLimitFallback  prometheus.Counter
	RateLimitErrors    prometheus.Counter
	Turns              *prometheus.CounterVec
	ProviderErrors     *prometheus.CounterVec
	CongestionDrops    prometheus.Counter
	ActiveStreams      prometheus.Gauge
	Summarisations     *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		RateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verba_rate_limit_decisions_total",
			Help: "Rate limiter admit/reject decisions.",
		}, []string{"outcome"}),
		RateLimitFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "verba_rate_limit_fallback_total",
			Help: "Times the limiter fell back to the in-process store.",
		}),
		RateLimitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "verba_rate_limit_errors_total",
			Help: "Internal limiter errors resulting in fail-open decisions.",
		}),
		Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verba_turns_total",
			Help: "Completed turns by terminal outcome.",
		}, []string{"outcome"}),
		ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verba_provider_errors_total",
			Help: "Stream-time provider failures.",
		}, []string{"provider"}),
		CongestionDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "verba_stream_congestion_drops_total",
			Help: "Token frames dropped because a subscriber buffer was full.",
		}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "verba_active_streams",
			Help: "Turns currently streaming.",
		}),
		Summarisations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verba_summarisations_total",
			Help: "Context summarisation attempts by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.RateLimitDecisions,
		m.RateLimitFallback,
		m.RateLimitErrors,
		m.Turns,
		m.ProviderErrors,
		m.CongestionDrops,
		m.ActiveStreams,
		m.Summarisations,
	)

	return m
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
