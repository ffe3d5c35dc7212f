package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the gateway's Prometheus metrics.
type Metrics struct {
	// ActiveRunners is a gauge of agent runs currently registered.
	ActiveRunners prometheus.Gauge

	// AdmissionRejections counts rejected chat admissions.
	// Labels: reason (rate_limited|conversation_busy|global_limit)
	AdmissionRejections *prometheus.CounterVec

	// RunDuration measures agent run wall time in seconds.
	// Labels: backend, status (success|error|aborted)
	RunDuration *prometheus.HistogramVec

	// StreamEvents counts normalized agent stream events.
	// Labels: type (text|tool_use|tool_result|token_usage|error|done)
	StreamEvents *prometheus.CounterVec

	// Approvals counts tool approval outcomes.
	// Labels: outcome (auto|approved|rejected|timed_out|cancelled)
	Approvals *prometheus.CounterVec

	// TokensUsed counts tokens consumed by agent runs.
	// Labels: type (input|output|cache_read|cache_creation)
	TokensUsed *prometheus.CounterVec

	// Connections is a gauge of open WebSocket connections.
	Connections prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a private
// registry so multiple instances can coexist.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveRunners: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_runners",
			Help: "Current number of registered agent runs",
		}),
		AdmissionRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_admission_rejections_total",
				Help: "Total rejected chat admissions by reason",
			},
			[]string{"reason"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_run_duration_seconds",
				Help:    "Agent run wall time in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"backend", "status"},
		),
		StreamEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_stream_events_total",
				Help: "Total normalized agent stream events by type",
			},
			[]string{"type"},
		),
		Approvals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tool_approvals_total",
				Help: "Total tool approval outcomes",
			},
			[]string{"outcome"},
		),
		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tokens_total",
				Help: "Total tokens consumed by agent runs",
			},
			[]string{"type"},
		),
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Current number of open WebSocket connections",
		}),
	}
}
