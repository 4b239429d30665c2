// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the DawnYawn control plane.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for DawnYawn.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox metrics.
	SandboxCreationsTotal    *prometheus.CounterVec
	SandboxDestructionsTotal prometheus.Counter
	SandboxesActive          prometheus.Gauge
	OrphansReapedTotal       prometheus.Counter

	// Session and command metrics.
	SessionsActive          prometheus.Gauge
	CommandExecutionsTotal  *prometheus.CounterVec
	CommandDurationSeconds  *prometheus.HistogramVec

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SandboxCreationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dawnyawn",
			Subsystem: "sandbox",
			Name:      "creations_total",
			Help:      "Total sandbox provisioning attempts.",
		}, []string{"status"}),

		SandboxDestructionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dawnyawn",
			Subsystem: "sandbox",
			Name:      "destructions_total",
			Help:      "Total sandbox teardowns.",
		}),

		SandboxesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dawnyawn",
			Subsystem: "sandbox",
			Name:      "active",
			Help:      "Number of currently running sandboxes.",
		}),

		OrphansReapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dawnyawn",
			Subsystem: "sandbox",
			Name:      "orphans_reaped_total",
			Help:      "Total orphaned containers removed by the sweep.",
		}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dawnyawn",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of live sessions in the registry.",
		}),

		CommandExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dawnyawn",
			Subsystem: "command",
			Name:      "executions_total",
			Help:      "Total remote command executions.",
		}, []string{"mode", "status"}),

		CommandDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dawnyawn",
			Subsystem: "command",
			Name:      "duration_seconds",
			Help:      "Remote command execution duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		}, []string{"mode"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dawnyawn",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dawnyawn",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.SandboxCreationsTotal,
		m.SandboxDestructionsTotal,
		m.SandboxesActive,
		m.OrphansReapedTotal,
		m.SessionsActive,
		m.CommandExecutionsTotal,
		m.CommandDurationSeconds,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}
