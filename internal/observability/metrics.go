package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for detsandbox.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Loader metrics.
	ClassLoadsTotal   *prometheus.CounterVec
	ClassLoadDuration *prometheus.HistogramVec
	MessagesTotal     *prometheus.CounterVec

	// Execution metrics.
	ExecutionsTotal          *prometheus.CounterVec
	ExecutionDuration        prometheus.Histogram
	CostsTotal               *prometheus.CounterVec
	ThresholdViolationsTotal *prometheus.CounterVec

	ActiveSessions prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ClassLoadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "detsandbox",
			Subsystem: "loader",
			Name:      "classes_total",
			Help:      "Total classes reaching a terminal load state.",
		}, []string{"state", "trusted", "modified"}),

		ClassLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "detsandbox",
			Subsystem: "loader",
			Name:      "load_duration_seconds",
			Help:      "Time from first request to terminal state, in seconds.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"state"}),

		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "detsandbox",
			Subsystem: "loader",
			Name:      "messages_total",
			Help:      "Diagnostics reported while loading, by severity.",
		}, []string{"severity"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "detsandbox",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox sessions.",
		}, []string{"status"}),

		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "detsandbox",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox session duration in seconds.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),

		CostsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "detsandbox",
			Subsystem: "sandbox",
			Name:      "costs_total",
			Help:      "Resource costs charged by sandboxed code.",
		}, []string{"cost"}),

		ThresholdViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "detsandbox",
			Subsystem: "sandbox",
			Name:      "threshold_violations_total",
			Help:      "Sessions terminated for crossing a cost threshold.",
		}, []string{"cost"}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "detsandbox",
			Name:      "active_sessions",
			Help:      "Number of currently running sessions.",
		}),
	}

	reg.MustRegister(
		m.ClassLoadsTotal,
		m.ClassLoadDuration,
		m.MessagesTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.CostsTotal,
		m.ThresholdViolationsTotal,
		m.ActiveSessions,
	)

	return m
}

// WriteToTextfile writes the gathered metrics in the text exposition format.
func (m *MetricsCollector) WriteToTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}
