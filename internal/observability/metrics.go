package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds process-wide Prometheus metrics for kazi. The
// scheduler and pipeline register their own sets on the same Registry.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Agent invocation metrics.
	AgentCallsTotal   *prometheus.CounterVec
	AgentCallDuration *prometheus.HistogramVec
	AgentTokensUsed   *prometheus.CounterVec

	// HTTP API metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		AgentCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "agent",
			Name:      "calls_total",
			Help:      "Total agent invocations.",
		}, []string{"agent", "status"}),

		AgentCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "agent",
			Name:      "call_duration_seconds",
			Help:      "Agent invocation duration in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"agent"}),

		AgentTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "agent",
			Name:      "tokens_used_total",
			Help:      "Tokens reported by agents.",
		}, []string{"agent"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kazi",
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Number of in-flight HTTP requests.",
		}),
	}

	reg.MustRegister(
		m.AgentCallsTotal,
		m.AgentCallDuration,
		m.AgentTokensUsed,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
