package pipeline

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for pipeline attempts.
type Metrics struct {
	RunsTotal    *prometheus.CounterVec
	StepsTotal   *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers pipeline metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total pipeline attempts by strategy and outcome.",
		}, []string{"strategy", "outcome"}),

		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "pipeline",
			Name:      "steps_total",
			Help:      "Total agent steps by agent and status.",
		}, []string{"agent", "status"}),

		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "pipeline",
			Name:      "step_duration_seconds",
			Help:      "Agent step duration in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"agent"}),
	}

	reg.MustRegister(m.RunsTotal, m.StepsTotal, m.StepDuration)
	return m
}
