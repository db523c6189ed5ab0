package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/kazi/internal/ticket"
)

// Metrics holds Prometheus collectors for the scheduler.
type Metrics struct {
	QueueDepth   *prometheus.GaugeVec
	ActiveSlots  *prometheus.GaugeVec
	Dispatched   *prometheus.CounterVec
	Completions  *prometheus.CounterVec
	Retries      *prometheus.CounterVec
	Escalations  prometheus.Counter
	BreakerTrips prometheus.Counter
	BreakerOpen  prometheus.Gauge
	Holds        *prometheus.CounterVec
	Swaps        prometheus.Counter
	BossCycles   *prometheus.CounterVec
	Directives   *prometheus.CounterVec
}

// NewMetrics creates and registers scheduler metrics. Returns nil when reg
// is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kazi",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Queued tickets per team.",
		}, []string{"team"}),
		ActiveSlots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kazi",
			Subsystem: "scheduler",
			Name:      "active_slots",
			Help:      "Tickets in flight per team.",
		}, []string{"team"}),
		Dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "scheduler",
			Name:      "dispatched_total",
			Help:      "Tickets promoted into a slot.",
		}, []string{"team"}),
		Completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "scheduler",
			Name:      "completions_total",
			Help:      "Slot completions by pipeline outcome.",
		}, []string{"outcome"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "scheduler",
			Name:      "retries_total",
			Help:      "Re-queues by retry kind (verification, error).",
		}, []string{"kind"}),
		Escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "scheduler",
			Name:      "escalations_total",
			Help:      "Tickets escalated to a human.",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "scheduler",
			Name:      "breaker_trips_total",
			Help:      "Circuit breaker trips.",
		}),
		BreakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kazi",
			Subsystem: "scheduler",
			Name:      "breaker_open",
			Help:      "1 while the circuit breaker is tripped.",
		}),
		Holds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "scheduler",
			Name:      "holds_total",
			Help:      "Hold list transitions (held, timeout, swap, manual).",
		}, []string{"action"}),
		Swaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "scheduler",
			Name:      "resource_swaps_total",
			Help:      "Active resource swaps.",
		}),
		BossCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "boss",
			Name:      "cycles_total",
			Help:      "Boss supervisory cycles by trigger.",
		}, []string{"trigger"}),
		Directives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "boss",
			Name:      "directives_total",
			Help:      "Directives applied by kind and result.",
		}, []string{"kind", "status"}),
	}
	reg.MustRegister(
		m.QueueDepth, m.ActiveSlots, m.Dispatched, m.Completions, m.Retries,
		m.Escalations, m.BreakerTrips, m.BreakerOpen, m.Holds, m.Swaps,
		m.BossCycles, m.Directives,
	)
	return m
}

func (s *Scheduler) observeQueues() {
	if s.metrics == nil {
		return
	}
	for _, team := range ticket.Teams {
		s.metrics.QueueDepth.WithLabelValues(string(team)).Set(float64(len(s.queues[team])))
	}
}

func (s *Scheduler) observeSlots() {
	if s.metrics == nil {
		return
	}
	active := s.activeByTeam()
	for _, team := range ticket.Teams {
		s.metrics.ActiveSlots.WithLabelValues(string(team)).Set(float64(active[team]))
	}
}
