package loop

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments the closed-loop pipeline.
type Metrics struct {
	Signals         *prometheus.CounterVec
	SignalsDropped  prometheus.Counter
	Actions         *prometheus.CounterVec
	GuardrailBlocks *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	ActionDuration  *prometheus.HistogramVec
}

// NewMetrics builds and registers the closed-loop metric set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_closed_loop_signals_total",
			Help: "Signals accepted into the closed loop, by kind.",
		}, []string{"kind"}),
		SignalsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_closed_loop_signals_dropped_total",
			Help: "Signals dropped because the queue was full.",
		}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_closed_loop_actions_total",
			Help: "Processed actions by type and terminal status.",
		}, []string{"type", "status"}),
		GuardrailBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_closed_loop_guardrail_blocks_total",
			Help: "Actions blocked by guardrails, by reason code.",
		}, []string{"reason"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_closed_loop_queue_depth",
			Help: "Signals waiting in the work queue.",
		}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_closed_loop_action_duration_seconds",
			Help:    "End-to-end action processing time, dispatch through verification.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.Signals, m.SignalsDropped, m.Actions,
			m.GuardrailBlocks, m.QueueDepth, m.ActionDuration)
	}
	return m
}
