package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments cluster-facing operations.
type Metrics struct {
	Operations *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
	Retries    *prometheus.CounterVec
}

// NewMetrics builds and registers the dispatch metric set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartops_k8s_operations_total",
			Help: "Cluster control operations by action type and result.",
		}, []string{"operation", "result"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smartops_k8s_operation_duration_seconds",
			Help:    "Latency of cluster control operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartops_k8s_retries_total",
			Help: "Dispatch retries by action type.",
		}, []string{"operation"}),
	}
	if reg != nil {
		reg.MustRegister(m.Operations, m.Duration, m.Retries)
	}
	return m
}
