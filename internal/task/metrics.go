package task

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the task runner's Prometheus collectors.
type Metrics struct {
	Started     prometheus.Counter
	Finished    *prometheus.CounterVec
	Running     prometheus.Gauge
	Evaluations prometheus.Counter
	Duration    prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qvopt",
			Name:      "tasks_started_total",
			Help:      "Optimization tasks started.",
		}),
		Finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qvopt",
			Name:      "tasks_finished_total",
			Help:      "Optimization tasks finished, by final status.",
		}, []string{"status"}),
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qvopt",
			Name:      "tasks_running",
			Help:      "Optimization tasks currently running.",
		}),
		Evaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qvopt",
			Name:      "objective_evaluations_total",
			Help:      "Cost callbacks made by optimizers.",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "qvopt",
			Name:      "task_duration_seconds",
			Help:      "Wall time of optimization tasks.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Started, m.Finished, m.Running, m.Evaluations, m.Duration)
	}
	return m
}
