package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	dispatches *prometheus.CounterVec
	executions *prometheus.CounterVec
	retries    prometheus.Counter
	recoveries *prometheus.CounterVec
	instances  *prometheus.CounterVec
	inflight   prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "node_dispatches_total",
			Help:      "Node attempts dispatched, by node type.",
		}, []string{"node_type"}),
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "node_executions_total",
			Help:      "Node attempts finished, by final status.",
		}, []string{"status"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "node_retries_total",
			Help:      "Failed attempts scheduled for another attempt.",
		}),
		recoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "recoveries_total",
			Help:      "Recovery sweep actions, by action.",
		}, []string{"action"}),
		instances: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "instance_transitions_total",
			Help:      "Instance lifecycle transitions, by target status.",
		}, []string{"status"}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskflow",
			Name:      "executor_calls_in_flight",
			Help:      "Executor calls currently running.",
		}),
	}
}
