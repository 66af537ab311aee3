package executor

import "github.com/prometheus/client_golang/prometheus"

var (
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helix_model_executions_total",
			Help: "Total number of model executions by final result status.",
		},
		[]string{"model", "status"},
	)

	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "helix_model_execution_seconds",
			Help:    "Wall-clock model execution time in seconds, including plugin load.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1200, 3600},
		},
		[]string{"model"},
	)
)

func init() {
	prometheus.MustRegister(executionsTotal)
	prometheus.MustRegister(executionDuration)
}
