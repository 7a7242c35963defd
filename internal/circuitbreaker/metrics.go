package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var breakerState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "ragcore_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	},
	[]string{"name"},
)

var breakerTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ragcore_circuit_breaker_transitions_total",
		Help: "Total number of circuit breaker state transitions",
	},
	[]string{"name", "to"},
)

func recordStateChange(name string, to State) {
	breakerState.WithLabelValues(name).Set(float64(to))
	breakerTransitions.WithLabelValues(name, to.String()).Inc()
}
