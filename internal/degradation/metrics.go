package degradation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var partialResultsReturned = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "research_partial_results_total",
		Help: "Fan-outs that returned partial results instead of failing, by component and level",
	},
	[]string{"component", "level"},
)

// RecordPartialResults counts a degraded fan-out.
func RecordPartialResults(component string, level Level) {
	partialResultsReturned.WithLabelValues(component, level.String()).Inc()
}
