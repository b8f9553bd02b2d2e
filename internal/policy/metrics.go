package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	policyEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_policy_evaluations_total",
			Help: "Total number of admission policy evaluations",
		},
		[]string{"decision", "mode"},
	)

	policyEvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_policy_evaluation_duration_seconds",
			Help:    "Time spent evaluating admission policies",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
		},
		[]string{"mode"},
	)

	policyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_policy_errors_total",
			Help: "Total number of admission policy errors",
		},
		[]string{"error_type"},
	)

	policyDryRunDivergence = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_policy_dry_run_denials_total",
			Help: "Queries a dry-run policy would have denied",
		},
	)

	policyFilesLoaded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "research_policy_files_loaded",
			Help: "Number of policy files currently loaded",
		},
		[]string{"policy_path"},
	)

	policyCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_policy_cache_lookups_total",
			Help: "Admission decision cache lookups",
		},
		[]string{"result"},
	)
)

func recordEvaluation(allow bool, mode Mode, seconds float64) {
	decision := "deny"
	if allow {
		decision = "allow"
	}
	policyEvaluations.WithLabelValues(decision, string(mode)).Inc()
	policyEvaluationDuration.WithLabelValues(string(mode)).Observe(seconds)
}
