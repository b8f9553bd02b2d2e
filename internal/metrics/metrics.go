package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task metrics
	TasksSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_tasks_submitted_total",
			Help: "Total number of research tasks submitted",
		},
	)

	TasksRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_tasks_rejected_total",
			Help: "Submissions refused before a task was created",
		},
		[]string{"reason"},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_tasks_completed_total",
			Help: "Total number of research tasks that reached a terminal phase",
		},
		[]string{"status", "completeness"},
	)

	TasksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_tasks_active",
			Help: "Research tasks currently running",
		},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_task_duration_seconds",
			Help:    "Research task duration from submission to terminal phase",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	// Phase metrics
	PhaseRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_phase_runs_total",
			Help: "Phase runs by phase and outcome",
		},
		[]string{"phase", "outcome"},
	)

	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_phase_duration_seconds",
			Help:    "Phase run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	AgentAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_agent_attempts",
			Help:    "Attempts needed per agent invocation",
			Buckets: []float64{1, 2, 3, 5, 8},
		},
		[]string{"agent"},
	)

	RegatherCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_regather_cycles_total",
			Help: "Validation to Gathering transitions",
		},
	)

	RecordsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_knowledge_records_total",
			Help: "Knowledge entries written by category",
		},
		[]string{"category"},
	)

	// Delivery metrics
	SinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_sink_errors_total",
			Help: "Event or report sink failures",
		},
		[]string{"sink"},
	)

	ReportCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_report_cache_hits_total",
			Help: "Reports served from the cache",
		},
	)

	ReportCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_report_cache_misses_total",
			Help: "Report lookups that missed the cache",
		},
	)
)

// RecordPhaseMetrics records one phase run
func RecordPhaseMetrics(phase, outcome, agent string, attempts int, durationSeconds float64) {
	PhaseRuns.WithLabelValues(phase, outcome).Inc()
	PhaseDuration.WithLabelValues(phase).Observe(durationSeconds)
	if agent != "" && attempts > 0 {
		AgentAttempts.WithLabelValues(agent).Observe(float64(attempts))
	}
}

// RecordTaskMetrics records a task reaching a terminal phase
func RecordTaskMetrics(status, completeness string, durationSeconds float64) {
	TasksCompleted.WithLabelValues(status, completeness).Inc()
	TaskDuration.WithLabelValues(status).Observe(durationSeconds)
}
