package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/auth"
	"github.com/Kocoro-lab/research-orchestrator/internal/orchestrator"
)

// TimelineHandler builds human-readable timelines from live or persisted
// phase transitions.
type TimelineHandler struct {
	orch   *orchestrator.Orchestrator
	runs   RunStore
	logger *zap.Logger
}

// TimelineEntry is one line of a task timeline.
type TimelineEntry struct {
	Seq        uint64    `json:"seq"`
	Phase      string    `json:"phase"`
	At         time.Time `json:"at"`
	DurationMs int64     `json:"duration_ms"`
	Message    string    `json:"message"`
}

type timelineStats struct {
	Total    int    `json:"total"`
	Mode     string `json:"mode"`
	Cycles   int    `json:"cycles"`
	Source   string `json:"source"`
	Finished bool   `json:"finished"`
}

// step is the source-independent form of a transition.
type step struct {
	seq     uint64
	phase   string
	prev    string
	outcome string
	reason  string
	cycle   int
	pass    int
	at      time.Time
}

func NewTimelineHandler(orch *orchestrator.Orchestrator, runs RunStore, logger *zap.Logger) *TimelineHandler {
	return &TimelineHandler{orch: orch, runs: runs, logger: logger}
}

func (h *TimelineHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/research/{id}/timeline", h.handleBuildTimeline)
}

// handleBuildTimeline: GET /api/research/{id}/timeline?mode=summary|full
func (h *TimelineHandler) handleBuildTimeline(w http.ResponseWriter, r *http.Request) {
	user, ok := authorize(w, r, auth.ScopeResearchRead)
	if !ok {
		return
	}
	id := r.PathValue("id")
	mode := r.URL.Query().Get("mode")
	if mode != "full" {
		mode = "summary"
	}

	steps, source, found := h.load(r, id, user)
	if !found {
		writeError(w, http.StatusNotFound, "research task not found")
		return
	}

	entries, stats := buildTimeline(steps, mode)
	stats.Source = source
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": id,
		"events":  entries,
		"stats":   stats,
	})
}

func (h *TimelineHandler) load(r *http.Request, id string, user *auth.UserContext) ([]step, string, bool) {
	if handle, err := h.orch.Lookup(id); err == nil {
		diag := handle.Diagnostics()
		if !visibleTo(&diag, user) {
			return nil, "", false
		}
		evs := handle.Events()
		steps := make([]step, 0, len(evs))
		for _, ev := range evs {
			steps = append(steps, step{
				seq: ev.Seq, phase: ev.Phase.String(), prev: ev.Prev.String(),
				outcome: ev.Outcome, reason: ev.Reason,
				cycle: ev.Cycle, pass: ev.Pass, at: ev.Timestamp,
			})
		}
		return steps, "memory", true
	}
	if h.runs == nil {
		return nil, "", false
	}
	run, err := h.runs.GetTaskRun(r.Context(), id)
	if err != nil || !visibleTo(fromRun(run).Diagnostics, user) {
		return nil, "", false
	}
	evs, err := h.runs.ListTaskEvents(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to load persisted events", zap.String("task_id", id), zap.Error(err))
		return nil, "", false
	}
	steps := make([]step, 0, len(evs))
	for _, ev := range evs {
		steps = append(steps, step{
			seq: uint64(ev.Seq), phase: ev.Phase, prev: ev.Prev,
			outcome: ev.Outcome, reason: ev.Reason,
			cycle: ev.Cycle, pass: ev.Pass, at: ev.CreatedAt,
		})
	}
	return steps, "database", true
}

// buildTimeline maps transitions to readable entries. Each entry lasts
// until the next transition; the last one has no duration.
func buildTimeline(steps []step, mode string) ([]TimelineEntry, timelineStats) {
	stats := timelineStats{Total: len(steps), Mode: mode}
	out := make([]TimelineEntry, 0, len(steps))
	for i, s := range steps {
		e := TimelineEntry{Seq: s.seq, Phase: s.phase, At: s.at, Message: describe(s, mode)}
		if i+1 < len(steps) {
			e.DurationMs = steps[i+1].at.Sub(s.at).Milliseconds()
		}
		out = append(out, e)
		stats.Cycles = max(stats.Cycles, s.cycle)
		if s.phase == orchestrator.PhaseDone.String() || s.phase == orchestrator.PhaseFailed.String() {
			stats.Finished = true
		}
	}
	return out, stats
}

func describe(s step, mode string) string {
	var msg string
	switch s.phase {
	case orchestrator.PhasePlanning.String():
		msg = "Research started"
	case orchestrator.PhaseDone.String():
		msg = "Report ready"
	case orchestrator.PhaseFailed.String():
		msg = "Research failed"
	case orchestrator.PhaseGathering.String():
		msg = fmt.Sprintf("Gathering sources (pass %d)", s.pass)
	default:
		msg = s.phase
	}
	if s.prev != "" && s.outcome != "" && s.outcome != "success" {
		msg += fmt.Sprintf(" after %s: %s", s.prev, s.outcome)
		if mode == "full" && s.reason != "" {
			msg += " (" + s.reason + ")"
		}
	}
	return msg
}
