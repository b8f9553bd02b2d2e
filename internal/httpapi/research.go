package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/auth"
	"github.com/Kocoro-lab/research-orchestrator/internal/db"
	"github.com/Kocoro-lab/research-orchestrator/internal/formatting"
	"github.com/Kocoro-lab/research-orchestrator/internal/knowledge"
	"github.com/Kocoro-lab/research-orchestrator/internal/orchestrator"
	"github.com/Kocoro-lab/research-orchestrator/internal/reportcache"
)

const maxQueryBody = 16 << 10

// ReportCache serves results the orchestrator has already evicted.
type ReportCache interface {
	Get(ctx context.Context, taskID string) (*reportcache.Entry, error)
}

// RunStore serves persisted run history.
type RunStore interface {
	GetTaskRun(ctx context.Context, taskID string) (*db.TaskRun, error)
	ListTaskEvents(ctx context.Context, taskID string) ([]db.TaskEvent, error)
}

// ResearchHandler exposes submit, status, result and cancel over HTTP.
//
//	POST   /api/research
//	GET    /api/research/{id}            (?format=markdown)
//	DELETE /api/research/{id}
//	GET    /api/research/{id}/events
type ResearchHandler struct {
	orch   *orchestrator.Orchestrator
	cache  ReportCache
	runs   RunStore
	logger *zap.Logger
}

type submitRequest struct {
	Query string `json:"query"`
}

type submitResponse struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	StreamURL string `json:"stream_url"`
}

// taskResponse describes a task wherever it was found.
type taskResponse struct {
	TaskID      string                    `json:"task_id"`
	Query       string                    `json:"query"`
	Status      string                    `json:"status"`
	Phase       string                    `json:"phase,omitempty"`
	Report      *knowledge.Report         `json:"report,omitempty"`
	Error       string                    `json:"error,omitempty"`
	Diagnostics *orchestrator.Diagnostics `json:"diagnostics,omitempty"`
	Source      string                    `json:"source"`
}

func NewResearchHandler(orch *orchestrator.Orchestrator, cache ReportCache, runs RunStore, logger *zap.Logger) *ResearchHandler {
	return &ResearchHandler{orch: orch, cache: cache, runs: runs, logger: logger}
}

func (h *ResearchHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/research", h.handleSubmit)
	mux.HandleFunc("GET /api/research/{id}", h.handleGet)
	mux.HandleFunc("DELETE /api/research/{id}", h.handleCancel)
	mux.HandleFunc("GET /api/research/{id}/events", h.handleEvents)
}

func (h *ResearchHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	user, ok := authorize(w, r, auth.ScopeResearchWrite)
	if !ok {
		return
	}

	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQueryBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// The task outlives the request; only the user travels with it.
	ctx := orchestrator.WithUserID(context.WithoutCancel(r.Context()), user.UserID)
	handle, err := h.orch.Submit(ctx, req.Query)
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}

	h.logger.Info("Research submitted over HTTP",
		zap.String("task_id", handle.ID()),
		zap.String("user_id", user.UserID),
	)
	writeJSON(w, http.StatusAccepted, submitResponse{
		TaskID:    handle.ID(),
		Status:    "accepted",
		StreamURL: "/stream/sse?task_id=" + handle.ID(),
	})
}

func (h *ResearchHandler) writeSubmitError(w http.ResponseWriter, err error) {
	var cfgErr *orchestrator.ConfigError
	switch {
	case errors.As(err, &cfgErr) && cfgErr.Field == "query":
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &cfgErr):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, orchestrator.ErrAdmissionDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, orchestrator.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("Submit failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit research task")
	}
}

func (h *ResearchHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	user, ok := authorize(w, r, auth.ScopeResearchRead)
	if !ok {
		return
	}
	resp, err := h.find(r.Context(), r.PathValue("id"))
	if err != nil || !visibleTo(resp.Diagnostics, user) {
		writeError(w, http.StatusNotFound, "research task not found")
		return
	}

	if strings.EqualFold(r.URL.Query().Get("format"), "markdown") {
		if resp.Report == nil {
			writeError(w, http.StatusConflict, "report not available: task is "+resp.Status)
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write([]byte(formatting.Markdown(resp.Report)))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// find looks in memory, then the report cache, then the run store.
func (h *ResearchHandler) find(ctx context.Context, id string) (*taskResponse, error) {
	if handle, err := h.orch.Lookup(id); err == nil {
		return fromHandle(ctx, handle), nil
	}
	if h.cache != nil {
		entry, err := h.cache.Get(ctx, id)
		if err == nil {
			diag := entry.Diagnostics
			return &taskResponse{
				TaskID:      entry.TaskID,
				Query:       entry.Query,
				Status:      entry.Status,
				Phase:       diag.Phase.String(),
				Report:      entry.Report,
				Error:       entry.Error,
				Diagnostics: &diag,
				Source:      "cache",
			}, nil
		}
		if !errors.Is(err, reportcache.ErrMiss) {
			h.logger.Warn("Report cache lookup failed", zap.String("task_id", id), zap.Error(err))
		}
	}
	if h.runs != nil {
		run, err := h.runs.GetTaskRun(ctx, id)
		if err == nil {
			return fromRun(run), nil
		}
		if !errors.Is(err, db.ErrNotFound) {
			h.logger.Warn("Run store lookup failed", zap.String("task_id", id), zap.Error(err))
		}
	}
	return nil, orchestrator.ErrUnknownTask
}

func fromHandle(ctx context.Context, handle *orchestrator.Handle) *taskResponse {
	diag := handle.Diagnostics()
	resp := &taskResponse{
		TaskID:      handle.ID(),
		Query:       handle.Query(),
		Status:      "running",
		Phase:       handle.Phase().String(),
		Diagnostics: &diag,
		Source:      "memory",
	}
	select {
	case <-handle.Done():
	default:
		return resp
	}
	report, err := handle.Result(ctx)
	switch {
	case err == nil:
		resp.Status = "done"
		resp.Report = report
	case errors.Is(err, orchestrator.ErrCancelled):
		resp.Status = "cancelled"
		resp.Error = err.Error()
	default:
		resp.Status = "failed"
		resp.Error = err.Error()
	}
	return resp
}

func fromRun(run *db.TaskRun) *taskResponse {
	resp := &taskResponse{
		TaskID: run.TaskID,
		Query:  run.Query,
		Status: run.Status,
		Phase:  run.Phase,
		Source: "database",
	}
	if run.Error != nil {
		resp.Error = *run.Error
	}
	if run.Report != nil {
		var rep knowledge.Report
		if err := run.Report.Decode(&rep); err == nil {
			resp.Report = &rep
		}
	}
	if run.Diagnostics != nil {
		var diag orchestrator.Diagnostics
		if err := run.Diagnostics.Decode(&diag); err == nil {
			resp.Diagnostics = &diag
		}
	}
	if resp.Diagnostics == nil && run.UserID != nil {
		resp.Diagnostics = &orchestrator.Diagnostics{TaskID: run.TaskID, UserID: *run.UserID}
	}
	return resp
}

func (h *ResearchHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	user, ok := authorize(w, r, auth.ScopeResearchWrite)
	if !ok {
		return
	}
	handle, err := h.orch.Lookup(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "research task not found")
		return
	}
	diag := handle.Diagnostics()
	if !visibleTo(&diag, user) {
		writeError(w, http.StatusNotFound, "research task not found")
		return
	}
	handle.Cancel()
	h.logger.Info("Research cancelled over HTTP", zap.String("task_id", handle.ID()), zap.String("user_id", user.UserID))
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": handle.ID(), "status": "cancelling"})
}

func (h *ResearchHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	user, ok := authorize(w, r, auth.ScopeResearchRead)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if handle, err := h.orch.Lookup(id); err == nil {
		diag := handle.Diagnostics()
		if !visibleTo(&diag, user) {
			writeError(w, http.StatusNotFound, "research task not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "events": handle.Events()})
		return
	}
	if h.runs != nil {
		if run, err := h.runs.GetTaskRun(r.Context(), id); err == nil && visibleTo(fromRun(run).Diagnostics, user) {
			events, err := h.runs.ListTaskEvents(r.Context(), id)
			if err != nil {
				h.logger.Error("Failed to list task events", zap.String("task_id", id), zap.Error(err))
				writeError(w, http.StatusInternalServerError, "failed to load events")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "events": events})
			return
		}
	}
	writeError(w, http.StatusNotFound, "research task not found")
}

// authorize writes 401/403 and returns false when the caller lacks scope.
func authorize(w http.ResponseWriter, r *http.Request, scope string) (*auth.UserContext, bool) {
	if err := auth.RequireScopes(r.Context(), scope); err != nil {
		if errors.Is(err, auth.ErrForbidden) {
			writeError(w, http.StatusForbidden, err.Error())
		} else {
			writeError(w, http.StatusUnauthorized, "authentication required")
		}
		return nil, false
	}
	user, _ := auth.GetUserContext(r.Context())
	return user, true
}

// visibleTo hides tasks submitted by other users.
func visibleTo(diag *orchestrator.Diagnostics, user *auth.UserContext) bool {
	if diag == nil || diag.UserID == "" {
		return true
	}
	return diag.UserID == user.UserID
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
