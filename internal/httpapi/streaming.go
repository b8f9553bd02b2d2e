package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/auth"
	"github.com/Kocoro-lab/research-orchestrator/internal/orchestrator"
	"github.com/Kocoro-lab/research-orchestrator/internal/streaming"
)

// EventReplayer serves events the in-memory manager no longer holds.
type EventReplayer interface {
	ReplaySince(ctx context.Context, taskID string, since uint64) ([]orchestrator.Event, error)
}

// StreamingHandler serves SSE and WebSocket endpoints for task events.
type StreamingHandler struct {
	mgr    *streaming.Manager
	orch   *orchestrator.Orchestrator
	mirror EventReplayer
	logger *zap.Logger
}

func NewStreamingHandler(mgr *streaming.Manager, orch *orchestrator.Orchestrator, mirror EventReplayer, logger *zap.Logger) *StreamingHandler {
	return &StreamingHandler{mgr: mgr, orch: orch, mirror: mirror, logger: logger}
}

// RegisterRoutes registers SSE and WebSocket routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /stream/sse", h.handleSSE)
	h.RegisterWebSocket(mux)
}

// streamRequest is the parsed query of a stream endpoint.
type streamRequest struct {
	taskID string
	phases map[string]struct{}
	lastID uint64
}

func parseStreamRequest(r *http.Request) (streamRequest, error) {
	q := r.URL.Query()
	req := streamRequest{taskID: q.Get("task_id"), phases: map[string]struct{}{}}
	if req.taskID == "" {
		return req, fmt.Errorf("task_id required")
	}
	if s := q.Get("phases"); s != "" {
		for _, p := range strings.Split(s, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				req.phases[p] = struct{}{}
			}
		}
	}
	// Last-Event-ID header wins over the query param.
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = q.Get("last_event_id")
	}
	if raw != "" {
		if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
			req.lastID = n
		}
	}
	return req, nil
}

func (s streamRequest) wants(ev orchestrator.Event) bool {
	if len(s.phases) == 0 || ev.Terminal() {
		return true
	}
	_, ok := s.phases[ev.Phase.String()]
	return ok
}

// subscription delivers a task's events once each, in order: first the
// backlog after lastID, then live events. It ends after the terminal event.
type subscription struct {
	ch      chan orchestrator.Event
	backlog []orchestrator.Event
	last    uint64
}

// open subscribes before reading the backlog so no event falls between
// the two. It returns nil when the task is unknown or belongs to another
// user.
func (h *StreamingHandler) open(ctx context.Context, req streamRequest, user *auth.UserContext) *subscription {
	ch := h.mgr.Subscribe(req.taskID, 256)

	var all []orchestrator.Event
	known := false
	if handle, err := h.orch.Lookup(req.taskID); err == nil {
		diag := handle.Diagnostics()
		if !visibleTo(&diag, user) {
			h.mgr.Unsubscribe(req.taskID, ch)
			return nil
		}
		known = true
		all = handle.Events()
	}
	if len(all) == 0 {
		all = h.mgr.ReplaySince(req.taskID, 0)
	}
	if len(all) == 0 && h.mirror != nil {
		mirrored, err := h.mirror.ReplaySince(ctx, req.taskID, 0)
		if err != nil {
			h.logger.Warn("Event mirror replay failed", zap.String("task_id", req.taskID), zap.Error(err))
		}
		all = mirrored
	}
	if !known && len(all) == 0 {
		h.mgr.Unsubscribe(req.taskID, ch)
		return nil
	}

	sub := &subscription{ch: ch, last: req.lastID}
	for _, ev := range all {
		if ev.Seq > req.lastID {
			sub.backlog = append(sub.backlog, ev)
		}
	}
	return sub
}

func (h *StreamingHandler) close(taskID string, sub *subscription) {
	h.mgr.Unsubscribe(taskID, sub.ch)
}

// next returns the next unseen event, or false when the channel closed.
func (s *subscription) next(ctx context.Context, heartbeat <-chan time.Time, onBeat func() error) (orchestrator.Event, bool) {
	for {
		if len(s.backlog) > 0 {
			ev := s.backlog[0]
			s.backlog = s.backlog[1:]
			if ev.Seq <= s.last {
				continue
			}
			s.last = ev.Seq
			return ev, true
		}
		select {
		case <-ctx.Done():
			return orchestrator.Event{}, false
		case ev, ok := <-s.ch:
			if !ok {
				return orchestrator.Event{}, false
			}
			if ev.Seq <= s.last {
				continue
			}
			s.last = ev.Seq
			return ev, true
		case <-heartbeat:
			if err := onBeat(); err != nil {
				return orchestrator.Event{}, false
			}
		}
	}
}

// handleSSE streams events for a task via Server-Sent Events.
// GET /stream/sse?task_id=<id>[&phases=Gathering,Validation][&last_event_id=N]
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	req, err := parseStreamRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, ok := authorize(w, r, auth.ScopeResearchRead)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	sub := h.open(ctx, req, user)
	if sub == nil {
		writeError(w, http.StatusNotFound, "research task not found")
		return
	}
	defer h.close(req.taskID, sub)

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	fmt.Fprintf(w, ": connected to task %s\n\n", req.taskID)
	flusher.Flush()

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()
	beat := func() error {
		// Heartbeat to keep connections alive through proxies
		_, err := fmt.Fprint(w, ": ping\n\n")
		flusher.Flush()
		return err
	}

	for {
		ev, ok := sub.next(ctx, hb.C, beat)
		if !ok {
			h.logger.Debug("SSE client disconnected", zap.String("task_id", req.taskID))
			return
		}
		if req.wants(ev) {
			data, err := streaming.Marshal(ev)
			if err != nil {
				h.logger.Error("Failed to encode event", zap.String("task_id", req.taskID), zap.Error(err))
				return
			}
			fmt.Fprintf(w, "id: %d\n", ev.Seq)
			fmt.Fprintf(w, "event: %s\n", ev.Phase)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
		if ev.Terminal() {
			return
		}
	}
}
