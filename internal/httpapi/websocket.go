package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // origin policy belongs to the proxy
}

// RegisterWebSocket registers the /stream/ws endpoint.
func (h *StreamingHandler) RegisterWebSocket(mux *http.ServeMux) {
	mux.HandleFunc("GET /stream/ws", h.handleWS)
}

// handleWS streams the same events as handleSSE as JSON text frames and
// closes normally after the terminal event.
func (h *StreamingHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	req, err := parseStreamRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, ok := authorize(w, r, auth.ScopeResearchRead)
	if !ok {
		return
	}
	sub := h.open(r.Context(), req, user)
	if sub == nil {
		writeError(w, http.StatusNotFound, "research task not found")
		return
	}
	defer h.close(req.taskID, sub)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	// Reader pump: client messages are discarded; a read error means the
	// peer is gone.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	ping := func() error {
		return conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second))
	}

	for {
		ev, ok := sub.next(ctx, ticker.C, ping)
		if !ok {
			return
		}
		if req.wants(ev) {
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("WebSocket write failed", zap.String("task_id", req.taskID), zap.Error(err))
				return
			}
		}
		if ev.Terminal() {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished"),
				time.Now().Add(time.Second))
			return
		}
	}
}
