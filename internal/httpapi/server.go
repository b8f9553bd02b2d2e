package httpapi

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/auth"
	"github.com/Kocoro-lab/research-orchestrator/internal/health"
	"github.com/Kocoro-lab/research-orchestrator/internal/orchestrator"
	"github.com/Kocoro-lab/research-orchestrator/internal/streaming"
	"github.com/Kocoro-lab/research-orchestrator/internal/tracing"
)

// RouterOptions wires the API. Cache, Runs, Mirror and Health are optional.
type RouterOptions struct {
	Orchestrator *orchestrator.Orchestrator
	Streams      *streaming.Manager
	Mirror       EventReplayer
	Cache        ReportCache
	Runs         RunStore
	Auth         *auth.Middleware
	Health       *health.Manager
	Logger       *zap.Logger
}

// NewRouter returns the API handler. Health and metrics endpoints are
// served without authentication; everything else goes through Auth.
func NewRouter(opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	api := http.NewServeMux()
	NewResearchHandler(opts.Orchestrator, opts.Cache, opts.Runs, logger).RegisterRoutes(api)
	NewTimelineHandler(opts.Orchestrator, opts.Runs, logger).RegisterRoutes(api)
	NewStreamingHandler(opts.Streams, opts.Orchestrator, opts.Mirror, logger).RegisterRoutes(api)

	var protected http.Handler = api
	if opts.Auth != nil {
		protected = opts.Auth.HTTPMiddleware(api)
	}

	root := http.NewServeMux()
	if opts.Health != nil {
		health.NewHTTPHandler(opts.Health, logger).RegisterRoutes(root)
	} else {
		root.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "active_tasks": opts.Orchestrator.Active()})
		})
	}
	root.Handle("GET /metrics", promhttp.Handler())
	root.Handle("/api/", protected)
	root.Handle("/stream/", protected)

	return withRequestLogging(root, logger)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController and the WebSocket upgrader reach
// the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func withRequestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracing.StartHTTPSpan(r.Context(), r.Method, r.URL.Path)
		defer span.End()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
