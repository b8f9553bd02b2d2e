// Package app assembles the research service from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	redisv8 "github.com/go-redis/redis/v8"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Kocoro-lab/research-orchestrator/internal/auth"
	"github.com/Kocoro-lab/research-orchestrator/internal/circuitbreaker"
	"github.com/Kocoro-lab/research-orchestrator/internal/config"
	"github.com/Kocoro-lab/research-orchestrator/internal/db"
	"github.com/Kocoro-lab/research-orchestrator/internal/health"
	"github.com/Kocoro-lab/research-orchestrator/internal/httpapi"
	"github.com/Kocoro-lab/research-orchestrator/internal/knowledge"
	"github.com/Kocoro-lab/research-orchestrator/internal/orchestrator"
	"github.com/Kocoro-lab/research-orchestrator/internal/policy"
	"github.com/Kocoro-lab/research-orchestrator/internal/providers"
	"github.com/Kocoro-lab/research-orchestrator/internal/ratecontrol"
	"github.com/Kocoro-lab/research-orchestrator/internal/reportcache"
	"github.com/Kocoro-lab/research-orchestrator/internal/streaming"
	"github.com/Kocoro-lab/research-orchestrator/internal/tracing"
)

// App holds every long-lived component. Optional components are nil when
// not configured.
type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	Orchestrator *orchestrator.Orchestrator
	Providers    []providers.Provider
	Streams      *streaming.Manager
	Mirror       *streaming.RedisMirror
	Cache        *reportcache.Cache
	DB           *db.Client
	Policy       *policy.OPAEngine
	RateLimits   *ratecontrol.Controller
	Health       *health.Manager
	Watcher      *config.Watcher
	JWT          *auth.JWTManager

	stopMetrics chan struct{}
	closers     []func(context.Context) error
}

// NewLogger returns a production logger, or a development one for debug.
func NewLogger(level string) (*zap.Logger, error) {
	if strings.EqualFold(level, "debug") {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

// New builds the service. Redis, the database and the policy engine are
// wired only when configured; a Redis outage at startup disables the
// component that needed it instead of failing.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, stopMetrics: make(chan struct{})}
	circuitbreaker.StartMetricsCollection(a.stopMetrics)

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}
	a.closers = append(a.closers, shutdownTracing)

	if err := a.buildProviders(); err != nil {
		a.Close(ctx)
		return nil, err
	}

	var events []orchestrator.EventSink
	var reports []orchestrator.ReportSink

	a.Streams = streaming.NewManager(cfg.Streaming.Capacity, cfg.Streaming.Retain, logger)
	events = append(events, a.Streams)

	if addr := cfg.Streaming.RedisAddr; addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unavailable, event mirror disabled", zap.String("addr", addr), zap.Error(err))
			_ = client.Close()
		} else {
			a.Mirror = streaming.NewRedisMirror(client, "", cfg.Streaming.StreamMaxLen, cfg.Streaming.StreamTTL, logger)
			events = append(events, a.Mirror)
			a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		}
	}

	a.Health = health.NewManager(logger)

	if addr := cfg.ReportCache.RedisAddr; addr != "" {
		client := redisv8.NewClient(&redisv8.Options{Addr: addr})
		a.Cache = reportcache.New(client, cfg.ReportCache.TTL, logger)
		reports = append(reports, a.Cache)
		_ = a.Health.RegisterChecker(health.NewRedisHealthChecker(a.Cache.Redis(), logger))
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	}

	if cfg.Database.Driver != "" {
		client, err := db.NewClient(&cfg.Database, logger)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("database: %w", err)
		}
		if err := client.Migrate(ctx); err != nil {
			_ = client.Close()
			a.Close(ctx)
			return nil, fmt.Errorf("database migration: %w", err)
		}
		a.DB = client
		recorder := db.NewRecorder(client, logger)
		events = append(events, recorder)
		reports = append(reports, recorder)
		_ = a.Health.RegisterChecker(health.NewDatabaseHealthChecker(client.DB().DB, logger))
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	}

	opts := orchestrator.Options{
		Providers:   a.Providers,
		Store:       knowledge.NewStore(),
		Planner:     cfg.Planner(),
		Credibility: cfg.Credibility(),
		EventSinks:  events,
		ReportSinks: reports,
		Logger:      logger,
	}
	if cfg.Policy.Enabled {
		engine, err := policy.NewOPAEngine(&cfg.Policy, logger)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("policy: %w", err)
		}
		a.Policy = engine
		opts.Admission = engine
	}

	a.Orchestrator, err = orchestrator.New(cfg.Research, opts)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	_ = a.Health.RegisterChecker(health.NewProviderHealthChecker(a.Providers))
	_ = a.Health.RegisterChecker(health.NewCustomHealthChecker("capacity", false, time.Second, a.capacityCheck))

	a.JWT = auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	a.startWatcher()
	return a, nil
}

func (a *App) buildProviders() error {
	limits, err := ratecontrol.New(a.Config.Providers.RateLimitsPath, a.Logger)
	if err != nil {
		return fmt.Errorf("rate limits: %w", err)
	}
	a.RateLimits = limits
	ps, err := providers.Build(a.Config.ProviderSettings(), limits, a.Logger)
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}
	if len(ps) == 0 {
		a.Logger.Warn("No search provider available; submissions will be rejected")
	}
	a.Providers = ps
	return nil
}

// startWatcher hot-reloads rate limits and admission policies. Failing to
// watch is logged; the service runs with the configuration it loaded.
func (a *App) startWatcher() {
	w, err := config.NewWatcher(a.Logger)
	if err != nil {
		a.Logger.Warn("Configuration hot reload disabled", zap.Error(err))
		return
	}
	watched := 0
	if err := w.WatchFile(a.RateLimits.Path(), a.RateLimits.Reload); err != nil {
		a.Logger.Warn("Rate limit file not watched", zap.Error(err))
	} else {
		watched++
	}
	if a.Policy != nil && a.Policy.IsEnabled() {
		if err := w.WatchDir(a.Config.Policy.Path, ".rego", a.Policy.LoadPolicies); err != nil {
			a.Logger.Warn("Policy directory not watched", zap.Error(err))
		} else {
			watched++
		}
	}
	if watched == 0 {
		_ = w.Stop()
		return
	}
	w.Start()
	a.Watcher = w
}

func (a *App) capacityCheck(context.Context) health.CheckResult {
	active, limit := a.Orchestrator.Active(), a.Config.Research.MaxActiveTasks
	res := health.CheckResult{
		Status:  health.StatusHealthy,
		Message: fmt.Sprintf("%d active task(s)", active),
		Details: map[string]interface{}{"active": active, "max_active": limit},
	}
	if limit > 0 && active >= limit {
		res.Status = health.StatusDegraded
		res.Message = "At task capacity"
	}
	return res
}

// Handler returns the HTTP API. Authentication is skipped when configured
// to or when no JWT secret is set.
func (a *App) Handler() http.Handler {
	skip := a.Config.Auth.SkipAuth || a.Config.Auth.JWTSecret == ""
	if skip {
		a.Logger.Warn("HTTP authentication disabled")
	}
	opts := httpapi.RouterOptions{
		Orchestrator: a.Orchestrator,
		Streams:      a.Streams,
		Auth:         auth.NewMiddleware(a.JWT, skip, a.Logger),
		Health:       a.Health,
		Logger:       a.Logger,
	}
	if a.Mirror != nil {
		opts.Mirror = a.Mirror
	}
	if a.Cache != nil {
		opts.Cache = a.Cache
	}
	if a.DB != nil {
		opts.Runs = a.DB
	}
	return httpapi.NewRouter(opts)
}

// Close stops the orchestrator first so sinks see every terminal result,
// then releases everything else in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Orchestrator != nil {
		if err := a.Orchestrator.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("orchestrator shutdown: %w", err))
		}
	}
	if a.Watcher != nil {
		if err := a.Watcher.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.stopMetrics != nil {
		close(a.stopMetrics)
		a.stopMetrics = nil
	}
	return errors.Join(errs...)
}
