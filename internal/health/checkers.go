package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/providers"
)

// RedisPinger is satisfied by circuitbreaker.RedisWrapper.
type RedisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
	IsCircuitBreakerOpen() bool
}

// RedisHealthChecker checks Redis connectivity. Redis only backs the
// report cache, so it is not critical.
type RedisHealthChecker struct {
	redis   RedisPinger
	logger  *zap.Logger
	timeout time.Duration
}

func NewRedisHealthChecker(r RedisPinger, logger *zap.Logger) *RedisHealthChecker {
	return &RedisHealthChecker{redis: r, logger: logger, timeout: 5 * time.Second}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return false }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{Component: "redis", Timestamp: startTime}

	if r.redis.IsCircuitBreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "Redis circuit breaker is open"
		result.Duration = time.Since(startTime)
		return result
	}

	err := r.redis.Ping(ctx).Err()
	result.Duration = time.Since(startTime)
	result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds()}

	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Redis ping failed"
	case result.Duration > 100*time.Millisecond:
		result.Status = StatusDegraded
		result.Message = "Redis responding but with high latency"
	default:
		result.Status = StatusHealthy
		result.Message = "Redis healthy"
	}
	return result
}

// DatabaseHealthChecker checks the run history database.
type DatabaseHealthChecker struct {
	db      *sql.DB
	logger  *zap.Logger
	timeout time.Duration
}

func NewDatabaseHealthChecker(db *sql.DB, logger *zap.Logger) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{db: db, logger: logger, timeout: 5 * time.Second}
}

func (d *DatabaseHealthChecker) Name() string           { return "database" }
func (d *DatabaseHealthChecker) IsCritical() bool       { return false }
func (d *DatabaseHealthChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{Component: "database", Timestamp: startTime}

	err := d.db.PingContext(ctx)
	result.Duration = time.Since(startTime)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Database ping failed"
		return result
	}

	stats := d.db.Stats()
	if stats.OpenConnections >= stats.MaxOpenConnections && stats.MaxOpenConnections > 0 && stats.Idle == 0 {
		result.Status = StatusDegraded
		result.Message = "Database connection pool exhausted"
	} else if result.Duration > 100*time.Millisecond {
		result.Status = StatusDegraded
		result.Message = "Database responding but with high latency"
	} else {
		result.Status = StatusHealthy
		result.Message = "Database healthy"
	}
	result.Details = map[string]interface{}{
		"latency_ms":           result.Duration.Milliseconds(),
		"open_connections":     stats.OpenConnections,
		"max_open_connections": stats.MaxOpenConnections,
		"in_use_connections":   stats.InUse,
	}
	return result
}

// breakerReporter is implemented by providers wrapped in a circuit breaker.
type breakerReporter interface {
	BreakerOpen() bool
}

// ProviderHealthChecker reports unhealthy when every search provider has
// an open breaker, degraded when only some have.
type ProviderHealthChecker struct {
	providers []providers.Provider
}

func NewProviderHealthChecker(ps []providers.Provider) *ProviderHealthChecker {
	return &ProviderHealthChecker{providers: ps}
}

func (p *ProviderHealthChecker) Name() string           { return "search_providers" }
func (p *ProviderHealthChecker) IsCritical() bool       { return true }
func (p *ProviderHealthChecker) Timeout() time.Duration { return time.Second }

func (p *ProviderHealthChecker) Check(_ context.Context) CheckResult {
	result := CheckResult{Component: "search_providers", Timestamp: time.Now()}
	if len(p.providers) == 0 {
		result.Status = StatusUnhealthy
		result.Message = "No search provider configured"
		return result
	}

	var open []string
	for _, pr := range p.providers {
		if br, ok := pr.(breakerReporter); ok && br.BreakerOpen() {
			open = append(open, pr.Name())
		}
	}
	result.Details = map[string]interface{}{
		"configured":    len(p.providers),
		"breakers_open": open,
	}
	switch {
	case len(open) == len(p.providers):
		result.Status = StatusUnhealthy
		result.Message = "All search providers are failing"
	case len(open) > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d search provider(s) failing", len(open), len(p.providers))
	default:
		result.Status = StatusHealthy
		result.Message = "Search providers healthy"
	}
	return result
}

// CustomHealthChecker allows for custom health check logic
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{name: name, critical: critical, timeout: timeout, checkFn: checkFn}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}
