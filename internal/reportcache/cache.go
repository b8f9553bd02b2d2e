// Package reportcache keeps finished research results in Redis so they
// outlive the orchestrator's in-memory retention.
package reportcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/circuitbreaker"
	"github.com/Kocoro-lab/research-orchestrator/internal/knowledge"
	"github.com/Kocoro-lab/research-orchestrator/internal/metrics"
	"github.com/Kocoro-lab/research-orchestrator/internal/orchestrator"
)

// ErrMiss is returned by Get when nothing is cached for a task.
var ErrMiss = errors.New("report not cached")

const (
	keyPrefix  = "research:report:"
	recentKey  = "research:recent"
	recentSize = 100
)

// Entry is the cached form of a terminal task result.
type Entry struct {
	TaskID      string                   `json:"task_id"`
	Query       string                   `json:"query"`
	Status      string                   `json:"status"`
	Report      *knowledge.Report        `json:"report,omitempty"`
	Error       string                   `json:"error,omitempty"`
	Diagnostics orchestrator.Diagnostics `json:"diagnostics"`
	CachedAt    time.Time                `json:"cached_at"`
}

type Cache struct {
	redis  *circuitbreaker.RedisWrapper
	ttl    time.Duration
	logger *zap.Logger
}

func New(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		redis:  circuitbreaker.NewRedisWrapper(client, "report-cache", logger),
		ttl:    ttl,
		logger: logger,
	}
}

func key(taskID string) string { return keyPrefix + taskID }

// HandleResult stores res and records its task ID in the recent list.
func (c *Cache) HandleResult(ctx context.Context, res orchestrator.TaskResult) error {
	entry := Entry{
		TaskID:      res.TaskID,
		Query:       res.Query,
		Status:      statusOf(res.Err),
		Report:      res.Report,
		Diagnostics: res.Diagnostics,
		CachedAt:    time.Now().UTC(),
	}
	if res.Err != nil {
		entry.Error = res.Err.Error()
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cached report: %w", err)
	}
	if err := c.redis.Set(ctx, key(res.TaskID), body, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache report %s: %w", res.TaskID, err)
	}
	if err := c.redis.PushCapped(ctx, recentKey, res.TaskID, recentSize); err != nil {
		c.logger.Warn("Failed to record recent task", zap.String("task_id", res.TaskID), zap.Error(err))
	}
	return nil
}

func (c *Cache) Get(ctx context.Context, taskID string) (*Entry, error) {
	raw, err := c.redis.Get(ctx, key(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.ReportCacheMisses.Inc()
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	metrics.ReportCacheHits.Inc()
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode cached report %s: %w", taskID, err)
	}
	return &entry, nil
}

// Recent returns up to n task IDs, newest first.
func (c *Cache) Recent(ctx context.Context, n int) ([]string, error) {
	if n <= 0 || n > recentSize {
		n = recentSize
	}
	return c.redis.LRange(ctx, recentKey, 0, int64(n-1)).Result()
}

func (c *Cache) Evict(ctx context.Context, taskID string) error {
	return c.redis.Del(ctx, key(taskID)).Err()
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return "done"
	case errors.Is(err, orchestrator.ErrCancelled):
		return "cancelled"
	default:
		return "failed"
	}
}

// Redis exposes the guarded client for health checks.
func (c *Cache) Redis() *circuitbreaker.RedisWrapper { return c.redis }
