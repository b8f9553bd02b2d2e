package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisWrapper guards a go-redis client with a circuit breaker. redis.Nil
// is a normal miss and never counts as a failure.
type RedisWrapper struct {
	client  *redis.Client
	cb      *CircuitBreaker
	service string
}

func NewRedisWrapper(client *redis.Client, service string, logger *zap.Logger) *RedisWrapper {
	cfg := RedisSettings().ToConfig()
	cfg.IsFailure = func(err error) bool { return !errors.Is(err, redis.Nil) }
	cb := NewCircuitBreaker("redis", cfg, logger)
	GlobalMetricsCollector.RegisterCircuitBreaker("redis", service, cb)
	return &RedisWrapper{client: client, cb: cb, service: service}
}

func (rw *RedisWrapper) run(ctx context.Context, fn func() error) error {
	err := rw.cb.Execute(ctx, fn)
	GlobalMetricsCollector.RecordRequest("redis", rw.service, rw.cb.State(), err == nil || errors.Is(err, redis.Nil))
	return err
}

func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	var cmd *redis.StatusCmd
	if err := rw.run(ctx, func() error {
		cmd = rw.client.Ping(ctx)
		return cmd.Err()
	}); err != nil && cmd == nil {
		cmd = redis.NewStatusCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	var cmd *redis.StringCmd
	if err := rw.run(ctx, func() error {
		cmd = rw.client.Get(ctx, key)
		return cmd.Err()
	}); err != nil && cmd == nil {
		cmd = redis.NewStringCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	var cmd *redis.StatusCmd
	if err := rw.run(ctx, func() error {
		cmd = rw.client.Set(ctx, key, value, expiration)
		return cmd.Err()
	}); err != nil && cmd == nil {
		cmd = redis.NewStatusCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var cmd *redis.IntCmd
	if err := rw.run(ctx, func() error {
		cmd = rw.client.Del(ctx, keys...)
		return cmd.Err()
	}); err != nil && cmd == nil {
		cmd = redis.NewIntCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

// PushCapped prepends value to a list and trims it to size entries.
func (rw *RedisWrapper) PushCapped(ctx context.Context, key string, value interface{}, size int64) error {
	return rw.run(ctx, func() error {
		pipe := rw.client.TxPipeline()
		pipe.LPush(ctx, key, value)
		pipe.LTrim(ctx, key, 0, size-1)
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (rw *RedisWrapper) LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	var cmd *redis.StringSliceCmd
	if err := rw.run(ctx, func() error {
		cmd = rw.client.LRange(ctx, key, start, stop)
		return cmd.Err()
	}); err != nil && cmd == nil {
		cmd = redis.NewStringSliceCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (rw *RedisWrapper) Close() error { return rw.client.Close() }

// IsCircuitBreakerOpen reports whether calls are currently short-circuited.
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
