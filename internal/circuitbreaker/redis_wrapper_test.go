package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap/zaptest"
)

func TestRedisWrapper_NormalOperations(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	wrapper := NewRedisWrapper(client, "report-cache-test", zaptest.NewLogger(t))
	ctx := context.Background()

	if err := wrapper.Ping(ctx).Err(); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
	if err := wrapper.Set(ctx, "report:1", "body", time.Minute).Err(); err != nil {
		t.Errorf("Set failed: %v", err)
	}
	got := wrapper.Get(ctx, "report:1")
	if got.Err() != nil || got.Val() != "body" {
		t.Errorf("Expected 'body', got %q (%v)", got.Val(), got.Err())
	}

	for _, id := range []string{"a", "b", "c"} {
		if err := wrapper.PushCapped(ctx, "recent", id, 2); err != nil {
			t.Fatalf("PushCapped failed: %v", err)
		}
	}
	recent := wrapper.LRange(ctx, "recent", 0, -1)
	if recent.Err() != nil || len(recent.Val()) != 2 || recent.Val()[0] != "c" {
		t.Errorf("Expected [c b], got %v (%v)", recent.Val(), recent.Err())
	}

	del := wrapper.Del(ctx, "report:1")
	if del.Err() != nil || del.Val() != 1 {
		t.Errorf("Expected 1 deleted key, got %d (%v)", del.Val(), del.Err())
	}
}

func TestRedisWrapper_CircuitBreakerTriggering(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:9999",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	wrapper := NewRedisWrapper(client, "report-cache-test", zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if wrapper.Ping(ctx).Err() == nil {
			t.Error("Expected ping to fail against non-existent server")
		}
	}
	if !wrapper.IsCircuitBreakerOpen() {
		t.Error("Expected circuit breaker to be open after repeated failures")
	}
	if err := wrapper.Get(ctx, "any:key").Err(); err != ErrCircuitBreakerOpen {
		t.Errorf("Expected circuit breaker open error, got %v", err)
	}
}

func TestRedisWrapper_RedisNilHandling(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	wrapper := NewRedisWrapper(client, "report-cache-test", zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := wrapper.Get(ctx, "missing").Err(); err != redis.Nil {
			t.Errorf("Expected redis.Nil, got %v", err)
		}
	}
	if wrapper.IsCircuitBreakerOpen() {
		t.Error("Circuit breaker should remain closed for redis.Nil results")
	}
}
