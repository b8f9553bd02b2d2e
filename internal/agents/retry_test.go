package agents

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/research-orchestrator/internal/providers"
)

func TestRetrierRetriesTransientErrors(t *testing.T) {
	r := NewRetrier(fastPolicy(), zaptest.NewLogger(t))
	calls := 0
	attempts, err := r.Do(context.Background(), NewTask("t", "q", nil), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return providers.Transient("brave", errors.New("503"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestRetrierStopsAtMaxAttempts(t *testing.T) {
	r := NewRetrier(fastPolicy(), zaptest.NewLogger(t))
	calls := 0
	attempts, err := r.Do(context.Background(), NewTask("t", "q", nil), "op", func(context.Context) error {
		calls++
		return providers.Transient("brave", errors.New("503"))
	})
	assert.True(t, providers.IsTransient(err))
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestRetrierDoesNotRetryPermanentErrors(t *testing.T) {
	r := NewRetrier(fastPolicy(), zaptest.NewLogger(t))
	calls := 0
	_, err := r.Do(context.Background(), NewTask("t", "q", nil), "op", func(context.Context) error {
		calls++
		return providers.Permanent("brave", errors.New("401"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	calls = 0
	_, err = r.Do(context.Background(), NewTask("t", "q", nil), "op", func(context.Context) error {
		calls++
		return &GatherError{Failures: []error{providers.Transient("brave", errors.New("503"))}}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "a failed gathering pass is final")
}

func TestRetrierCancelledBeforeFirstAttempt(t *testing.T) {
	done := make(chan struct{})
	close(done)
	called := false
	attempts, err := NewRetrier(fastPolicy(), zaptest.NewLogger(t)).Do(context.Background(), NewTask("t", "q", done), "op", func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.False(t, called)
	assert.Equal(t, 0, attempts)
}

func TestRetrierCancelledDuringBackoff(t *testing.T) {
	policy := fastPolicy()
	policy.InitialInterval = 10 * time.Second
	policy.MaxInterval = 10 * time.Second
	r := NewRetrier(policy, zaptest.NewLogger(t))

	done := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(done)
	}()

	start := time.Now()
	attempts, err := r.Do(context.Background(), NewTask("t", "q", done), "op", func(context.Context) error {
		return providers.Transient("brave", errors.New("503"))
	})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 1, attempts)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRetrierAttemptTimeoutIsRetried(t *testing.T) {
	policy := fastPolicy()
	policy.MaxAttempts = 2
	policy.AttemptTimeout = 10 * time.Millisecond
	r := NewRetrier(policy, zaptest.NewLogger(t))

	attempts, err := r.Do(context.Background(), NewTask("t", "q", nil), "op", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.Equal(t, 2, attempts)
	assert.ErrorIs(t, err, ErrAttemptTimeout)
}

func TestRetrierPhaseDeadline(t *testing.T) {
	policy := fastPolicy()
	policy.InitialInterval = time.Second
	policy.MaxInterval = time.Second
	r := NewRetrier(policy, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	task := NewTask("t", "q", nil)
	task.Phase = PhaseGathering
	_, err := r.Do(ctx, task, "op", func(context.Context) error {
		return providers.Transient("brave", errors.New("503"))
	})
	var pt *PhaseTimeoutError
	require.ErrorAs(t, err, &pt)
	assert.Equal(t, PhaseGathering, pt.Phase)
	assert.True(t, providers.IsTransient(err), "the last provider error stays reachable")
}

func TestRetrierHonoursRetryAfter(t *testing.T) {
	r := NewRetrier(fastPolicy(), zaptest.NewLogger(t))
	calls := 0
	start := time.Now()
	_, err := r.Do(context.Background(), NewTask("t", "q", nil), "op", func(context.Context) error {
		calls++
		if calls == 1 {
			return &providers.Error{Provider: "brave", Transient: true, StatusCode: 429, RetryAfter: 50 * time.Millisecond, Err: errors.New("slow down")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}
