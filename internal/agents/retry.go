package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/providers"
)

// RetryPolicy bounds how often and how fast an operation is retried.
type RetryPolicy struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		AttemptTimeout:  20 * time.Second,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     8 * time.Second,
		Multiplier:      2,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	return p
}

// Retrier runs an operation under a RetryPolicy. Only errors accepted by
// Retryable are retried. Waiting between attempts stops as soon as the task
// is cancelled or the phase deadline passes.
type Retrier struct {
	policy    RetryPolicy
	retryable func(error) bool
	logger    *zap.Logger
}

func NewRetrier(policy RetryPolicy, logger *zap.Logger) *Retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{policy: policy.withDefaults(), retryable: Retryable, logger: logger}
}

func (r *Retrier) Policy() RetryPolicy { return r.policy }

func (r *Retrier) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval
	b.Multiplier = r.policy.Multiplier
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Do calls fn until it succeeds, fails permanently or attempts run out. It
// returns the number of attempts made. ctx carries the phase deadline.
func (r *Retrier) Do(ctx context.Context, task Task, op string, fn func(context.Context) error) (int, error) {
	b := r.newBackOff()
	var last error
	for attempt := 1; ; attempt++ {
		if task.IsCancelled() {
			return attempt - 1, ErrCancelled
		}
		if ctx.Err() != nil {
			return attempt - 1, r.stopped(ctx, task, last)
		}

		actx, cancel := ctx, context.CancelFunc(func() {})
		if r.policy.AttemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, r.policy.AttemptTimeout)
		}
		err := fn(actx)
		expired := errors.Is(actx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			return attempt, nil
		}
		if task.IsCancelled() {
			return attempt, ErrCancelled
		}
		if ctx.Err() != nil {
			return attempt, r.stopped(ctx, task, err)
		}
		if expired && !errors.Is(err, ErrAttemptTimeout) {
			err = fmt.Errorf("%w: %w", ErrAttemptTimeout, err)
		}
		last = err

		if !r.retryable(err) || attempt >= r.policy.MaxAttempts {
			return attempt, err
		}

		wait := b.NextBackOff()
		if ra := providers.RetryAfter(err); ra > wait {
			wait = ra
		}
		r.logger.Warn("Retrying after transient error",
			zap.String("task_id", task.ID),
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-task.Cancelled():
			timer.Stop()
			return attempt, ErrCancelled
		case <-ctx.Done():
			timer.Stop()
			return attempt, r.stopped(ctx, task, err)
		}
	}
}

func (r *Retrier) stopped(ctx context.Context, task Task, last error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if last == nil {
			last = ctx.Err()
		}
		return &PhaseTimeoutError{Phase: task.Phase, Err: last}
	}
	return ErrCancelled
}
