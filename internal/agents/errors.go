package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Kocoro-lab/research-orchestrator/internal/providers"
)

// ErrCancelled marks work abandoned because the task was cancelled.
var ErrCancelled = errors.New("cancelled")

// ErrAttemptTimeout wraps an attempt cut off by the per-attempt timeout.
var ErrAttemptTimeout = errors.New("attempt timed out")

// PhaseTimeoutError reports that a phase's aggregate deadline expired.
type PhaseTimeoutError struct {
	Phase string
	Err   error
}

func (e *PhaseTimeoutError) Error() string {
	if e.Err != nil && !errors.Is(e.Err, context.DeadlineExceeded) {
		return fmt.Sprintf("%s phase deadline exceeded: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("%s phase deadline exceeded", e.Phase)
}

func (e *PhaseTimeoutError) Unwrap() error { return e.Err }

// GatherError is returned when every provider call of a gathering pass failed.
type GatherError struct {
	Failures []error
}

func (e *GatherError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	return "all search providers failed: " + strings.Join(parts, "; ")
}

func (e *GatherError) Unwrap() []error { return e.Failures }

// Retryable decides whether an attempt error is worth another attempt.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrCancelled) {
		return false
	}
	var ge *GatherError
	if errors.As(err, &ge) {
		return false
	}
	var pt *PhaseTimeoutError
	if errors.As(err, &pt) {
		return false
	}
	if errors.Is(err, ErrAttemptTimeout) {
		return true
	}
	return providers.IsTransient(err)
}
