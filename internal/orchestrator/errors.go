package orchestrator

import (
	"errors"
	"fmt"

	"github.com/Kocoro-lab/research-orchestrator/internal/agents"
)

var (
	// ErrCancelled is returned by Result for cancelled tasks.
	ErrCancelled = agents.ErrCancelled
	// ErrAlreadySubscribed is returned by a second Subscribe on a handle.
	ErrAlreadySubscribed = errors.New("task events already subscribed")
	// ErrAdmissionDenied is returned by Submit when policy refuses a query.
	ErrAdmissionDenied = errors.New("research query denied by admission policy")
	// ErrUnknownTask is returned by lookups of tasks that were never
	// submitted or have been evicted.
	ErrUnknownTask = errors.New("unknown research task")
	// ErrShuttingDown is returned by Submit after Shutdown began.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// ConfigError reports a configuration that cannot run any task. No task
// is created when Submit returns it.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// ValidationError records a Validation pass that asked for more data. It
// drives a re-gather and never fails a task on its own.
type ValidationError struct {
	Cycle      int
	Flagged    int
	FocusQuery string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation cycle %d: %d insight(s) need more data, re-gathering with %q",
		e.Cycle, e.Flagged, e.FocusQuery)
}

// TaskError is the terminal error of a failed task.
type TaskError struct {
	Phase  Phase
	Reason string
	Cause  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("research failed during %s phase: %s", e.Phase, e.Reason)
}

func (e *TaskError) Unwrap() error { return e.Cause }

// UserMessage is the short form shown to end users.
func (e *TaskError) UserMessage() string {
	return fmt.Sprintf("Research failed during %s phase.", e.Phase)
}
