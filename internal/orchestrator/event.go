package orchestrator

import (
	"context"
	"time"

	"github.com/Kocoro-lab/research-orchestrator/internal/knowledge"
)

// Event is emitted every time a task enters a phase. Outcome and Reason
// describe how the previous phase ended; they are empty for Planning.
type Event struct {
	TaskID    string    `json:"task_id"`
	Seq       uint64    `json:"seq"`
	Phase     Phase     `json:"phase"`
	Prev      Phase     `json:"prev,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Cycle     int       `json:"cycle"`
	Pass      int       `json:"pass"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether this is the last event of the task.
func (e Event) Terminal() bool { return e.Phase.Terminal() }

// PhaseRun is one entry of a task's phase history.
type PhaseRun struct {
	Phase    Phase         `json:"phase"`
	Pass     int           `json:"pass"`
	Outcome  string        `json:"outcome"`
	Reason   string        `json:"reason,omitempty"`
	Records  int           `json:"records"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

// Diagnostics describes what happened to a task.
type Diagnostics struct {
	TaskID           string                  `json:"task_id"`
	Query            string                  `json:"query"`
	UserID           string                  `json:"user_id,omitempty"`
	Phase            Phase                   `json:"phase"`
	Cycles           int                     `json:"cycles"`
	Passes           int                     `json:"passes"`
	History          []PhaseRun              `json:"history"`
	ValidationErrors []string                `json:"validation_errors,omitempty"`
	Purge            *knowledge.PurgeSummary `json:"purge,omitempty"`
	SubmittedAt      time.Time               `json:"submitted_at"`
	FinishedAt       time.Time               `json:"finished_at,omitempty"`
}

// TaskResult is handed to report sinks once a task is terminal. Exactly
// one of Report and Err is set.
type TaskResult struct {
	TaskID      string
	Query       string
	Report      *knowledge.Report
	Err         error
	Diagnostics Diagnostics
}

// EventSink receives every event of every task. Failures are logged and
// never affect the task.
type EventSink interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// ReportSink receives every terminal task result.
type ReportSink interface {
	HandleResult(ctx context.Context, res TaskResult) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, ev Event) error

func (f EventSinkFunc) HandleEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Admitter decides whether a query may be researched.
type Admitter interface {
	Admit(ctx context.Context, req AdmissionRequest) error
}

// AdmissionRequest is the input of an admission decision.
type AdmissionRequest struct {
	Query       string
	UserID      string
	Providers   []string
	ActiveTasks int
}
