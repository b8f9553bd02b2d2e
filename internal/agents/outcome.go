package agents

import (
	"time"

	"github.com/Kocoro-lab/research-orchestrator/internal/knowledge"
)

// OutcomeKind classifies a finished agent invocation.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomePartial
	OutcomeFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomePartial:
		return "partial"
	case OutcomeFailure:
		return "failure"
	default:
		return "none"
	}
}

// Result is what a single agent attempt produces.
type Result struct {
	Payloads []knowledge.Payload
	// Degraded is set when the attempt succeeded with reduced coverage.
	Degraded string
}

// Outcome is the only thing the orchestrator sees of an agent run.
type Outcome struct {
	Kind     OutcomeKind
	Records  []knowledge.Entry
	Reason   string
	Err      error
	Attempts int
	Duration time.Duration
}

func Success(records []knowledge.Entry) Outcome {
	return Outcome{Kind: OutcomeSuccess, Records: records}
}

func Partial(records []knowledge.Entry, reason string) Outcome {
	return Outcome{Kind: OutcomePartial, Records: records, Reason: reason}
}

func Failure(err error) Outcome {
	return Outcome{Kind: OutcomeFailure, Reason: err.Error(), Err: err}
}
