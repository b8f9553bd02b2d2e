package agents

// Phase names shared with the orchestrator.
const (
	PhasePlanning   = "planning"
	PhaseGathering  = "gathering"
	PhaseAnalysis   = "analysis"
	PhaseValidation = "validation"
	PhaseSynthesis  = "synthesis"
)

// Task is the read-only view of a research task handed to agents.
type Task struct {
	ID    string
	Query string
	// Queries is the plan produced during Planning.
	Queries []string
	// FocusQuery replaces Queries on re-gather passes.
	FocusQuery string
	// Pass counts Gathering passes, starting at 1. Analysis and Validation
	// share the pass number of the Gathering run they consume.
	Pass  int
	Cycle int
	Phase string

	cancelled <-chan struct{}
}

// NewTask builds a task whose cancellation is signalled by closing done.
func NewTask(id, query string, done <-chan struct{}) Task {
	return Task{ID: id, Query: query, Pass: 1, cancelled: done}
}

// Cancelled is closed once the task has been cancelled. A task built
// without a channel is never cancelled.
func (t Task) Cancelled() <-chan struct{} { return t.cancelled }

func (t Task) IsCancelled() bool {
	if t.cancelled == nil {
		return false
	}
	select {
	case <-t.cancelled:
		return true
	default:
		return false
	}
}

// SearchQueries returns what the Researcher should send to providers.
func (t Task) SearchQueries() []string {
	if t.FocusQuery != "" {
		return []string{t.FocusQuery}
	}
	if len(t.Queries) > 0 {
		return t.Queries
	}
	return []string{t.Query}
}
