package orchestrator

import (
	"fmt"

	"github.com/Kocoro-lab/research-orchestrator/internal/agents"
)

// Phase is one stage of the research workflow. Exactly one is active per
// task at any time.
type Phase int

const (
	PhasePlanning Phase = iota + 1
	PhaseGathering
	PhaseAnalysis
	PhaseValidation
	PhaseSynthesis
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhasePlanning:
		return agents.PhasePlanning
	case PhaseGathering:
		return agents.PhaseGathering
	case PhaseAnalysis:
		return agents.PhaseAnalysis
	case PhaseValidation:
		return agents.PhaseValidation
	case PhaseSynthesis:
		return agents.PhaseSynthesis
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the phase name in JSON and logs.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Terminal reports whether no further transition can happen.
func (p Phase) Terminal() bool { return p == PhaseDone || p == PhaseFailed }

// transitions lists the legal successors of every non-terminal phase.
// Validation may loop back to Gathering; every phase may fail.
var transitions = map[Phase][]Phase{
	0:               {PhasePlanning},
	PhasePlanning:   {PhaseGathering, PhaseFailed},
	PhaseGathering:  {PhaseAnalysis, PhaseFailed},
	PhaseAnalysis:   {PhaseValidation, PhaseFailed},
	PhaseValidation: {PhaseSynthesis, PhaseGathering, PhaseFailed},
	PhaseSynthesis:  {PhaseDone, PhaseFailed},
}

// CanTransition reports whether to may follow from.
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// ParsePhase is the inverse of String.
func ParsePhase(s string) (Phase, bool) {
	for p := PhasePlanning; p <= PhaseFailed; p++ {
		if p.String() == s {
			return p, true
		}
	}
	return 0, false
}

func (p *Phase) UnmarshalText(b []byte) error {
	parsed, ok := ParsePhase(string(b))
	if !ok {
		return fmt.Errorf("unknown phase %q", string(b))
	}
	*p = parsed
	return nil
}
