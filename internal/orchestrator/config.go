package orchestrator

import (
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/agents"
	"github.com/Kocoro-lab/research-orchestrator/internal/knowledge"
	"github.com/Kocoro-lab/research-orchestrator/internal/providers"
)

// Config is built once at startup and never changes for a running
// orchestrator.
type Config struct {
	PlanningTimeout   time.Duration `mapstructure:"planning_timeout"`
	GatheringTimeout  time.Duration `mapstructure:"gathering_timeout"`
	AnalysisTimeout   time.Duration `mapstructure:"analysis_timeout"`
	ValidationTimeout time.Duration `mapstructure:"validation_timeout"`
	SynthesisTimeout  time.Duration `mapstructure:"synthesis_timeout"`

	// MaxReGatherCycles bounds Validation to Gathering loops; a task makes
	// at most MaxReGatherCycles+1 Gathering passes.
	MaxReGatherCycles int `mapstructure:"max_regather_cycles"`
	// MaxActiveTasks refuses submissions beyond this many running tasks.
	// Zero means unlimited.
	MaxActiveTasks int `mapstructure:"max_active_tasks"`
	// RetainFinished keeps terminal tasks available to Lookup.
	RetainFinished time.Duration `mapstructure:"retain_finished"`

	Retry      agents.RetryPolicy      `mapstructure:"retry"`
	Researcher agents.ResearcherConfig `mapstructure:"researcher"`
	Critic     agents.CriticConfig     `mapstructure:"critic"`
}

func DefaultConfig() Config {
	return Config{
		PlanningTimeout:   5 * time.Second,
		GatheringTimeout:  90 * time.Second,
		AnalysisTimeout:   30 * time.Second,
		ValidationTimeout: 30 * time.Second,
		SynthesisTimeout:  30 * time.Second,
		MaxReGatherCycles: 2,
		RetainFinished:    10 * time.Minute,
		Retry:             agents.DefaultRetryPolicy(),
		Researcher:        agents.DefaultResearcherConfig(),
		Critic:            agents.DefaultCriticConfig(),
	}
}

func (c Config) validate() error {
	if c.MaxReGatherCycles < 0 {
		return &ConfigError{Field: "max_regather_cycles", Reason: "must not be negative"}
	}
	for _, p := range []Phase{PhasePlanning, PhaseGathering, PhaseAnalysis, PhaseValidation, PhaseSynthesis} {
		if c.timeout(p) <= 0 {
			return &ConfigError{Field: p.String() + "_timeout", Reason: "must be positive"}
		}
	}
	return nil
}

func (c Config) timeout(p Phase) time.Duration {
	switch p {
	case PhasePlanning:
		return c.PlanningTimeout
	case PhaseGathering:
		return c.GatheringTimeout
	case PhaseAnalysis:
		return c.AnalysisTimeout
	case PhaseValidation:
		return c.ValidationTimeout
	case PhaseSynthesis:
		return c.SynthesisTimeout
	}
	return 0
}

// Options carries the collaborators of an orchestrator. Only Providers is
// required for Submit to succeed; everything else has a default.
type Options struct {
	Providers   []providers.Provider
	Store       *knowledge.Store
	Planner     agents.Planner
	Credibility agents.CredibilityScorer
	Extractor   agents.InsightExtractor
	Confidence  agents.ConfidenceScorer
	FollowUp    agents.FollowUpDeriver
	Admission   Admitter
	EventSinks  []EventSink
	ReportSinks []ReportSink
	Logger      *zap.Logger

	// Agents replaces the default agent of a phase.
	Agents map[Phase]agents.Agent
}
