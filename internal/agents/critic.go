package agents

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/knowledge"
)

const CriticName = "critic"

// CriticConfig holds the validation thresholds.
type CriticConfig struct {
	// MinCorroboration is the number of supporting sources an insight needs
	// before it can be accepted.
	MinCorroboration int `mapstructure:"min_corroboration"`
	// MinConfidence rejects insights scored below it.
	MinConfidence float64 `mapstructure:"min_confidence"`
	// SupportThreshold is the share of claim words a source must contain
	// to count as supporting the claim.
	SupportThreshold float64 `mapstructure:"support_threshold"`
	// ContradictionThreshold is the word overlap above which two insights
	// of opposite polarity contradict each other.
	ContradictionThreshold float64 `mapstructure:"contradiction_threshold"`
}

func DefaultCriticConfig() CriticConfig {
	return CriticConfig{
		MinCorroboration:       2,
		MinConfidence:          0.35,
		SupportThreshold:       0.6,
		ContradictionThreshold: 0.5,
	}
}

func (c CriticConfig) withDefaults() CriticConfig {
	d := DefaultCriticConfig()
	if c.MinCorroboration <= 0 {
		c.MinCorroboration = d.MinCorroboration
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = d.MinConfidence
	}
	if c.SupportThreshold <= 0 {
		c.SupportThreshold = d.SupportThreshold
	}
	if c.ContradictionThreshold <= 0 {
		c.ContradictionThreshold = d.ContradictionThreshold
	}
	return c
}

// Critic checks every insight of the current pass against its cited
// sources and against the other insights.
type Critic struct {
	cfg    CriticConfig
	logger *zap.Logger
}

func NewCritic(cfg CriticConfig, logger *zap.Logger) *Critic {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Critic{cfg: cfg.withDefaults(), logger: logger}
}

func (c *Critic) Name() string  { return CriticName }
func (c *Critic) Phase() string { return PhaseValidation }

func (c *Critic) Run(_ context.Context, task Task, store *knowledge.Store) (Result, error) {
	insightEntries, err := store.GetByCategory(task.ID, knowledge.CategoryInsights)
	if err != nil {
		return Result{}, err
	}
	sourceEntries, err := store.GetByCategory(task.ID, knowledge.CategorySources)
	if err != nil {
		return Result{}, err
	}

	insights := knowledge.Insights(knowledge.InPass(insightEntries, task.Pass))
	sources := make(map[string]knowledge.SourceView)
	for _, s := range knowledge.Sources(sourceEntries) {
		sources[s.EntryID] = s
	}

	claims := make([]tokenSet, len(insights))
	polarity := make([]bool, len(insights))
	for i, in := range insights {
		claims[i] = newTokenSet(in.Claim)
		polarity[i] = negated(in.Claim)
	}

	contradicts := make(map[int]string)
	for i := range insights {
		for j := i + 1; j < len(insights); j++ {
			if polarity[i] == polarity[j] {
				continue
			}
			if jaccard(claims[i], claims[j]) >= c.cfg.ContradictionThreshold {
				if _, ok := contradicts[i]; !ok {
					contradicts[i] = insights[j].EntryID
				}
				if _, ok := contradicts[j]; !ok {
					contradicts[j] = insights[i].EntryID
				}
			}
		}
	}

	out := Result{Payloads: make([]knowledge.Payload, 0, len(insights))}
	counts := make(map[knowledge.Verdict]int)
	for i, in := range insights {
		supported := 0
		for _, id := range in.SourceIDs {
			src, ok := sources[id]
			if !ok {
				continue
			}
			if coverage(claims[i], newTokenSet(src.Title+" "+src.Content)) >= c.cfg.SupportThreshold {
				supported++
			}
		}

		note := knowledge.ValidationNote{InsightID: in.EntryID, SupportingSources: supported}
		switch other, conflict := contradicts[i]; {
		case supported == 0:
			note.Verdict = knowledge.VerdictRejected
			note.Rationale = "no cited source supports the claim"
		case conflict:
			note.Verdict = knowledge.VerdictNeedsMoreData
			note.Contradicts = other
			note.Rationale = "claim contradicts another insight"
		case supported < c.cfg.MinCorroboration:
			note.Verdict = knowledge.VerdictNeedsMoreData
			note.Rationale = fmt.Sprintf("only %d of %d required supporting sources", supported, c.cfg.MinCorroboration)
		case in.Confidence < c.cfg.MinConfidence:
			note.Verdict = knowledge.VerdictRejected
			note.Rationale = fmt.Sprintf("confidence %.2f below %.2f", in.Confidence, c.cfg.MinConfidence)
		default:
			note.Verdict = knowledge.VerdictAccepted
			note.Rationale = fmt.Sprintf("supported by %d sources", supported)
		}
		counts[note.Verdict]++
		out.Payloads = append(out.Payloads, note)
	}

	c.logger.Info("Validation pass complete",
		zap.String("task_id", task.ID),
		zap.Int("pass", task.Pass),
		zap.Int("accepted", counts[knowledge.VerdictAccepted]),
		zap.Int("rejected", counts[knowledge.VerdictRejected]),
		zap.Int("needs_more_data", counts[knowledge.VerdictNeedsMoreData]),
	)
	return out, nil
}

// NeedsMoreData returns the insights of a pass flagged for more data.
func NeedsMoreData(insights []knowledge.InsightView, notes []knowledge.NoteView) []knowledge.InsightView {
	flagged := make(map[string]bool)
	for _, n := range notes {
		if n.Verdict == knowledge.VerdictNeedsMoreData {
			flagged[n.InsightID] = true
		}
	}
	var out []knowledge.InsightView
	for _, in := range insights {
		if flagged[in.EntryID] {
			out = append(out, in)
		}
	}
	return out
}
