package agents

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/knowledge"
)

const AnalystName = "analyst"

// ReasonNoGatheredData is the partial reason of an Analysis run without sources.
const ReasonNoGatheredData = "no gathered data"

// Candidate is an insight before it is scored and stored.
type Candidate struct {
	Claim     string
	Summary   string
	KeyPoints []string
	Sources   []knowledge.SourceView
}

// InsightExtractor groups sources into candidate insights.
type InsightExtractor interface {
	Extract(sources []knowledge.SourceView) []Candidate
}

// LeadSentenceExtractor takes the lead sentence of every source as its
// claim and clusters sources whose claims share enough content words and
// the same polarity.
type LeadSentenceExtractor struct {
	Threshold    float64
	MaxKeyPoints int
}

type cluster struct {
	tokens  tokenSet
	negated bool
	claim   string
	summary string
	points  []string
	members []knowledge.SourceView
}

func (x LeadSentenceExtractor) Extract(sources []knowledge.SourceView) []Candidate {
	threshold := x.Threshold
	if threshold <= 0 {
		threshold = 0.5
	}
	maxPoints := x.MaxKeyPoints
	if maxPoints <= 0 {
		maxPoints = 3
	}

	ordered := append([]knowledge.SourceView(nil), sources...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Credibility > ordered[j].Credibility
	})

	var clusters []*cluster
	for _, src := range ordered {
		lead := leadSentence(src.Content)
		set := newTokenSet(lead)
		if len(set) == 0 {
			continue
		}
		neg := negated(lead)

		var best *cluster
		bestSim := 0.0
		for _, c := range clusters {
			if c.negated != neg {
				continue
			}
			if sim := jaccard(c.tokens, set); sim >= threshold && sim > bestSim {
				best, bestSim = c, sim
			}
		}
		if best == nil {
			clusters = append(clusters, &cluster{
				tokens:  set,
				negated: neg,
				claim:   lead,
				summary: clip(src.Content, 280),
				members: []knowledge.SourceView{src},
			})
			continue
		}
		best.members = append(best.members, src)
		if lead != best.claim && len(best.points) < maxPoints {
			best.points = append(best.points, lead)
		}
	}

	out := make([]Candidate, 0, len(clusters))
	for _, c := range clusters {
		points := c.points
		if len(points) < maxPoints {
			for _, s := range sentences(c.members[0].Content) {
				if len(points) >= maxPoints {
					break
				}
				if s != c.claim && len(tokens(s)) >= 3 {
					points = append(points, s)
				}
			}
		}
		out = append(out, Candidate{
			Claim:     c.claim,
			Summary:   c.summary,
			KeyPoints: points,
			Sources:   c.members,
		})
	}
	return out
}

// Analyst turns gathered sources into scored insights.
type Analyst struct {
	extractor  InsightExtractor
	confidence ConfidenceScorer
	logger     *zap.Logger
}

func NewAnalyst(extractor InsightExtractor, confidence ConfidenceScorer, logger *zap.Logger) *Analyst {
	if extractor == nil {
		extractor = LeadSentenceExtractor{}
	}
	if confidence == nil {
		confidence = CorroborationScorer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyst{extractor: extractor, confidence: confidence, logger: logger}
}

func (a *Analyst) Name() string  { return AnalystName }
func (a *Analyst) Phase() string { return PhaseAnalysis }

func (a *Analyst) Run(_ context.Context, task Task, store *knowledge.Store) (Result, error) {
	entries, err := store.GetByCategory(task.ID, knowledge.CategorySources)
	if err != nil {
		return Result{}, err
	}
	sources := knowledge.Sources(entries)
	if len(sources) == 0 {
		return Result{Degraded: ReasonNoGatheredData}, nil
	}

	candidates := a.extractor.Extract(sources)
	out := Result{Payloads: make([]knowledge.Payload, 0, len(candidates))}
	for _, c := range candidates {
		ids := make([]string, 0, len(c.Sources))
		for _, s := range c.Sources {
			ids = append(ids, s.EntryID)
		}
		out.Payloads = append(out.Payloads, knowledge.InsightRecord{
			Claim:         c.Claim,
			Summary:       c.Summary,
			KeyPoints:     c.KeyPoints,
			SourceIDs:     ids,
			Confidence:    a.confidence.Score(c.Sources),
			Corroboration: len(c.Sources),
		})
	}

	a.logger.Info("Analysis pass complete",
		zap.String("task_id", task.ID),
		zap.Int("pass", task.Pass),
		zap.Int("sources", len(sources)),
		zap.Int("insights", len(out.Payloads)),
	)
	return out, nil
}
