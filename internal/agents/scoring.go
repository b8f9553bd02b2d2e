package agents

import (
	"net/url"
	"strings"

	"github.com/Kocoro-lab/research-orchestrator/internal/knowledge"
)

// CredibilityScorer rates a gathered source in [0,1].
type CredibilityScorer interface {
	Score(rec knowledge.SourceRecord) float64
}

// ConfidenceScorer rates an insight from the sources supporting it.
type ConfidenceScorer interface {
	Score(sources []knowledge.SourceView) float64
}

// TrustScorer scores by provider trust weight and adds a bonus for every
// additional provider that returned the same content.
type TrustScorer struct {
	Weights            map[string]float64
	DefaultWeight      float64
	CorroborationBonus float64
}

func DefaultTrustScorer() TrustScorer {
	return TrustScorer{DefaultWeight: 0.6, CorroborationBonus: 0.1}
}

func (s TrustScorer) weight(provider string) float64 {
	if w, ok := s.Weights[strings.ToLower(provider)]; ok {
		return w
	}
	if s.DefaultWeight > 0 {
		return s.DefaultWeight
	}
	return 0.6
}

func (s TrustScorer) Score(rec knowledge.SourceRecord) float64 {
	providers := rec.Providers
	if len(providers) == 0 {
		providers = []string{rec.Provider}
	}
	best := 0.0
	for _, p := range providers {
		best = max(best, s.weight(p))
	}
	return clamp(best+s.CorroborationBonus*float64(len(providers)-1), 0, 1)
}

var reputableDomains = []string{
	"reuters.com", "bbc.com", "cnn.com", "techcrunch.com", "theverge.com",
	"arstechnica.com", "wired.com", "guardian.com", "nytimes.com", "wsj.com",
	"nature.com", "science.org", "ieee.org", "arxiv.org",
}

var qualityTerms = []string{
	"research", "study", "according to", "data shows", "report",
	"analysis", "findings", "statistics", "survey", "published",
}

// HeuristicScorer starts from the trust score and adjusts it by domain
// reputation, content length and the presence of evidential language.
type HeuristicScorer struct {
	Trust TrustScorer
}

func (s HeuristicScorer) Score(rec knowledge.SourceRecord) float64 {
	score := s.Trust.Score(rec)

	if host := hostOf(rec.URL); host != "" {
		for _, d := range reputableDomains {
			if host == d || strings.HasSuffix(host, "."+d) {
				score += 0.3
				break
			}
		}
	}

	n := len(rec.Content)
	if n > 1000 {
		score += 0.1
	}
	if n > 3000 {
		score += 0.1
	}
	if n < 300 {
		score -= 0.2
	}

	lower := strings.ToLower(rec.Content)
	bonus := 0.0
	for _, term := range qualityTerms {
		if strings.Contains(lower, term) {
			bonus += 0.05
		}
	}
	score += min(bonus, 0.2)

	return clamp(score, 0.1, 1)
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// CorroborationScorer multiplies mean credibility by 0.7 for a single
// source, rising by 0.1 per additional source up to 1.0 at four.
type CorroborationScorer struct{}

func (CorroborationScorer) Score(sources []knowledge.SourceView) float64 {
	if len(sources) == 0 {
		return 0
	}
	factor := 0.7 + 0.1*float64(min(len(sources)-1, 3))
	return clamp(meanCredibility(sources)*factor, 0, 1)
}

func meanCredibility(sources []knowledge.SourceView) float64 {
	if len(sources) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range sources {
		sum += s.Credibility
	}
	return sum / float64(len(sources))
}

func clamp(v, low, high float64) float64 {
	return min(max(v, low), high)
}
