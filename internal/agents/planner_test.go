package agents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Kocoro-lab/research-orchestrator/internal/knowledge"
)

func TestExpandingPlanner(t *testing.T) {
	fixed := func() time.Time { return time.Date(2026, time.March, 4, 0, 0, 0, 0, time.UTC) }
	tests := []struct {
		name  string
		query string
		max   int
		want  []string
	}{
		{
			name:  "plain query is unchanged",
			query: "climate change mitigation",
			want:  []string{"climate change mitigation"},
		},
		{
			name:  "time sensitive query gets dated variants",
			query: "latest fusion news",
			max:   4,
			want: []string{
				"latest fusion news",
				"latest fusion news 2026",
				"latest fusion news March 2026",
				"recent fusion developments",
			},
		},
		{
			name:  "ai query is broadened",
			query: "ai safety",
			want:  []string{"ai safety", "artificial intelligence safety", "ai safety machine learning"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExpandingPlanner{MaxQueries: tt.max, Now: fixed}.Plan(context.Background(), tt.query)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSingleQueryPlanner(t *testing.T) {
	assert.Equal(t, []string{"q"}, SingleQuery{}.Plan(context.Background(), "  q "))
}

func TestTrustScorer(t *testing.T) {
	s := TrustScorer{Weights: map[string]float64{"brave": 0.8}, DefaultWeight: 0.5, CorroborationBonus: 0.1}
	assert.InDelta(t, 0.8, s.Score(knowledge.SourceRecord{Provider: "brave"}), 1e-9)
	assert.InDelta(t, 0.5, s.Score(knowledge.SourceRecord{Provider: "other"}), 1e-9)
	assert.InDelta(t, 0.9, s.Score(knowledge.SourceRecord{Provider: "other", Providers: []string{"other", "brave"}}), 1e-9)
	assert.InDelta(t, 1.0, s.Score(knowledge.SourceRecord{Providers: []string{"brave", "a", "b", "c"}}), 1e-9)
}

func TestHeuristicScorer(t *testing.T) {
	s := HeuristicScorer{Trust: TrustScorer{DefaultWeight: 0.5}}

	long := make([]byte, 1200)
	for i := range long {
		long[i] = 'x'
	}
	reputable := knowledge.SourceRecord{
		URL:     "https://www.reuters.com/world/a",
		Content: string(long) + " according to a published survey",
	}
	// 0.5 base + 0.3 domain + 0.1 length + 3 terms * 0.05
	assert.InDelta(t, 1.0, s.Score(reputable), 1e-9)

	short := knowledge.SourceRecord{URL: "https://blog.example/x", Content: "tiny"}
	assert.InDelta(t, 0.3, s.Score(short), 1e-9)

	junk := knowledge.SourceRecord{Content: "x"}
	assert.InDelta(t, 0.1, HeuristicScorer{Trust: TrustScorer{DefaultWeight: 0.1}}.Score(junk), 1e-9)
}

func TestCorroborationScorer(t *testing.T) {
	one := []knowledge.SourceView{{SourceRecord: knowledge.SourceRecord{Credibility: 0.8}}}
	assert.InDelta(t, 0.56, CorroborationScorer{}.Score(one), 1e-9)

	five := make([]knowledge.SourceView, 5)
	for i := range five {
		five[i].Credibility = 0.5
	}
	assert.InDelta(t, 0.5, CorroborationScorer{}.Score(five), 1e-9)
	assert.Zero(t, CorroborationScorer{}.Score(nil))
}

func TestTextHelpers(t *testing.T) {
	assert.Equal(t, "Carbon capture works at scale.", leadSentence("Hi. Carbon capture works at scale. More text."))
	assert.True(t, negated("Carbon pricing does not work"))
	assert.False(t, negated("Carbon pricing works"))
	assert.InDelta(t, 1.0, jaccard(newTokenSet("solar power costs"), newTokenSet("costs of solar power")), 1e-9)
	assert.InDelta(t, 0.5, coverage(newTokenSet("solar wind"), newTokenSet("solar panels")), 1e-9)
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, "carbon...", clip("carbon capture works", 12))
	assert.Equal(t, "kohlendioxidspeich...", clip("kohlendioxidspeicherung", 21))
	assert.Equal(t, "énergie...", clip("énergie solaire", 12))
	assert.Equal(t, "..", clip("anything", 2))
	assert.LessOrEqual(t, len([]rune(clip("日本語のテキストです 長い文章", 8))), 8)
}
