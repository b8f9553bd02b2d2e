package agents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/research-orchestrator/internal/knowledge"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		AttemptTimeout:  time.Second,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}
}

func newTestStore(t *testing.T, taskID string) *knowledge.Store {
	t.Helper()
	s := knowledge.NewStore()
	require.NoError(t, s.Open(taskID))
	return s
}

// seed writes payloads as if phase had produced them during pass.
func seed(t *testing.T, s *knowledge.Store, taskID, phase string, pass int, payloads ...knowledge.Payload) []string {
	t.Helper()
	require.NoError(t, s.Advance(taskID, phase))
	ids := make([]string, 0, len(payloads))
	for _, p := range payloads {
		id := newEntryID()
		require.NoError(t, s.Put(taskID, knowledge.Entry{ID: id, Phase: phase, Pass: pass, Payload: p}))
		ids = append(ids, id)
	}
	return ids
}

type stubAgent struct {
	name  string
	phase string
	run   func(ctx context.Context, task Task, store *knowledge.Store) (Result, error)
}

func (s stubAgent) Name() string  { return s.name }
func (s stubAgent) Phase() string { return s.phase }
func (s stubAgent) Run(ctx context.Context, task Task, store *knowledge.Store) (Result, error) {
	return s.run(ctx, task, store)
}

func newTestExecutor(t *testing.T) *Executor {
	return NewExecutor(NewRetrier(fastPolicy(), zaptest.NewLogger(t)), zaptest.NewLogger(t))
}

var climateSources = []knowledge.SourceRecord{
	{
		Title:       "Carbon pricing and industry",
		URL:         "https://www.nature.com/articles/carbon-pricing",
		Content:     "Carbon pricing reduces industrial emissions substantially across major economies. A 2023 study of 40 countries found the effect grows with the price level.",
		ContentHash: "h1",
		Provider:    "brave",
		Credibility: 0.9,
	},
	{
		Title:       "What carbon taxes achieved",
		URL:         "https://example.org/carbon-taxes",
		Content:     "Carbon pricing reduces industrial emissions substantially in major economies. Data shows steel and cement respond fastest.",
		ContentHash: "h2",
		Provider:    "brave",
		Credibility: 0.7,
	},
	{
		Title:       "Emissions trading review",
		URL:         "https://example.net/ets-review",
		Content:     "Carbon pricing substantially reduces industrial emissions across major economies, analysis finds. Trading schemes in Europe cut power sector output.",
		ContentHash: "h3",
		Provider:    "brave",
		Credibility: 0.8,
	},
}
