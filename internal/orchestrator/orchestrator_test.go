package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/research-orchestrator/internal/agents"
	"github.com/Kocoro-lab/research-orchestrator/internal/knowledge"
	"github.com/Kocoro-lab/research-orchestrator/internal/providers"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.GatheringTimeout = 5 * time.Second
	cfg.AnalysisTimeout = 5 * time.Second
	cfg.ValidationTimeout = 5 * time.Second
	cfg.SynthesisTimeout = 5 * time.Second
	cfg.Retry = agents.RetryPolicy{
		MaxAttempts:     3,
		AttemptTimeout:  2 * time.Second,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}
	return cfg
}

var climateResults = []providers.Result{
	{
		Title:   "Carbon pricing and industry",
		URL:     "https://research.example/carbon-pricing",
		Content: "Carbon pricing reduces industrial emissions substantially across major economies. A study of 40 countries found the effect grows with the price.",
	},
	{
		Title:   "What carbon taxes achieved",
		URL:     "https://policy.example/carbon-taxes",
		Content: "Carbon pricing reduces industrial emissions substantially in major economies. Steel and cement respond fastest.",
	},
	{
		Title:   "Emissions trading review",
		URL:     "https://review.example/ets",
		Content: "Carbon pricing substantially reduces industrial emissions across major economies, reviewers conclude. Trading schemes cut power sector output.",
	},
}

func newTestOrchestrator(t *testing.T, cfg Config, opts Options) (*Orchestrator, *knowledge.Store) {
	t.Helper()
	if opts.Store == nil {
		opts.Store = knowledge.NewStore()
	}
	if opts.Credibility == nil {
		opts.Credibility = agents.DefaultTrustScorer()
	}
	opts.Logger = zaptest.NewLogger(t)
	o, err := New(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o, opts.Store
}

func awaitResult(t *testing.T, h *Handle) (*knowledge.Report, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rep, err := h.Result(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "task did not finish")
	return rep, err
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("event stream did not close")
		}
	}
}

func assertLegalSequence(t *testing.T, events []Event) {
	t.Helper()
	require.NotEmpty(t, events)
	assert.Equal(t, PhasePlanning, events[0].Phase)
	prev := Phase(0)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.True(t, CanTransition(prev, ev.Phase), "illegal transition %s -> %s", prev, ev.Phase)
		assert.Equal(t, prev, ev.Prev)
		prev = ev.Phase
	}
	assert.True(t, prev.Terminal())
}

func TestClimateQueryProducesFullReport(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig(), Options{
		Providers: []providers.Provider{providers.NewStatic("static", climateResults)},
	})

	h, err := o.Submit(context.Background(), "climate change mitigation")
	require.NoError(t, err)
	events, err := h.Subscribe(context.Background())
	require.NoError(t, err)

	rep, err := awaitResult(t, h)
	require.NoError(t, err)
	require.Len(t, rep.Sections, 1)
	assert.Len(t, rep.Sections[0].Citations, 3)
	assert.Equal(t, knowledge.CompletenessFull, rep.Completeness)
	assert.Equal(t, "climate change mitigation", rep.Query)
	require.NotNil(t, rep.Summary)

	seq := collect(t, events)
	assertLegalSequence(t, seq)
	phases := make([]Phase, 0, len(seq))
	for _, ev := range seq {
		phases = append(phases, ev.Phase)
	}
	assert.Equal(t, []Phase{PhasePlanning, PhaseGathering, PhaseAnalysis, PhaseValidation, PhaseSynthesis, PhaseDone}, phases)

	diag := h.Diagnostics()
	require.NotNil(t, diag.Purge)
	assert.Equal(t, 3, diag.Purge.Counts[knowledge.CategorySources])
	assert.Equal(t, PhaseDone, diag.Phase)
	assert.Equal(t, 1, diag.Passes)
}

func TestPermanentProviderErrorFailsTask(t *testing.T) {
	failing := providers.NewFailing("brave", providers.FromStatus("brave", 401, "invalid subscription token"))
	o, store := newTestOrchestrator(t, testConfig(), Options{Providers: []providers.Provider{failing}})

	h, err := o.Submit(context.Background(), "climate change mitigation")
	require.NoError(t, err)
	_, err = awaitResult(t, h)

	var te *TaskError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, PhaseGathering, te.Phase)
	assert.Contains(t, te.Reason, "invalid subscription token")
	assert.Contains(t, err.Error(), "research failed during gathering phase")
	assert.Equal(t, "Research failed during gathering phase.", te.UserMessage())

	var pe *providers.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 401, pe.StatusCode)

	diag := h.Diagnostics()
	require.NotNil(t, diag.Purge)
	assert.Zero(t, diag.Purge.Counts[knowledge.CategorySources])
	assert.Equal(t, PhaseFailed, h.Phase())
	assert.Zero(t, store.Tasks(), "partition released")
	for _, run := range diag.History {
		if run.Phase == PhaseGathering {
			assert.Equal(t, 1, run.Attempts, "permanent errors are not retried")
		}
	}
}

func TestSubmitWithoutProvidersIsConfigError(t *testing.T) {
	o, store := newTestOrchestrator(t, testConfig(), Options{})
	var recorded []Event
	o.events = append(o.events, EventSinkFunc(func(_ context.Context, ev Event) error {
		recorded = append(recorded, ev)
		return nil
	}))

	h, err := o.Submit(context.Background(), "climate change mitigation")
	assert.Nil(t, h)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "providers", ce.Field)
	assert.Zero(t, o.Active())
	assert.Zero(t, store.Tasks())
	assert.Empty(t, recorded, "no phase is entered")

	_, err = o.Submit(context.Background(), "   ")
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "query", ce.Field)
}

// flagAll marks every insight of the pass as needing more data.
type flagAll struct{}

func (flagAll) Name() string  { return "critic" }
func (flagAll) Phase() string { return agents.PhaseValidation }

func (flagAll) Run(_ context.Context, task agents.Task, store *knowledge.Store) (agents.Result, error) {
	entries, err := store.GetByCategory(task.ID, knowledge.CategoryInsights)
	if err != nil {
		return agents.Result{}, err
	}
	var out agents.Result
	for _, in := range knowledge.Insights(knowledge.InPass(entries, task.Pass)) {
		out.Payloads = append(out.Payloads, knowledge.ValidationNote{
			InsightID: in.EntryID,
			Verdict:   knowledge.VerdictNeedsMoreData,
			Rationale: "always unsure",
		})
	}
	return out, nil
}

func TestRegatherLoopIsBounded(t *testing.T) {
	for _, maxCycles := range []int{0, 1, 3} {
		cfg := testConfig()
		cfg.MaxReGatherCycles = maxCycles
		o, _ := newTestOrchestrator(t, cfg, Options{
			Providers: []providers.Provider{providers.NewStatic("static", climateResults)},
			Agents:    map[Phase]agents.Agent{PhaseValidation: flagAll{}},
		})

		h, err := o.Submit(context.Background(), "climate change mitigation")
		require.NoError(t, err)
		rep, err := awaitResult(t, h)
		require.NoError(t, err)

		gathering := 0
		for _, ev := range h.Events() {
			if ev.Phase == PhaseGathering {
				gathering++
			}
		}
		assert.Equal(t, maxCycles+1, gathering)
		assertLegalSequence(t, h.Events())

		diag := h.Diagnostics()
		assert.Equal(t, maxCycles, diag.Cycles)
		assert.Len(t, diag.ValidationErrors, maxCycles)

		assert.True(t, rep.Partial())
		require.Len(t, rep.Sections, 1)
		assert.Equal(t, knowledge.SectionNotice, rep.Sections[0].Kind)
		assert.NotEmpty(t, rep.DegradedReasons)
	}
}

func TestRegatherUsesFollowUpQuery(t *testing.T) {
	var mu sync.Mutex
	var queries []string
	p := &scriptedProvider{name: "static", results: climateResults, onQuery: func(q string) {
		mu.Lock()
		queries = append(queries, q)
		mu.Unlock()
	}}
	cfg := testConfig()
	cfg.MaxReGatherCycles = 1
	o, _ := newTestOrchestrator(t, cfg, Options{
		Providers: []providers.Provider{p},
		Agents:    map[Phase]agents.Agent{PhaseValidation: flagAll{}},
		FollowUp:  fixedFollowUp("carbon pricing evidence"),
	})

	h, err := o.Submit(context.Background(), "climate change mitigation")
	require.NoError(t, err)
	_, err = awaitResult(t, h)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"climate change mitigation", "carbon pricing evidence"}, queries)
}

type fixedFollowUp string

func (f fixedFollowUp) Derive(string, []knowledge.InsightView) string { return string(f) }

type scriptedProvider struct {
	name    string
	results []providers.Result
	onQuery func(string)
	block   chan struct{}
	started chan struct{}
	once    sync.Once
}

func (s *scriptedProvider) Name() string { return s.name }

func (s *scriptedProvider) Search(ctx context.Context, q string) ([]providers.Result, error) {
	if s.onQuery != nil {
		s.onQuery(q)
	}
	if s.started != nil {
		s.once.Do(func() { close(s.started) })
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, providers.FromTransport(s.name, ctx.Err())
		}
	}
	out := make([]providers.Result, len(s.results))
	copy(out, s.results)
	return out, nil
}

func TestCancelDuringGathering(t *testing.T) {
	p := &scriptedProvider{name: "slow", results: climateResults, block: make(chan struct{}), started: make(chan struct{})}
	o, _ := newTestOrchestrator(t, testConfig(), Options{Providers: []providers.Provider{p}})

	h, err := o.Submit(context.Background(), "climate change mitigation")
	require.NoError(t, err)
	<-p.started
	h.Cancel()
	close(p.block)

	_, err = awaitResult(t, h)
	assert.ErrorIs(t, err, ErrCancelled)
	var te *TaskError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, PhaseGathering, te.Phase)
	assert.Equal(t, "cancelled", te.Reason)

	h.Cancel()
}

// gateAgent blocks inside Run until release is closed, then succeeds.
type gateAgent struct {
	phase   string
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gateAgent) Name() string  { return "gate-" + g.phase }
func (g *gateAgent) Phase() string { return g.phase }

func (g *gateAgent) Run(ctx context.Context, _ agents.Task, _ *knowledge.Store) (agents.Result, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return agents.Result{}, ctx.Err()
	}
	return agents.Result{}, nil
}

func TestCancelDuringLaterPhases(t *testing.T) {
	tests := []struct {
		phase Phase
		name  string
	}{
		{PhaseAnalysis, agents.PhaseAnalysis},
		{PhaseValidation, agents.PhaseValidation},
		{PhaseSynthesis, agents.PhaseSynthesis},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := &gateAgent{phase: tt.name, started: make(chan struct{}), release: make(chan struct{})}
			p := &scriptedProvider{name: "static", results: climateResults}
			o, _ := newTestOrchestrator(t, testConfig(), Options{
				Providers: []providers.Provider{p},
				Agents:    map[Phase]agents.Agent{tt.phase: gate},
			})

			h, err := o.Submit(context.Background(), "climate change mitigation")
			require.NoError(t, err)
			events, err := h.Subscribe(context.Background())
			require.NoError(t, err)

			select {
			case <-gate.started:
			case <-time.After(5 * time.Second):
				t.Fatal("phase never started")
			}
			h.Cancel()
			close(gate.release)

			rep, err := awaitResult(t, h)
			assert.Nil(t, rep)
			assert.ErrorIs(t, err, ErrCancelled)
			var te *TaskError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.phase, te.Phase)
			assert.Equal(t, "cancelled", te.Reason)

			seen := collect(t, events)
			assertLegalSequence(t, seen)
			last := seen[len(seen)-1]
			assert.Equal(t, PhaseFailed, last.Phase)
			assert.Equal(t, tt.phase, last.Prev)
			assert.Equal(t, PhaseFailed, h.Phase())
		})
	}
}

func TestCallerContextCancelsTask(t *testing.T) {
	p := &scriptedProvider{name: "slow", results: climateResults, block: make(chan struct{}), started: make(chan struct{})}
	o, _ := newTestOrchestrator(t, testConfig(), Options{Providers: []providers.Provider{p}})

	ctx, cancel := context.WithCancel(context.Background())
	h, err := o.Submit(ctx, "climate change mitigation")
	require.NoError(t, err)
	<-p.started
	cancel()
	time.Sleep(10 * time.Millisecond)
	close(p.block)

	_, err = awaitResult(t, h)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestGatheringDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.GatheringTimeout = 50 * time.Millisecond
	p := &scriptedProvider{name: "stuck", block: make(chan struct{})}
	defer close(p.block)
	o, _ := newTestOrchestrator(t, cfg, Options{Providers: []providers.Provider{p}})

	h, err := o.Submit(context.Background(), "climate change mitigation")
	require.NoError(t, err)
	_, err = awaitResult(t, h)

	var pt *agents.PhaseTimeoutError
	require.ErrorAs(t, err, &pt)
	var te *TaskError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, PhaseGathering, te.Phase)
	assert.Contains(t, te.Reason, "deadline exceeded")
}

func TestEmptyGatheringShortCircuitsAnalysis(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig(), Options{
		Providers: []providers.Provider{providers.NewStatic("empty", nil)},
	})
	h, err := o.Submit(context.Background(), "climate change mitigation")
	require.NoError(t, err)
	rep, err := awaitResult(t, h)
	require.NoError(t, err)

	assert.True(t, rep.Partial())
	assert.Contains(t, rep.DegradedReasons, "analysis: "+agents.ReasonNoGatheredData)

	var analysis *PhaseRun
	for _, run := range h.Diagnostics().History {
		if run.Phase == PhaseAnalysis {
			run := run
			analysis = &run
		}
	}
	require.NotNil(t, analysis)
	assert.Equal(t, "partial", analysis.Outcome)
	assert.Zero(t, analysis.Attempts, "the analyst never ran")
}

func TestPartialProviderFailureMarksReportPartial(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig(), Options{
		Providers: []providers.Provider{
			providers.NewStatic("static", climateResults),
			providers.NewFailing("serper", providers.Permanent("serper", errors.New("quota exhausted"))),
		},
	})
	h, err := o.Submit(context.Background(), "climate change mitigation")
	require.NoError(t, err)
	rep, err := awaitResult(t, h)
	require.NoError(t, err)
	assert.True(t, rep.Partial())
	require.Len(t, rep.Sections, 1)
	require.NotEmpty(t, rep.DegradedReasons)
	assert.Contains(t, rep.DegradedReasons[0], "quota exhausted")

	events := h.Events()
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, PhaseAnalysis, events[2].Phase)
	assert.Equal(t, "partial", events[2].Outcome)
}

func TestSubscribeIsSingleUse(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig(), Options{
		Providers: []providers.Provider{providers.NewStatic("static", climateResults)},
	})
	h, err := o.Submit(context.Background(), "climate change mitigation")
	require.NoError(t, err)
	_, err = h.Subscribe(context.Background())
	require.NoError(t, err)
	_, err = h.Subscribe(context.Background())
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
	_, _ = awaitResult(t, h)
}

func TestSubscribeAfterCompletionReplays(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig(), Options{
		Providers: []providers.Provider{providers.NewStatic("static", climateResults)},
	})
	h, err := o.Submit(context.Background(), "climate change mitigation")
	require.NoError(t, err)
	_, err = awaitResult(t, h)
	require.NoError(t, err)

	ch, err := h.Subscribe(context.Background())
	require.NoError(t, err)
	events := collect(t, ch)
	assertLegalSequence(t, events)
	assert.Equal(t, PhaseDone, events[len(events)-1].Phase)
}

type denyAll struct{ err error }

func (d denyAll) Admit(context.Context, AdmissionRequest) error { return d.err }

func TestAdmissionDenied(t *testing.T) {
	o, store := newTestOrchestrator(t, testConfig(), Options{
		Providers: []providers.Provider{providers.NewStatic("static", climateResults)},
		Admission: denyAll{err: errors.New("query mentions a blocked topic")},
	})
	_, err := o.Submit(WithUserID(context.Background(), "u1"), "climate change mitigation")
	assert.ErrorIs(t, err, ErrAdmissionDenied)
	assert.Contains(t, err.Error(), "blocked topic")
	assert.Zero(t, store.Tasks())
}

func TestMaxActiveTasks(t *testing.T) {
	cfg := testConfig()
	cfg.MaxActiveTasks = 1
	p := &scriptedProvider{name: "slow", results: climateResults, block: make(chan struct{}), started: make(chan struct{})}
	o, _ := newTestOrchestrator(t, cfg, Options{Providers: []providers.Provider{p}})

	h, err := o.Submit(context.Background(), "first")
	require.NoError(t, err)
	_, err = o.Submit(context.Background(), "second")
	assert.ErrorIs(t, err, ErrAdmissionDenied)

	close(p.block)
	_, err = awaitResult(t, h)
	require.NoError(t, err)
}

type recordingSink struct {
	mu      sync.Mutex
	events  []Event
	results []TaskResult
}

func (r *recordingSink) HandleEvent(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) HandleResult(_ context.Context, res TaskResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return errors.New("sink errors are ignored")
}

func TestSinksSeeEveryTransitionAndResult(t *testing.T) {
	sink := &recordingSink{}
	o, _ := newTestOrchestrator(t, testConfig(), Options{
		Providers:   []providers.Provider{providers.NewStatic("static", climateResults)},
		EventSinks:  []EventSink{sink},
		ReportSinks: []ReportSink{sink},
	})
	h, err := o.Submit(context.Background(), "climate change mitigation")
	require.NoError(t, err)
	_, err = awaitResult(t, h)
	require.NoError(t, err)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, h.Events(), sink.events)
	require.Len(t, sink.results, 1)
	assert.Equal(t, h.ID(), sink.results[0].TaskID)
	assert.NotNil(t, sink.results[0].Report)
	assert.Equal(t, PhaseDone, sink.results[0].Diagnostics.Phase)
}

func TestLookup(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig(), Options{
		Providers: []providers.Provider{providers.NewStatic("static", climateResults)},
	})
	h, err := o.Submit(context.Background(), "climate change mitigation")
	require.NoError(t, err)

	found, err := o.Lookup(h.ID())
	require.NoError(t, err)
	assert.Equal(t, h.ID(), found.ID())

	_, err = o.Lookup("missing")
	assert.ErrorIs(t, err, ErrUnknownTask)
	_, _ = awaitResult(t, h)
}

func TestNewRejectsMisplacedAgent(t *testing.T) {
	_, err := New(testConfig(), Options{Agents: map[Phase]agents.Agent{PhaseAnalysis: flagAll{}}})
	var ce *ConfigError
	assert.ErrorAs(t, err, &ce)

	cfg := testConfig()
	cfg.MaxReGatherCycles = -1
	_, err = New(cfg, Options{})
	assert.ErrorAs(t, err, &ce)
}
