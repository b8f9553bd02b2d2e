package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/agents"
	"github.com/Kocoro-lab/research-orchestrator/internal/knowledge"
	"github.com/Kocoro-lab/research-orchestrator/internal/metrics"
	"github.com/Kocoro-lab/research-orchestrator/internal/providers"
)

type userIDKey struct{}

// WithUserID attaches the submitting user to ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFrom returns the user attached by WithUserID.
func UserIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

// Orchestrator runs research tasks. Each task gets its own driver
// goroutine and its own store partition.
type Orchestrator struct {
	cfg       Config
	providers []providers.Provider
	store     *knowledge.Store
	executor  *agents.Executor
	agents    map[Phase]agents.Agent
	planner   agents.Planner
	followUp  agents.FollowUpDeriver
	admission Admitter
	events    []EventSink
	reports   []ReportSink
	logger    *zap.Logger

	mu      sync.RWMutex
	tasks   map[string]*researchTask
	active  atomic.Int64
	closing atomic.Bool
	wg      sync.WaitGroup
}

// New wires an orchestrator. It fails only on invalid configuration; a
// missing provider list is reported by Submit.
func New(cfg Config, opts Options) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := opts.Store
	if store == nil {
		store = knowledge.NewStore()
	}
	planner := opts.Planner
	if planner == nil {
		planner = agents.SingleQuery{}
	}
	followUp := opts.FollowUp
	if followUp == nil {
		followUp = agents.DistinctiveTerms{}
	}

	// Agent runs are bounded by the phase deadline only; provider calls
	// inside Gathering carry their own attempt timeout.
	agentPolicy := cfg.Retry
	agentPolicy.AttemptTimeout = 0
	executor := agents.NewExecutor(agents.NewRetrier(agentPolicy, logger), logger)
	callRetrier := agents.NewRetrier(cfg.Retry, logger)

	phaseAgents := map[Phase]agents.Agent{
		PhaseGathering:  agents.NewResearcher(opts.Providers, callRetrier, opts.Credibility, cfg.Researcher, logger),
		PhaseAnalysis:   agents.NewAnalyst(opts.Extractor, opts.Confidence, logger),
		PhaseValidation: agents.NewCritic(cfg.Critic, logger),
		PhaseSynthesis:  agents.NewSynthesizer(logger),
	}
	for p, a := range opts.Agents {
		if a.Phase() != p.String() {
			return nil, &ConfigError{Field: "agents", Reason: fmt.Sprintf("agent %s runs in %s, not %s", a.Name(), a.Phase(), p)}
		}
		phaseAgents[p] = a
	}

	return &Orchestrator{
		cfg:       cfg,
		providers: opts.Providers,
		store:     store,
		executor:  executor,
		agents:    phaseAgents,
		planner:   planner,
		followUp:  followUp,
		admission: opts.Admission,
		events:    opts.EventSinks,
		reports:   opts.ReportSinks,
		logger:    logger,
		tasks:     make(map[string]*researchTask),
	}, nil
}

// Submit starts researching query and returns immediately. Configuration
// and admission errors are returned synchronously, before any task or
// phase exists. Cancelling ctx cancels the task.
func (o *Orchestrator) Submit(ctx context.Context, query string) (*Handle, error) {
	if o.closing.Load() {
		return nil, ErrShuttingDown
	}
	query = strings.TrimSpace(query)
	if query == "" {
		metrics.TasksRejected.WithLabelValues("empty_query").Inc()
		return nil, &ConfigError{Field: "query", Reason: "must not be empty"}
	}
	if len(o.providers) == 0 {
		metrics.TasksRejected.WithLabelValues("no_providers").Inc()
		return nil, &ConfigError{Field: "providers", Reason: "no search provider configured"}
	}
	active := int(o.active.Load())
	if o.cfg.MaxActiveTasks > 0 && active >= o.cfg.MaxActiveTasks {
		metrics.TasksRejected.WithLabelValues("capacity").Inc()
		return nil, fmt.Errorf("%w: %d tasks already running", ErrAdmissionDenied, active)
	}
	if o.admission != nil {
		req := AdmissionRequest{Query: query, UserID: UserIDFrom(ctx), Providers: o.providerNames(), ActiveTasks: active}
		if err := o.admission.Admit(ctx, req); err != nil {
			metrics.TasksRejected.WithLabelValues("policy").Inc()
			if errors.Is(err, ErrAdmissionDenied) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrAdmissionDenied, err)
		}
	}

	id := uuid.NewString()
	if err := o.store.Open(id); err != nil {
		return nil, err
	}
	t := newResearchTask(ctx, o, id, query)

	o.mu.Lock()
	o.tasks[id] = t
	o.mu.Unlock()
	o.active.Add(1)
	metrics.TasksSubmitted.Inc()
	metrics.TasksActive.Inc()

	o.wg.Add(1)
	go t.run()

	o.logger.Info("Research task submitted", zap.String("task_id", id), zap.String("query", query))
	return &Handle{t: t}, nil
}

// Lookup returns the handle of a running or recently finished task.
func (o *Orchestrator) Lookup(id string) (*Handle, error) {
	o.mu.RLock()
	t, ok := o.tasks[id]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return &Handle{t: t}, nil
}

// Active returns the number of running tasks.
func (o *Orchestrator) Active() int { return int(o.active.Load()) }

// Shutdown stops accepting tasks and waits for running ones. When ctx
// expires first, the remaining tasks are cancelled and awaited.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.closing.Store(true)
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	o.mu.RLock()
	for _, t := range o.tasks {
		t.cancel()
	}
	o.mu.RUnlock()
	<-done
	return ctx.Err()
}

func (o *Orchestrator) providerNames() []string {
	names := make([]string, 0, len(o.providers))
	for _, p := range o.providers {
		names = append(names, p.Name())
	}
	return names
}

func (o *Orchestrator) finished(t *researchTask) {
	o.active.Add(-1)
	metrics.TasksActive.Dec()
	if o.cfg.RetainFinished <= 0 {
		o.forget(t.id)
		return
	}
	time.AfterFunc(o.cfg.RetainFinished, func() { o.forget(t.id) })
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	delete(o.tasks, id)
	o.mu.Unlock()
}
