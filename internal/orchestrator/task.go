package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/agents"
	"github.com/Kocoro-lab/research-orchestrator/internal/knowledge"
	"github.com/Kocoro-lab/research-orchestrator/internal/metrics"
	"github.com/Kocoro-lab/research-orchestrator/internal/tracing"
)

// researchTask is the state of one submitted query. Only its driver
// goroutine mutates phase, cycle and history; readers go through mu.
type researchTask struct {
	o      *Orchestrator
	id     string
	query  string
	base   context.Context
	logger *zap.Logger

	cancelOnce sync.Once
	cancelled  chan struct{}
	done       chan struct{}
	subscribed atomic.Bool

	mu       sync.Mutex
	phase    Phase
	cycle    int
	seq      uint64
	events   []Event
	notify   chan struct{}
	diag     Diagnostics
	degraded []string
	report   *knowledge.Report
	err      error
}

func newResearchTask(ctx context.Context, o *Orchestrator, id, query string) *researchTask {
	t := &researchTask{
		o:         o,
		id:        id,
		query:     query,
		base:      context.WithoutCancel(ctx),
		logger:    o.logger.With(zap.String("task_id", id)),
		cancelled: make(chan struct{}),
		done:      make(chan struct{}),
		notify:    make(chan struct{}),
		diag: Diagnostics{
			TaskID:      id,
			Query:       query,
			UserID:      UserIDFrom(ctx),
			SubmittedAt: time.Now(),
		},
	}
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				t.cancel()
			case <-t.done:
			}
		}()
	}
	return t
}

func (t *researchTask) cancel() {
	t.cancelOnce.Do(func() {
		close(t.cancelled)
		t.logger.Info("Research task cancellation requested")
	})
}

func (t *researchTask) run() {
	defer t.o.wg.Done()

	ctx, span := tracing.StartSpan(t.base, "research.task")
	span.SetAttributes(attribute.String("research.task_id", t.id))
	report, err := t.execute(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	t.finish(report, err)
}

// execute drives the phase machine and returns the report or the terminal
// error. The store partition is still open when it returns.
func (t *researchTask) execute(ctx context.Context) (*knowledge.Report, error) {
	task := agents.NewTask(t.id, t.query, t.cancelled)

	t.enter(PhasePlanning, agents.Outcome{})
	prev := t.plan(ctx, &task)
	if prev.Kind == agents.OutcomeFailure {
		return nil, t.fail(PhasePlanning, prev)
	}

	for {
		t.enter(PhaseGathering, prev)
		out := t.runPhase(ctx, PhaseGathering, task)
		if out.Kind == agents.OutcomeFailure {
			return nil, t.fail(PhaseGathering, out)
		}

		t.enter(PhaseAnalysis, out)
		out = t.analyse(ctx, task)
		if out.Kind == agents.OutcomeFailure {
			return nil, t.fail(PhaseAnalysis, out)
		}

		t.enter(PhaseValidation, out)
		out = t.runPhase(ctx, PhaseValidation, task)
		if out.Kind == agents.OutcomeFailure {
			return nil, t.fail(PhaseValidation, out)
		}
		prev = out

		flagged, err := t.flagged(task)
		if err != nil {
			return nil, t.fail(PhaseValidation, agents.Failure(err))
		}
		if len(flagged) == 0 {
			break
		}
		if task.Cycle >= t.o.cfg.MaxReGatherCycles {
			t.degrade(PhaseValidation, fmt.Sprintf("%d insight(s) still needed more data after %d re-gather cycle(s)", len(flagged), task.Cycle))
			break
		}

		task.Cycle++
		task.Pass++
		task.FocusQuery = t.o.followUp.Derive(t.query, flagged)
		verr := &ValidationError{Cycle: task.Cycle, Flagged: len(flagged), FocusQuery: task.FocusQuery}
		t.mu.Lock()
		t.cycle = task.Cycle
		t.diag.ValidationErrors = append(t.diag.ValidationErrors, verr.Error())
		t.mu.Unlock()
		metrics.RegatherCycles.Inc()
		t.logger.Info("Re-gathering after validation", zap.Error(verr))
		prev.Reason = verr.Error()
	}

	t.enter(PhaseSynthesis, prev)
	out := t.runPhase(ctx, PhaseSynthesis, task)
	if out.Kind == agents.OutcomeFailure {
		return nil, t.fail(PhaseSynthesis, out)
	}

	entries, err := t.o.store.GetByCategory(t.id, knowledge.CategoryReport)
	if err != nil {
		return nil, t.fail(PhaseSynthesis, agents.Failure(err))
	}
	report := knowledge.AssembleReport(t.id, t.query, entries, task.Pass)
	t.mu.Lock()
	if len(t.degraded) > 0 {
		report.Completeness = knowledge.CompletenessPartial
		report.DegradedReasons = append([]string(nil), t.degraded...)
	}
	t.diag.Passes = task.Pass
	t.mu.Unlock()
	return report, nil
}

// plan runs the planner inline; it has no agent and writes no records.
func (t *researchTask) plan(ctx context.Context, task *agents.Task) agents.Outcome {
	if task.IsCancelled() {
		out := agents.Failure(agents.ErrCancelled)
		t.record(PhasePlanning, task.Pass, "", out)
		return out
	}
	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, t.o.cfg.timeout(PhasePlanning))
	defer cancel()
	task.Queries = t.o.planner.Plan(pctx, t.query)

	out := agents.Success(nil)
	out.Duration = time.Since(start)
	t.record(PhasePlanning, task.Pass, "", out)
	t.logger.Debug("Planned search queries", zap.Strings("queries", task.Queries))
	return out
}

// analyse short-circuits Analysis when nothing has been gathered.
func (t *researchTask) analyse(ctx context.Context, task agents.Task) agents.Outcome {
	sources, err := t.o.store.GetByCategory(t.id, knowledge.CategorySources)
	if err != nil {
		return agents.Failure(err)
	}
	if len(sources) == 0 && !task.IsCancelled() {
		out := agents.Partial(nil, agents.ReasonNoGatheredData)
		t.record(PhaseAnalysis, task.Pass, "", out)
		t.degrade(PhaseAnalysis, out.Reason)
		return out
	}
	return t.runPhase(ctx, PhaseAnalysis, task)
}

func (t *researchTask) runPhase(ctx context.Context, phase Phase, task agents.Task) agents.Outcome {
	agent := t.o.agents[phase]
	if task.IsCancelled() {
		out := agents.Failure(agents.ErrCancelled)
		t.record(phase, task.Pass, agent.Name(), out)
		return out
	}

	pctx, cancel := context.WithTimeout(ctx, t.o.cfg.timeout(phase))
	defer cancel()
	pctx, span := tracing.StartPhaseSpan(pctx, t.id, phase.String(), task.Pass)
	defer span.End()

	out := t.o.executor.Invoke(pctx, agent, task, t.o.store)
	span.SetAttributes(
		attribute.String("research.outcome", out.Kind.String()),
		attribute.Int("research.records", len(out.Records)),
	)
	if out.Kind == agents.OutcomeFailure {
		span.SetStatus(codes.Error, out.Reason)
	}

	for _, r := range out.Records {
		metrics.RecordsWritten.WithLabelValues(string(r.Category)).Inc()
	}
	t.record(phase, task.Pass, agent.Name(), out)
	if out.Kind == agents.OutcomePartial {
		t.degrade(phase, out.Reason)
	}
	return out
}

func (t *researchTask) flagged(task agents.Task) ([]knowledge.InsightView, error) {
	insights, err := t.o.store.GetByCategory(t.id, knowledge.CategoryInsights)
	if err != nil {
		return nil, err
	}
	notes, err := t.o.store.GetByCategory(t.id, knowledge.CategoryValidation)
	if err != nil {
		return nil, err
	}
	return agents.NeedsMoreData(
		knowledge.Insights(knowledge.InPass(insights, task.Pass)),
		knowledge.Notes(knowledge.InPass(notes, task.Pass)),
	), nil
}

func (t *researchTask) record(phase Phase, pass int, agent string, out agents.Outcome) {
	metrics.RecordPhaseMetrics(phase.String(), out.Kind.String(), agent, out.Attempts, out.Duration.Seconds())
	t.mu.Lock()
	t.diag.History = append(t.diag.History, PhaseRun{
		Phase:    phase,
		Pass:     pass,
		Outcome:  out.Kind.String(),
		Reason:   out.Reason,
		Records:  len(out.Records),
		Attempts: out.Attempts,
		Duration: out.Duration,
	})
	t.mu.Unlock()
}

func (t *researchTask) degrade(phase Phase, reason string) {
	t.mu.Lock()
	t.degraded = append(t.degraded, phase.String()+": "+reason)
	t.mu.Unlock()
}

func (t *researchTask) fail(phase Phase, out agents.Outcome) error {
	return &TaskError{Phase: phase, Reason: out.Reason, Cause: out.Err}
}

// enter moves the task to phase and emits the transition event. prev is
// the outcome of the phase being left.
func (t *researchTask) enter(phase Phase, prev agents.Outcome) {
	t.mu.Lock()
	from := t.phase
	if !CanTransition(from, phase) {
		t.mu.Unlock()
		panic(fmt.Sprintf("orchestrator: illegal transition %s -> %s", from, phase))
	}
	t.phase = phase
	t.diag.Phase = phase
	t.seq++
	ev := Event{
		TaskID:    t.id,
		Seq:       t.seq,
		Phase:     phase,
		Prev:      from,
		Cycle:     t.cycle,
		Pass:      t.passLocked(),
		Timestamp: time.Now(),
	}
	if prev.Kind != 0 {
		ev.Outcome = prev.Kind.String()
		ev.Reason = prev.Reason
	}
	t.events = append(t.events, ev)
	close(t.notify)
	t.notify = make(chan struct{})
	t.mu.Unlock()

	if !phase.Terminal() && phase != PhasePlanning {
		if err := t.o.store.Advance(t.id, phase.String()); err != nil {
			t.logger.Error("Failed to advance store stage", zap.String("phase", phase.String()), zap.Error(err))
		}
	}
	t.logger.Info("Phase transition",
		zap.String("from", from.String()),
		zap.String("to", phase.String()),
		zap.Int("cycle", ev.Cycle),
		zap.String("outcome", ev.Outcome),
	)
	t.publish(ev)
}

func (t *researchTask) passLocked() int {
	return t.cycle + 1
}

// finish purges the store, records the result and emits the terminal
// event. Report sinks run before Done is closed.
func (t *researchTask) finish(report *knowledge.Report, err error) {
	summary, perr := t.o.store.Purge(t.id)
	if perr != nil {
		t.logger.Error("Failed to purge knowledge store", zap.Error(perr))
	}

	terminal := PhaseDone
	prev := agents.Success(nil)
	var te *TaskError
	if err != nil {
		terminal = PhaseFailed
		prev = agents.Outcome{Kind: agents.OutcomeFailure, Reason: err.Error()}
		if errors.As(err, &te) {
			prev.Reason = te.Reason
		}
	} else if report.Partial() {
		prev = agents.Partial(nil, "report is partial")
	}

	t.mu.Lock()
	t.report = report
	t.err = err
	t.diag.Purge = &summary
	t.diag.FinishedAt = time.Now()
	t.diag.Cycles = t.cycle
	if t.diag.Passes == 0 {
		t.diag.Passes = t.cycle + 1
	}
	t.mu.Unlock()

	t.enter(terminal, prev)

	t.mu.Lock()
	diag := t.snapshotLocked()
	t.mu.Unlock()

	status, completeness := "done", ""
	if err != nil {
		status = "failed"
		if errors.Is(err, ErrCancelled) {
			status = "cancelled"
		}
		t.logger.Warn("Research task failed", zap.Error(err), zap.Any("purged", summary.Counts))
	} else {
		completeness = string(report.Completeness)
		t.logger.Info("Research task completed",
			zap.String("completeness", completeness),
			zap.Int("sections", len(report.Sections)),
			zap.Any("purged", summary.Counts),
		)
	}
	metrics.RecordTaskMetrics(status, completeness, diag.FinishedAt.Sub(diag.SubmittedAt).Seconds())

	res := TaskResult{TaskID: t.id, Query: t.query, Report: report, Err: err, Diagnostics: diag}
	for _, sink := range t.o.reports {
		if serr := sink.HandleResult(t.base, res); serr != nil {
			metrics.SinkErrors.WithLabelValues("report").Inc()
			t.logger.Warn("Report sink failed", zap.Error(serr))
		}
	}

	close(t.done)
	t.o.finished(t)
}

func (t *researchTask) publish(ev Event) {
	for _, sink := range t.o.events {
		if err := sink.HandleEvent(t.base, ev); err != nil {
			metrics.SinkErrors.WithLabelValues("event").Inc()
			t.logger.Warn("Event sink failed", zap.Uint64("seq", ev.Seq), zap.Error(err))
		}
	}
}

// eventsSince returns the events from index next on, a channel closed on
// the next event, and whether the task has emitted its terminal event.
func (t *researchTask) eventsSince(next int) ([]Event, <-chan struct{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Event
	if next < len(t.events) {
		out = append(out, t.events[next:]...)
	}
	return out, t.notify, t.phase.Terminal()
}

func (t *researchTask) snapshotLocked() Diagnostics {
	d := t.diag
	d.History = append([]PhaseRun(nil), t.diag.History...)
	d.ValidationErrors = append([]string(nil), t.diag.ValidationErrors...)
	return d
}
