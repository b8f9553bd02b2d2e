package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/knowledge"
)

// Agent is one role of the research pipeline. Run reads whatever it needs
// from the store and returns new records; it never writes to the store
// itself.
type Agent interface {
	Name() string
	Phase() string
	Run(ctx context.Context, task Task, store *knowledge.Store) (Result, error)
}

// Executor invokes agents under the retry policy and turns whatever they
// return into an Outcome. Produced records are written to the store before
// Invoke returns.
type Executor struct {
	retrier *Retrier
	logger  *zap.Logger
	now     func() time.Time
}

func NewExecutor(retrier *Retrier, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retrier == nil {
		retrier = NewRetrier(DefaultRetryPolicy(), logger)
	}
	return &Executor{retrier: retrier, logger: logger, now: time.Now}
}

func (e *Executor) Retrier() *Retrier { return e.retrier }

// Invoke runs a against task. ctx should carry the phase deadline.
func (e *Executor) Invoke(ctx context.Context, a Agent, task Task, store *knowledge.Store) Outcome {
	start := e.now()
	task.Phase = a.Phase()

	var res Result
	attempts, err := e.retrier.Do(ctx, task, a.Name(), func(actx context.Context) error {
		r, err := a.Run(actx, task, store)
		if err != nil {
			return err
		}
		res = r
		return nil
	})

	out := e.classify(ctx, a, task, store, res, err)
	out.Attempts = attempts
	out.Duration = e.now().Sub(start)

	fields := []zap.Field{
		zap.String("task_id", task.ID),
		zap.String("agent", a.Name()),
		zap.String("phase", task.Phase),
		zap.Int("pass", task.Pass),
		zap.String("outcome", out.Kind.String()),
		zap.Int("records", len(out.Records)),
		zap.Int("attempts", out.Attempts),
		zap.Duration("duration", out.Duration),
	}
	if out.Kind == OutcomeSuccess {
		e.logger.Debug("Agent finished", fields...)
	} else {
		e.logger.Warn("Agent finished", append(fields, zap.String("reason", out.Reason))...)
	}
	return out
}

func (e *Executor) classify(ctx context.Context, a Agent, task Task, store *knowledge.Store, res Result, err error) Outcome {
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return Failure(ErrCancelled)
		}
		return Failure(err)
	}
	// The attempt was allowed to finish, but its output is discarded.
	if task.IsCancelled() {
		return Failure(ErrCancelled)
	}

	records, werr := e.write(task, a, store, res.Payloads)
	if werr != nil {
		return Failure(fmt.Errorf("store write: %w", werr))
	}

	deadline := errors.Is(ctx.Err(), context.DeadlineExceeded)
	switch {
	case res.Degraded != "":
		return Partial(records, res.Degraded)
	case deadline && len(records) == 0:
		return Failure(&PhaseTimeoutError{Phase: task.Phase, Err: ctx.Err()})
	case deadline:
		return Partial(records, task.Phase+" phase deadline exceeded")
	}
	return Success(records)
}

func (e *Executor) write(task Task, a Agent, store *knowledge.Store, payloads []knowledge.Payload) ([]knowledge.Entry, error) {
	agentID := a.Name() + "-" + GetAgentName(task.ID, roleIndex(a.Name()))
	now := e.now()
	records := make([]knowledge.Entry, 0, len(payloads))
	for _, p := range payloads {
		entry := knowledge.Entry{
			ID:        newEntryID(),
			AgentID:   agentID,
			Phase:     task.Phase,
			Pass:      task.Pass,
			Payload:   p,
			CreatedAt: now,
		}
		if err := store.Put(task.ID, entry); err != nil {
			return records, err
		}
		entry.TaskID = task.ID
		entry.Category = p.Category()
		records = append(records, entry)
	}
	return records, nil
}
