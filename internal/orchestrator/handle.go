package orchestrator

import (
	"context"

	"github.com/Kocoro-lab/research-orchestrator/internal/knowledge"
)

// Handle is the caller's reference to a submitted task.
type Handle struct {
	t *researchTask
}

func (h *Handle) ID() string    { return h.t.id }
func (h *Handle) Query() string { return h.t.query }

// Done is closed once the task is Done or Failed and its result is final.
func (h *Handle) Done() <-chan struct{} { return h.t.done }

// Cancel asks the task to stop. In-flight attempts finish first; the task
// then fails with ErrCancelled. Cancelling a finished task has no effect.
func (h *Handle) Cancel() { h.t.cancel() }

// Phase returns the phase the task is currently in.
func (h *Handle) Phase() Phase {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	return h.t.phase
}

// Events returns the transitions emitted so far.
func (h *Handle) Events() []Event {
	evs, _, _ := h.t.eventsSince(0)
	return evs
}

// Subscribe streams the task's transitions, starting with those already
// emitted. The channel is closed after the terminal event or when ctx is
// done. A handle can be subscribed once.
func (h *Handle) Subscribe(ctx context.Context) (<-chan Event, error) {
	if !h.t.subscribed.CompareAndSwap(false, true) {
		return nil, ErrAlreadySubscribed
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		next := 0
		for {
			evs, wait, terminal := h.t.eventsSince(next)
			for _, ev := range evs {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			next += len(evs)
			if terminal {
				return
			}
			if len(evs) > 0 {
				continue
			}
			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Result waits for the task and returns its report, or a *TaskError when
// the task failed.
func (h *Handle) Result(ctx context.Context) (*knowledge.Report, error) {
	select {
	case <-h.t.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	return h.t.report, h.t.err
}

// Diagnostics returns a copy of the task's history. The purge summary is
// set once the task is terminal.
func (h *Handle) Diagnostics() Diagnostics {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	return h.t.snapshotLocked()
}
