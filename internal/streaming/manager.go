package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/orchestrator"
)

// Manager provides in-memory pub/sub for task phase events. Every task
// keeps a ring buffer for replay and Last-Event-ID support.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan orchestrator.Event]struct{}
	history     map[string]*ring
	capacity    int
	retain      time.Duration
	logger      *zap.Logger
}

// NewManager creates a manager whose rings hold capacity events each.
// History of a finished task is dropped retain after its terminal event;
// zero keeps it until Forget.
func NewManager(capacity int, retain time.Duration, logger *zap.Logger) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subscribers: make(map[string]map[chan orchestrator.Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		retain:      retain,
		logger:      logger,
	}
}

// Subscribe adds a subscriber channel for taskID; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(taskID string, buffer int) chan orchestrator.Event {
	ch := make(chan orchestrator.Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[taskID]
	if subs == nil {
		subs = make(map[chan orchestrator.Event]struct{})
		m.subscribers[taskID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(taskID string, ch chan orchestrator.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[taskID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, taskID)
		}
	}
}

// Publish records ev and sends it to every subscriber of its task without
// blocking. Slow subscribers miss events and must replay. Sends happen
// under the lock so Unsubscribe cannot close a channel mid-send.
func (m *Manager) Publish(ev orchestrator.Event) {
	m.mu.Lock()
	rg := m.history[ev.TaskID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[ev.TaskID] = rg
	}
	rg.push(ev)
	for ch := range m.subscribers[ev.TaskID] {
		select {
		case ch <- ev:
		default:
			m.logger.Debug("Dropping event for slow subscriber",
				zap.String("task_id", ev.TaskID), zap.Uint64("seq", ev.Seq))
		}
	}
	m.mu.Unlock()

	if ev.Terminal() && m.retain > 0 {
		time.AfterFunc(m.retain, func() { m.Forget(ev.TaskID) })
	}
}

// HandleEvent makes the manager an orchestrator event sink.
func (m *Manager) HandleEvent(_ context.Context, ev orchestrator.Event) error {
	m.Publish(ev)
	return nil
}

// ReplaySince returns buffered events with Seq > since (best-effort within
// ring capacity).
func (m *Manager) ReplaySince(taskID string, since uint64) []orchestrator.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[taskID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Finished reports whether the terminal event of taskID has been seen.
func (m *Manager) Finished(taskID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[taskID]
	return rg != nil && rg.terminal
}

// Forget drops the history of taskID.
func (m *Manager) Forget(taskID string) {
	m.mu.Lock()
	delete(m.history, taskID)
	m.mu.Unlock()
}

// Marshal returns JSON for event payloads in SSE or logs.
func Marshal(ev orchestrator.Event) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event %s/%d: %w", ev.TaskID, ev.Seq, err)
	}
	return b, nil
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf      []orchestrator.Event
	start    int
	count    int
	terminal bool
}

func newRing(capacity int) *ring { return &ring{buf: make([]orchestrator.Event, capacity)} }

func (r *ring) push(e orchestrator.Event) {
	if e.Terminal() {
		r.terminal = true
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []orchestrator.Event {
	out := make([]orchestrator.Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
