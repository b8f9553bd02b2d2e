package knowledge

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrUnknownTask      = errors.New("knowledge: unknown or purged task")
	ErrTaskExists       = errors.New("knowledge: task partition already open")
	ErrDuplicateEntry   = errors.New("knowledge: duplicate entry id")
	ErrStageClosed      = errors.New("knowledge: entry phase is not the open stage")
	ErrCategoryMismatch = errors.New("knowledge: entry category does not match payload")
	ErrNilPayload       = errors.New("knowledge: entry has no payload")
)

// Store holds one append-only partition per research task.
//
// The store-level lock only guards the partition map; every partition has
// its own lock, so operations on different tasks never contend.
type Store struct {
	mu    sync.RWMutex
	parts map[string]*partition
}

type partition struct {
	mu      sync.RWMutex
	stage   string
	entries []Entry
	byCat   map[Category][]int
	ids     map[string]struct{}
	purged  bool
}

// PurgeSummary describes what a partition held when it was released.
type PurgeSummary struct {
	TaskID string           `json:"task_id"`
	Total  int              `json:"total"`
	Counts map[Category]int `json:"counts"`
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{parts: make(map[string]*partition)}
}

// Open creates the partition for taskID.
func (s *Store) Open(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.parts[taskID]; ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, taskID)
	}
	s.parts[taskID] = &partition{
		byCat: make(map[Category][]int),
		ids:   make(map[string]struct{}),
	}
	return nil
}

// Advance sets the stage whose entries the partition accepts. Entries
// tagged with any other phase are refused until the stage changes again.
func (s *Store) Advance(taskID, stage string) error {
	p, err := s.partition(taskID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.stage = stage
	p.mu.Unlock()
	return nil
}

// Stage returns the currently open stage of a task.
func (s *Store) Stage(taskID string) (string, error) {
	p, err := s.partition(taskID)
	if err != nil {
		return "", err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stage, nil
}

// Put appends an entry to the task's log. The entry is copied, so later
// changes by the caller are not visible to readers. Entries without an ID
// get a random one.
func (s *Store) Put(taskID string, e Entry) error {
	if e.Payload == nil {
		return ErrNilPayload
	}
	if e.Category == "" {
		e.Category = e.Payload.Category()
	} else if e.Category != e.Payload.Category() {
		return fmt.Errorf("%w: %s vs %s", ErrCategoryMismatch, e.Category, e.Payload.Category())
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.TaskID = taskID
	e = e.clone()

	p, err := s.partition(taskID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.purged {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if p.stage != "" && e.Phase != p.stage {
		return fmt.Errorf("%w: %q while %q is open", ErrStageClosed, e.Phase, p.stage)
	}
	if _, dup := p.ids[e.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, e.ID)
	}
	p.ids[e.ID] = struct{}{}
	p.entries = append(p.entries, e)
	p.byCat[e.Category] = append(p.byCat[e.Category], len(p.entries)-1)
	return nil
}

// GetByCategory returns a point-in-time copy of all entries in category,
// in append order.
func (s *Store) GetByCategory(taskID string, c Category) ([]Entry, error) {
	p, err := s.partition(taskID)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	idx := p.byCat[c]
	out := make([]Entry, len(idx))
	for i, n := range idx {
		out[i] = p.entries[n].clone()
	}
	return out, nil
}

// Len returns the number of entries stored for the task.
func (s *Store) Len(taskID string) int {
	p, err := s.partition(taskID)
	if err != nil {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Purge releases the whole partition.
func (s *Store) Purge(taskID string) (PurgeSummary, error) {
	s.mu.Lock()
	p, ok := s.parts[taskID]
	delete(s.parts, taskID)
	s.mu.Unlock()
	if !ok {
		return PurgeSummary{TaskID: taskID}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	sum := PurgeSummary{TaskID: taskID, Total: len(p.entries), Counts: make(map[Category]int, len(p.byCat))}
	for c, idx := range p.byCat {
		sum.Counts[c] = len(idx)
	}
	p.entries = nil
	p.byCat = nil
	p.ids = nil
	p.purged = true
	return sum, nil
}

// Tasks returns the number of open partitions.
func (s *Store) Tasks() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.parts)
}

func (s *Store) partition(taskID string) (*partition, error) {
	s.mu.RLock()
	p, ok := s.parts[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return p, nil
}
