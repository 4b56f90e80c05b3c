package evidence

import (
	"context"
	"sort"
	"sync"

	"regpipe/pkg/domain"
	"regpipe/pkg/platform/sentinel"
)

// Store is the evidence boundary the pipeline depends on. Content is
// immutable; only the extraction bookkeeping mark moves, which is the same
// status-field handoff every other stage uses.
type Store interface {
	Put(ctx context.Context, ev *Evidence) error
	Get(ctx context.Context, id domain.EvidenceID) (*Evidence, error)
	// ListUnextracted returns documents not yet handed to extraction,
	// oldest first.
	ListUnextracted(ctx context.Context, limit int) ([]*Evidence, error)
	// MarkExtracted is compare-and-set on the unextracted mark; a second
	// call returns sentinel.ErrInvalidState.
	MarkExtracted(ctx context.Context, id domain.EvidenceID) error
}

// InMemoryStore holds evidence for unit tests and local development.
type InMemoryStore struct {
	mu        sync.RWMutex
	records   map[domain.EvidenceID]*Evidence
	extracted map[domain.EvidenceID]bool
	seq       int64
	order     map[domain.EvidenceID]int64
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records:   make(map[domain.EvidenceID]*Evidence),
		extracted: make(map[domain.EvidenceID]bool),
		order:     make(map[domain.EvidenceID]int64),
	}
}

// Put creates an evidence record. Existing records are immutable: a second
// Put for the same id returns sentinel.ErrImmutable.
func (s *InMemoryStore) Put(_ context.Context, ev *Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[ev.ID]; exists {
		return sentinel.ErrImmutable
	}
	clone := *ev
	s.seq++
	s.records[ev.ID] = &clone
	s.order[ev.ID] = s.seq
	return nil
}

// ListUnextracted returns documents awaiting extraction, oldest first.
func (s *InMemoryStore) ListUnextracted(_ context.Context, limit int) ([]*Evidence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Evidence
	for id, ev := range s.records {
		if !s.extracted[id] {
			clone := *ev
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] < s.order[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkExtracted records that extraction consumed the document.
func (s *InMemoryStore) MarkExtracted(_ context.Context, id domain.EvidenceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return sentinel.ErrNotFound
	}
	if s.extracted[id] {
		return sentinel.ErrInvalidState
	}
	s.extracted[id] = true
	return nil
}

// Get returns the evidence record or sentinel.ErrNotFound.
func (s *InMemoryStore) Get(_ context.Context, id domain.EvidenceID) (*Evidence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.records[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	clone := *ev
	return &clone, nil
}
