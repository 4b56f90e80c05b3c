package conflict

import (
	"context"
	"sort"
	"sync"
	"time"

	"regpipe/pkg/domain"
	"regpipe/pkg/platform/sentinel"
)

// Store persists conflicts and the overrides edge list.
type Store interface {
	// Create inserts an OPEN conflict. sentinel.ErrConflict when an
	// unresolved conflict (OPEN or ESCALATED) between the same parties
	// already exists; re-detection of a standing disagreement must not
	// grow the table.
	Create(ctx context.Context, c *Conflict) error
	Get(ctx context.Context, id domain.ConflictID) (*Conflict, error)
	// ListOpen returns OPEN conflicts oldest first.
	ListOpen(ctx context.Context, limit int) ([]*Conflict, error)
	// ListByStatus returns conflicts in the given status, oldest first.
	ListByStatus(ctx context.Context, status domain.ConflictStatus, limit int) ([]*Conflict, error)
	CountOpenForRule(ctx context.Context, ruleID domain.RuleID) (int, error)
	// Resolve moves OPEN → RESOLVED; sentinel.ErrInvalidState if not OPEN.
	Resolve(ctx context.Context, id domain.ConflictID, strategy ResolutionStrategy, resolvedBy, detail string) error
	// Escalate moves OPEN → ESCALATED; sentinel.ErrInvalidState if not OPEN.
	Escalate(ctx context.Context, id domain.ConflictID, detail string) error
	InsertEdge(ctx context.Context, e Edge) error
	ListEdges(ctx context.Context) ([]Edge, error)
}

// InMemoryStore implements Store for unit tests and local development.
type InMemoryStore struct {
	mu        sync.RWMutex
	conflicts map[domain.ConflictID]*Conflict
	edges     []Edge
	seq       int64
	order     map[domain.ConflictID]int64
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conflicts: make(map[domain.ConflictID]*Conflict),
		order:     make(map[domain.ConflictID]int64),
	}
}

func (s *InMemoryStore) Create(_ context.Context, c *Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conflicts[c.ID]; exists {
		return sentinel.ErrConflict
	}
	for _, existing := range s.conflicts {
		if existing.Status != domain.ConflictResolved && sameParties(existing, c) {
			return sentinel.ErrConflict
		}
	}
	clone := *c
	s.seq++
	s.conflicts[c.ID] = &clone
	s.order[c.ID] = s.seq
	return nil
}

func sameParties(a, b *Conflict) bool {
	return a.Type == b.Type &&
		equalRuleRef(a.RuleA, b.RuleA) && equalRuleRef(a.RuleB, b.RuleB) &&
		equalPointerRef(a.PointerA, b.PointerA) && equalPointerRef(a.PointerB, b.PointerB)
}

func equalRuleRef(a, b *domain.RuleID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalPointerRef(a, b *domain.PointerID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *InMemoryStore) Get(_ context.Context, id domain.ConflictID) (*Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conflicts[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	clone := *c
	return &clone, nil
}

func (s *InMemoryStore) ListOpen(ctx context.Context, limit int) ([]*Conflict, error) {
	return s.ListByStatus(ctx, domain.ConflictOpen, limit)
}

func (s *InMemoryStore) ListByStatus(_ context.Context, status domain.ConflictStatus, limit int) ([]*Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Conflict
	for _, c := range s.conflicts {
		if c.Status == status {
			clone := *c
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] < s.order[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) CountOpenForRule(_ context.Context, ruleID domain.RuleID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, c := range s.conflicts {
		if c.Status != domain.ConflictOpen {
			continue
		}
		if (c.RuleA != nil && *c.RuleA == ruleID) || (c.RuleB != nil && *c.RuleB == ruleID) {
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) Resolve(_ context.Context, id domain.ConflictID, strategy ResolutionStrategy, resolvedBy, detail string) error {
	return s.close(id, domain.ConflictResolved, strategy, resolvedBy, detail)
}

func (s *InMemoryStore) Escalate(_ context.Context, id domain.ConflictID, detail string) error {
	return s.close(id, domain.ConflictEscalated, StrategyEscalate, "", detail)
}

func (s *InMemoryStore) close(id domain.ConflictID, status domain.ConflictStatus, strategy ResolutionStrategy, resolvedBy, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conflicts[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if c.Status != domain.ConflictOpen {
		return sentinel.ErrInvalidState
	}
	now := time.Now().UTC()
	c.Status = status
	c.ResolutionStrategy = strategy
	c.ResolvedBy = resolvedBy
	if detail != "" {
		c.Detail = detail
	}
	c.ResolvedAt = &now
	return nil
}

func (s *InMemoryStore) InsertEdge(_ context.Context, e Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges = append(s.edges, e)
	return nil
}

func (s *InMemoryStore) ListEdges(_ context.Context) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Edge(nil), s.edges...), nil
}
