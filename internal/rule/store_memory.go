package rule

import (
	"context"
	"sort"
	"sync"
	"time"

	"regpipe/pkg/domain"
	"regpipe/pkg/platform/sentinel"
)

// InMemoryStore implements Store for unit tests and local development. It
// enforces the same write-time uniqueness the Postgres schema does, so the
// composer's race behavior is testable without a database.
type InMemoryStore struct {
	mu       sync.RWMutex
	pointers map[domain.PointerID]*SourcePointer
	rules    map[domain.RuleID]*Rule
	// identity simulates the partial unique index over active rules.
	identity map[string]domain.RuleID
	links    map[domain.RuleID]map[domain.PointerID]struct{}
	aliases  map[string]string
	seq      int64
	order    map[domain.PointerID]int64
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		pointers: make(map[domain.PointerID]*SourcePointer),
		rules:    make(map[domain.RuleID]*Rule),
		identity: make(map[string]domain.RuleID),
		links:    make(map[domain.RuleID]map[domain.PointerID]struct{}),
		aliases:  make(map[string]string),
		order:    make(map[domain.PointerID]int64),
	}
}

func (s *InMemoryStore) CreatePointer(_ context.Context, p *SourcePointer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pointers[p.ID]; exists {
		return sentinel.ErrConflict
	}
	clone := *p
	s.seq++
	s.pointers[p.ID] = &clone
	s.order[p.ID] = s.seq
	return nil
}

func (s *InMemoryStore) GetPointers(_ context.Context, ids []domain.PointerID) ([]*SourcePointer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*SourcePointer, 0, len(ids))
	for _, id := range ids {
		p, ok := s.pointers[id]
		if !ok {
			return nil, sentinel.ErrNotFound
		}
		clone := *p
		out = append(out, &clone)
	}
	return out, nil
}

func (s *InMemoryStore) ListPointersByStatus(_ context.Context, status PointerStatus, limit int) ([]*SourcePointer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*SourcePointer
	for _, p := range s.pointers {
		if p.Status == status {
			clone := *p
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] < s.order[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) UpdatePointerStatus(_ context.Context, id domain.PointerID, from, to PointerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pointers[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if p.Status != from {
		return sentinel.ErrInvalidState
	}
	p.Status = to
	return nil
}

func (s *InMemoryStore) PointersForRule(_ context.Context, ruleID domain.RuleID) ([]*SourcePointer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	linkSet, ok := s.links[ruleID]
	if !ok {
		return nil, nil
	}
	var out []*SourcePointer
	for id := range linkSet {
		if p, ok := s.pointers[id]; ok {
			clone := *p
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] < s.order[out[j].ID] })
	return out, nil
}

func (s *InMemoryStore) CreateRule(_ context.Context, r *Rule, pointerIDs []domain.PointerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rules[r.ID]; exists {
		return sentinel.ErrConflict
	}
	key := r.IdentityKey()
	if existingID, taken := s.identity[key]; taken {
		if existing, ok := s.rules[existingID]; ok && existing.Status.Active() {
			return sentinel.ErrConflict
		}
	}
	clone := *r
	clone.PointerIDs = append([]domain.PointerID(nil), pointerIDs...)
	s.rules[r.ID] = &clone
	s.identity[key] = r.ID
	set := make(map[domain.PointerID]struct{}, len(pointerIDs))
	for _, id := range pointerIDs {
		set[id] = struct{}{}
	}
	s.links[r.ID] = set
	return nil
}

func (s *InMemoryStore) GetRule(_ context.Context, id domain.RuleID) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.cloneRule(r), nil
}

func (s *InMemoryStore) ListActiveBySlug(_ context.Context, slug string) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Rule
	for _, r := range s.rules {
		if r.ConceptSlug == slug && r.Status.Active() {
			out = append(out, s.cloneRule(r))
		}
	}
	sortRules(out)
	return out, nil
}

func (s *InMemoryStore) ListActive(_ context.Context) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Rule
	for _, r := range s.rules {
		if r.Status.Active() {
			out = append(out, s.cloneRule(r))
		}
	}
	sortRules(out)
	return out, nil
}

func (s *InMemoryStore) ListByStatus(_ context.Context, status domain.RuleStatus, limit int) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Rule
	for _, r := range s.rules {
		if r.Status == status {
			out = append(out, s.cloneRule(r))
		}
	}
	sortRules(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) UpdateRuleStatus(_ context.Context, id domain.RuleID, from, to domain.RuleStatus, approvedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if r.Status != from || !from.CanTransition(to) {
		return sentinel.ErrInvalidState
	}
	r.Status = to
	r.UpdatedAt = time.Now().UTC()
	if to == domain.StatusApproved && approvedBy != "" {
		r.ApprovedBy = approvedBy
		now := time.Now().UTC()
		r.ApprovedAt = &now
	}
	return nil
}

func (s *InMemoryStore) LinkPointers(_ context.Context, ruleID domain.RuleID, pointerIDs []domain.PointerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleID]
	if !ok {
		return sentinel.ErrNotFound
	}
	set := s.links[ruleID]
	if set == nil {
		set = make(map[domain.PointerID]struct{})
		s.links[ruleID] = set
	}
	for _, id := range pointerIDs {
		if _, exists := set[id]; !exists {
			set[id] = struct{}{}
			r.PointerIDs = append(r.PointerIDs, id)
		}
	}
	return nil
}

func (s *InMemoryStore) MarkSuperseded(_ context.Context, loser, winner domain.RuleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[loser]
	if !ok {
		return sentinel.ErrNotFound
	}
	if !r.Status.Active() {
		return sentinel.ErrInvalidState
	}
	r.Status = domain.StatusDeprecated
	w := winner
	r.SupersededBy = &w
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) ListPublishedAsOf(_ context.Context, slug string, asOf time.Time) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Rule
	for _, r := range s.rules {
		if r.Status != domain.StatusPublished || r.ConceptSlug != slug {
			continue
		}
		if WindowContains(r.EffectiveFrom, r.EffectiveUntil, asOf) {
			out = append(out, s.cloneRule(r))
		}
	}
	sortRules(out)
	return out, nil
}

func (s *InMemoryStore) ResolveAlias(_ context.Context, alias string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	canonical, ok := s.aliases[alias]
	if !ok {
		return "", sentinel.ErrNotFound
	}
	return canonical, nil
}

func (s *InMemoryStore) UpsertAlias(_ context.Context, alias, canonical string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases[alias] = canonical
	return nil
}

func (s *InMemoryStore) cloneRule(r *Rule) *Rule {
	clone := *r
	clone.PointerIDs = append([]domain.PointerID(nil), r.PointerIDs...)
	clone.AppliesWhen = append([]byte(nil), r.AppliesWhen...)
	if links, ok := s.links[r.ID]; ok && len(clone.PointerIDs) != len(links) {
		clone.PointerIDs = clone.PointerIDs[:0]
		for id := range links {
			clone.PointerIDs = append(clone.PointerIDs, id)
		}
	}
	return &clone
}

func sortRules(rules []*Rule) {
	sort.Slice(rules, func(i, j int) bool {
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID.String() < rules[j].ID.String()
	})
}
