package releaser

import (
	"context"
	"sync"

	"regpipe/pkg/domain"
	"regpipe/pkg/platform/sentinel"
)

// Store persists releases. Releases are insert-only.
type Store interface {
	Create(ctx context.Context, r *Release) error
	// Latest returns the most recent release, or sentinel.ErrNotFound when
	// nothing has been published yet.
	Latest(ctx context.Context) (*Release, error)
	List(ctx context.Context, limit int) ([]*Release, error)
}

// InMemoryStore implements Store for unit tests and local development.
type InMemoryStore struct {
	mu       sync.RWMutex
	releases []*Release
	versions map[string]struct{}
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{versions: make(map[string]struct{})}
}

func (s *InMemoryStore) Create(_ context.Context, r *Release) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.versions[r.Version]; taken {
		return sentinel.ErrConflict
	}
	clone := *r
	clone.RuleIDs = append([]domain.RuleID(nil), r.RuleIDs...)
	s.releases = append(s.releases, &clone)
	s.versions[r.Version] = struct{}{}
	return nil
}

func (s *InMemoryStore) Latest(_ context.Context) (*Release, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.releases) == 0 {
		return nil, sentinel.ErrNotFound
	}
	clone := *s.releases[len(s.releases)-1]
	clone.RuleIDs = append([]domain.RuleID(nil), clone.RuleIDs...)
	return &clone, nil
}

func (s *InMemoryStore) List(_ context.Context, limit int) ([]*Release, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Release, 0, len(s.releases))
	for i := len(s.releases) - 1; i >= 0; i-- {
		clone := *s.releases[i]
		clone.RuleIDs = append([]domain.RuleID(nil), clone.RuleIDs...)
		out = append(out, &clone)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
