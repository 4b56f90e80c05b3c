package deadletter

import (
	"context"
	"sync"
)

// Store persists dead letters append-only.
type Store interface {
	Append(ctx context.Context, item Item) error
	List(ctx context.Context, limit int) ([]Item, error)
}

// InMemoryStore implements Store for unit tests and local development.
type InMemoryStore struct {
	mu    sync.RWMutex
	items []Item
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Append(_ context.Context, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, item)
	return nil
}

func (s *InMemoryStore) List(_ context.Context, limit int) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]Item(nil), s.items...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
