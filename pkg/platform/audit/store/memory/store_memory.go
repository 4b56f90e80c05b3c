// Package memory provides an in-memory append-only audit store for unit
// tests and local development.
package memory

import (
	"context"
	"sync"

	audit "regpipe/pkg/platform/audit"
)

// Store keeps events in append order.
type Store struct {
	mu     sync.RWMutex
	events []audit.Event
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Append records the event. Events are never mutated after insertion.
func (s *Store) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// List returns events for a subject in append order. Empty subject returns
// every event.
func (s *Store) List(_ context.Context, subject string) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Event
	for _, e := range s.events {
		if subject == "" || e.Subject == subject {
			out = append(out, e)
		}
	}
	return out, nil
}
