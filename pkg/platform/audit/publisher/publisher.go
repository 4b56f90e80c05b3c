// Package publisher provides the audit emission path used by domain
// services. Compliance events are written synchronously and fail-closed:
// if the audit write fails, the calling operation must fail. Operational
// events may be buffered.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	audit "regpipe/pkg/platform/audit"
)

// Publisher writes events to an audit store. Compliance-category events are
// always synchronous regardless of buffering options.
type Publisher struct {
	store  audit.Store
	logger *slog.Logger

	mu     sync.Mutex
	buffer chan audit.Event
	done   chan struct{}
	closed bool
}

// Option configures the Publisher.
type Option func(*Publisher)

// WithLogger sets a logger for error reporting on the async path.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

// WithAsyncBuffer enables buffered emission for operational events.
func WithAsyncBuffer(size int) Option {
	return func(p *Publisher) {
		if size > 0 {
			p.buffer = make(chan audit.Event, size)
		}
	}
}

// NewPublisher creates a publisher backed by the given store.
func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:  store,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.buffer != nil {
		go p.drain()
	} else {
		close(p.done)
	}
	return p
}

// Emit records an event. Compliance events block until persisted; if the
// write fails the caller must abort its operation.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Category == "" {
		event.Category = audit.AuditEvent(event.Action).Category()
	}

	if event.Category == audit.CategoryCompliance || p.buffer == nil {
		if err := p.store.Append(ctx, event); err != nil {
			return fmt.Errorf("append audit event %s: %w", event.Action, err)
		}
		return nil
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return p.store.Append(ctx, event)
	}
	select {
	case p.buffer <- event:
		return nil
	default:
		// Full buffer falls back to synchronous write rather than dropping.
		return p.store.Append(ctx, event)
	}
}

// List returns events for a subject, for tests and admin inspection.
func (p *Publisher) List(ctx context.Context, subject string) ([]audit.Event, error) {
	return p.store.List(ctx, subject)
}

// Close drains the async buffer and stops the background goroutine.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.buffer != nil {
		close(p.buffer)
	}
	p.mu.Unlock()
	<-p.done
}

func (p *Publisher) drain() {
	defer close(p.done)
	for event := range p.buffer {
		if err := p.store.Append(context.Background(), event); err != nil {
			p.logger.Error("audit append failed", "action", event.Action, "error", err)
		}
	}
}
