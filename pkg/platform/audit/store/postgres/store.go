// Package postgres implements audit.Store using the transactional outbox
// pattern. Events are written to the outbox table in the caller's
// transaction when one is present, so an audit record and the state change
// it describes commit atomically. The relay publishes outbox rows to Kafka.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	audit "regpipe/pkg/platform/audit"
	txcontext "regpipe/pkg/platform/tx"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store writes audit events to the audit_outbox table.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL audit store that writes to the outbox.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type dbQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// outboxPayload is the JSON structure relayed to Kafka. Field names match
// audit.Event for deserialization by consumers.
type outboxPayload struct {
	ID        string `json:"ID"`
	Category  string `json:"Category"`
	Timestamp string `json:"Timestamp"`
	Action    string `json:"Action"`
	Subject   string `json:"Subject,omitempty"`
	Actor     string `json:"Actor,omitempty"`
	Decision  string `json:"Decision,omitempty"`
	Reason    string `json:"Reason,omitempty"`
	RequestID string `json:"RequestID,omitempty"`
}

// Append writes an audit event to the outbox table.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	eventID := uuid.New()

	// Category is always derived from the action; the eventCategories map is
	// the source of truth.
	category := audit.AuditEvent(event.Action).Category()

	payload := outboxPayload{
		ID:        eventID.String(),
		Category:  string(category),
		Timestamp: event.Timestamp.Format(time.RFC3339Nano),
		Action:    event.Action,
		Subject:   event.Subject,
		Actor:     event.Actor,
		Decision:  event.Decision,
		Reason:    event.Reason,
		RequestID: event.RequestID,
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	query := `
		INSERT INTO audit_outbox (id, category, action, subject, actor, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		eventID, string(category), event.Action, event.Subject, event.Actor,
		payloadBytes, event.Timestamp)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// List returns events for a subject in append order.
func (s *Store) List(ctx context.Context, subject string) ([]audit.Event, error) {
	var q dbQuerier = s.db
	if tx, ok := txcontext.From(ctx); ok {
		q = tx
	}
	rows, err := q.QueryContext(ctx, `
		SELECT category, action, subject, actor, payload, created_at
		FROM audit_outbox
		WHERE ($1 = '' OR subject = $1)
		ORDER BY created_at, id
	`, subject)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			event   audit.Event
			payload []byte
			cat     string
		)
		if err := rows.Scan(&cat, &event.Action, &event.Subject, &event.Actor, &payload, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.Category = audit.EventCategory(cat)
		var body outboxPayload
		if err := json.Unmarshal(payload, &body); err == nil {
			event.Decision = body.Decision
			event.Reason = body.Reason
			event.RequestID = body.RequestID
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// NextBatch returns unrelayed outbox rows for the Kafka relay, oldest first.
func (s *Store) NextBatch(ctx context.Context, limit int) ([]OutboxRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, payload
		FROM audit_outbox
		WHERE relayed_at IS NULL
		ORDER BY created_at, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch outbox batch: %w", err)
	}
	defer rows.Close()

	var batch []OutboxRow
	for rows.Next() {
		var row OutboxRow
		if err := rows.Scan(&row.ID, &row.Category, &row.Payload); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		batch = append(batch, row)
	}
	return batch, rows.Err()
}

// MarkRelayed stamps outbox rows as published. Rows are retained for audit,
// never deleted.
func (s *Store) MarkRelayed(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE audit_outbox SET relayed_at = $1 WHERE id = ANY($2::uuid[])`
	if _, err := s.db.ExecContext(ctx, query, at, pq.Array(idStrings(ids))); err != nil {
		return fmt.Errorf("mark outbox relayed: %w", err)
	}
	return nil
}

// OutboxRow is one pending outbox record.
type OutboxRow struct {
	ID       uuid.UUID
	Category string
	Payload  []byte
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
