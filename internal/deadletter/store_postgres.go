package deadletter

import (
	"context"
	"database/sql"
	"fmt"

	txcontext "regpipe/pkg/platform/tx"
)

// PostgresStore persists dead letters in the dead_letters table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a PostgreSQL-backed dead-letter store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresStore) conn(ctx context.Context) dbConn {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Append(ctx context.Context, item Item) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO dead_letters
			(id, kind, subject_id, stage, reason, detail, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, item.ID, string(item.Kind), item.SubjectID, item.Stage,
		string(item.Reason), item.Detail, item.Attempts, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("append dead letter: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Item, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT id, kind, subject_id, stage, reason, detail, attempts, created_at
		FROM dead_letters
		ORDER BY created_at, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		var (
			item         Item
			kind, reason string
		)
		if err := rows.Scan(&item.ID, &kind, &item.SubjectID, &item.Stage,
			&reason, &item.Detail, &item.Attempts, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		item.Kind = Kind(kind)
		item.Reason = Reason(reason)
		out = append(out, item)
	}
	return out, rows.Err()
}
