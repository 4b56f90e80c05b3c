package evidence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"regpipe/pkg/domain"
	"regpipe/pkg/platform/sentinel"
)

// PostgresStore persists evidence records. Rows are insert-only; there is no
// update path by construction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a PostgreSQL-backed evidence store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Put inserts an evidence record. A duplicate id returns
// sentinel.ErrImmutable.
func (s *PostgresStore) Put(ctx context.Context, ev *Evidence) error {
	query := `
		INSERT INTO evidence (id, content_hash, raw_content, content_class, text, source_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query,
		uuid.UUID(ev.ID), ev.ContentHash, ev.RawContent, string(ev.ContentClass),
		ev.Text, ev.SourceURL, ev.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrImmutable
		}
		return fmt.Errorf("put evidence: %w", err)
	}
	return nil
}

// Get returns the evidence record or sentinel.ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, id domain.EvidenceID) (*Evidence, error) {
	var (
		ev    Evidence
		rawID uuid.UUID
		class string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, content_hash, raw_content, content_class, text, source_url, created_at
		FROM evidence WHERE id = $1
	`, uuid.UUID(id)).Scan(&rawID, &ev.ContentHash, &ev.RawContent, &class, &ev.Text, &ev.SourceURL, &ev.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get evidence: %w", err)
	}
	ev.ID = domain.EvidenceID(rawID)
	ev.ContentClass = ContentClass(class)
	return &ev, nil
}

// ListUnextracted returns documents awaiting extraction, oldest first.
func (s *PostgresStore) ListUnextracted(ctx context.Context, limit int) ([]*Evidence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content_hash, raw_content, content_class, text, source_url, created_at
		FROM evidence
		WHERE extracted_at IS NULL
		ORDER BY created_at, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unextracted: %w", err)
	}
	defer rows.Close()
	var out []*Evidence
	for rows.Next() {
		var (
			ev    Evidence
			rawID uuid.UUID
			class string
		)
		if err := rows.Scan(&rawID, &ev.ContentHash, &ev.RawContent, &class,
			&ev.Text, &ev.SourceURL, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		ev.ID = domain.EvidenceID(rawID)
		ev.ContentClass = ContentClass(class)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// MarkExtracted records that extraction consumed the document.
func (s *PostgresStore) MarkExtracted(ctx context.Context, id domain.EvidenceID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE evidence SET extracted_at = now()
		WHERE id = $1 AND extracted_at IS NULL
	`, uuid.UUID(id))
	if err != nil {
		return fmt.Errorf("mark extracted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sentinel.ErrInvalidState
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
