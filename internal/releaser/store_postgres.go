package releaser

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"regpipe/pkg/domain"
	"regpipe/pkg/platform/sentinel"
	txcontext "regpipe/pkg/platform/tx"
)

// PostgresStore persists releases in the releases and release_rules tables.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a PostgreSQL-backed release store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) conn(ctx context.Context) dbConn {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Create(ctx context.Context, r *Release) error {
	conn := s.conn(ctx)
	_, err := conn.ExecContext(ctx, `
		INSERT INTO releases
			(id, version, content_hash, released_at, effective_from,
			 distinct_evidence, pointers, human_approvals, auto_approvals,
			 mean_confidence, median_confidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, uuid.UUID(r.ID), r.Version, r.ContentHash, r.ReleasedAt, r.EffectiveFrom,
		r.AuditTrail.DistinctEvidence, r.AuditTrail.Pointers,
		r.AuditTrail.HumanApprovals, r.AuditTrail.AutoApprovals,
		r.AuditTrail.MeanConfidence, r.AuditTrail.MedianConfidence)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create release: %w", err)
	}
	for _, rid := range r.RuleIDs {
		if _, err := conn.ExecContext(ctx, `
			INSERT INTO release_rules (release_id, rule_id) VALUES ($1, $2)
		`, uuid.UUID(r.ID), uuid.UUID(rid)); err != nil {
			return fmt.Errorf("link release rule: %w", err)
		}
	}
	return nil
}

const releaseColumns = `id, version, content_hash, released_at, effective_from,
	distinct_evidence, pointers, human_approvals, auto_approvals,
	mean_confidence, median_confidence`

func (s *PostgresStore) Latest(ctx context.Context) (*Release, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		SELECT `+releaseColumns+` FROM releases
		ORDER BY released_at DESC, id DESC
		LIMIT 1
	`)
	r, err := scanRelease(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("latest release: %w", err)
	}
	return s.attachRuleIDs(ctx, r)
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]*Release, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+releaseColumns+` FROM releases
		ORDER BY released_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}
	defer rows.Close()
	var out []*Release
	for rows.Next() {
		r, err := scanRelease(rows)
		if err != nil {
			return nil, fmt.Errorf("scan release: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, r := range out {
		if _, err := s.attachRuleIDs(ctx, r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRelease(row rowScanner) (*Release, error) {
	var (
		r  Release
		id uuid.UUID
	)
	err := row.Scan(&id, &r.Version, &r.ContentHash, &r.ReleasedAt, &r.EffectiveFrom,
		&r.AuditTrail.DistinctEvidence, &r.AuditTrail.Pointers,
		&r.AuditTrail.HumanApprovals, &r.AuditTrail.AutoApprovals,
		&r.AuditTrail.MeanConfidence, &r.AuditTrail.MedianConfidence)
	if err != nil {
		return nil, err
	}
	r.ID = domain.ReleaseID(id)
	return &r, nil
}

func (s *PostgresStore) attachRuleIDs(ctx context.Context, r *Release) (*Release, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT rule_id FROM release_rules WHERE release_id = $1
	`, uuid.UUID(r.ID))
	if err != nil {
		return nil, fmt.Errorf("release rule ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rid uuid.UUID
		if err := rows.Scan(&rid); err != nil {
			return nil, fmt.Errorf("scan release rule id: %w", err)
		}
		r.RuleIDs = append(r.RuleIDs, domain.RuleID(rid))
	}
	return r, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
