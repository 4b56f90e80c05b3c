package conflict

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

// PostgresStore persists conflicts and overrides edges.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a PostgreSQL-backed conflict store.
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

func (s *PostgresStore) Create(ctx context.Context, c *Conflict) error {
	query := `
		INSERT INTO conflicts
			(id, conflict_type, status, rule_a, rule_b, pointer_a, pointer_b,
			 slug, detail, resolution_strategy, resolved_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.conn(ctx).ExecContext(ctx, query,
		uuid.UUID(c.ID), string(c.Type), string(c.Status),
		nullRuleID(c.RuleA), nullRuleID(c.RuleB),
		nullPointerID(c.PointerA), nullPointerID(c.PointerB),
		c.Slug, c.Detail, string(c.ResolutionStrategy), c.ResolvedBy, c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// The partial unique indexes allow one unresolved conflict per
			// party pair; the same disagreement is already on file.
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create conflict: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const conflictColumns = `id, conflict_type, status, rule_a, rule_b, pointer_a, pointer_b,
	slug, detail, resolution_strategy, resolved_by, created_at, resolved_at`

func (s *PostgresStore) Get(ctx context.Context, id domain.ConflictID) (*Conflict, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		SELECT `+conflictColumns+` FROM conflicts WHERE id = $1
	`, uuid.UUID(id))
	c, err := scanConflict(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get conflict: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Conflict, error) {
	return s.ListByStatus(ctx, domain.ConflictOpen, limit)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status domain.ConflictStatus, limit int) ([]*Conflict, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+conflictColumns+` FROM conflicts
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()
	var out []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountOpenForRule(ctx context.Context, ruleID domain.RuleID) (int, error) {
	var count int
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT count(*) FROM conflicts
		WHERE status = $1 AND (rule_a = $2 OR rule_b = $2)
	`, string(domain.ConflictOpen), uuid.UUID(ruleID)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count open conflicts: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) Resolve(ctx context.Context, id domain.ConflictID, strategy ResolutionStrategy, resolvedBy, detail string) error {
	return s.close(ctx, id, domain.ConflictResolved, strategy, resolvedBy, detail)
}

func (s *PostgresStore) Escalate(ctx context.Context, id domain.ConflictID, detail string) error {
	return s.close(ctx, id, domain.ConflictEscalated, StrategyEscalate, "", detail)
}

func (s *PostgresStore) close(ctx context.Context, id domain.ConflictID, status domain.ConflictStatus, strategy ResolutionStrategy, resolvedBy, detail string) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE conflicts
		SET status = $1,
		    resolution_strategy = $2,
		    resolved_by = $3,
		    detail = CASE WHEN $4 <> '' THEN $4 ELSE detail END,
		    resolved_at = now()
		WHERE id = $5 AND status = $6
	`, string(status), string(strategy), resolvedBy, detail, uuid.UUID(id), string(domain.ConflictOpen))
	if err != nil {
		return fmt.Errorf("close conflict: %w", err)
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

func (s *PostgresStore) InsertEdge(ctx context.Context, e Edge) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO rule_overrides (winner_id, loser_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (winner_id, loser_id) DO NOTHING
	`, uuid.UUID(e.Winner), uuid.UUID(e.Loser), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert overrides edge: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEdges(ctx context.Context) ([]Edge, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT winner_id, loser_id, created_at FROM rule_overrides
	`)
	if err != nil {
		return nil, fmt.Errorf("list overrides edges: %w", err)
	}
	defer rows.Close()
	var out []Edge
	for rows.Next() {
		var winner, loser uuid.UUID
		var e Edge
		if err := rows.Scan(&winner, &loser, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan overrides edge: %w", err)
		}
		e.Winner = domain.RuleID(winner)
		e.Loser = domain.RuleID(loser)
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConflict(row rowScanner) (*Conflict, error) {
	var (
		c                  Conflict
		id                 uuid.UUID
		ctype, status      string
		ruleA, ruleB       uuid.NullUUID
		pointerA, pointerB uuid.NullUUID
		strategy           string
		resolvedAt         sql.NullTime
	)
	err := row.Scan(&id, &ctype, &status, &ruleA, &ruleB, &pointerA, &pointerB,
		&c.Slug, &c.Detail, &strategy, &c.ResolvedBy, &c.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	c.ID = domain.ConflictID(id)
	c.Type = domain.ConflictType(ctype)
	c.Status = domain.ConflictStatus(status)
	c.ResolutionStrategy = ResolutionStrategy(strategy)
	if ruleA.Valid {
		r := domain.RuleID(ruleA.UUID)
		c.RuleA = &r
	}
	if ruleB.Valid {
		r := domain.RuleID(ruleB.UUID)
		c.RuleB = &r
	}
	if pointerA.Valid {
		p := domain.PointerID(pointerA.UUID)
		c.PointerA = &p
	}
	if pointerB.Valid {
		p := domain.PointerID(pointerB.UUID)
		c.PointerB = &p
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	return &c, nil
}

func nullRuleID(id *domain.RuleID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: uuid.UUID(*id), Valid: true}
}

func nullPointerID(id *domain.PointerID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: uuid.UUID(*id), Valid: true}
}
