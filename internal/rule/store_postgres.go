package rule

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"regpipe/pkg/domain"
	"regpipe/pkg/platform/sentinel"
	txcontext "regpipe/pkg/platform/tx"
)

// PostgresStore implements Store on the shared relational database. The
// rules table carries a partial unique index over
// (concept_slug, value, value_type, effective_from) for active statuses;
// that index, not application logic, is what serializes racing composers.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a PostgreSQL-backed rule store.
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

func (s *PostgresStore) CreatePointer(ctx context.Context, p *SourcePointer) error {
	query := `
		INSERT INTO source_pointers
			(id, evidence_id, exact_quote, extracted_value, value_type, domain,
			 confidence, proposed_slug, proposed_authority, proposed_risk_tier,
			 proposed_applies_when, effective_from, effective_until, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := s.conn(ctx).ExecContext(ctx, query,
		uuid.UUID(p.ID), uuid.UUID(p.EvidenceID), p.ExactQuote, p.ExtractedValue,
		string(p.ValueType), p.Domain, p.Confidence, p.ProposedSlug,
		string(p.ProposedAuthority), string(p.ProposedRiskTier),
		p.ProposedAppliesWhen, p.EffectiveFrom, nullTime(p.EffectiveUntil),
		string(p.Status), p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create pointer: %w", err)
	}
	return nil
}

const pointerColumns = `id, evidence_id, exact_quote, extracted_value, value_type, domain,
	confidence, proposed_slug, proposed_authority, proposed_risk_tier,
	proposed_applies_when, effective_from, effective_until, status, created_at`

func (s *PostgresStore) GetPointers(ctx context.Context, ids []domain.PointerID) ([]*SourcePointer, error) {
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+pointerColumns+`
		FROM source_pointers WHERE id = ANY($1::uuid[])
		ORDER BY created_at, id
	`, pq.Array(raw))
	if err != nil {
		return nil, fmt.Errorf("get pointers: %w", err)
	}
	pointers, err := scanPointers(rows)
	if err != nil {
		return nil, err
	}
	if len(pointers) != len(ids) {
		return nil, sentinel.ErrNotFound
	}
	return pointers, nil
}

func (s *PostgresStore) ListPointersByStatus(ctx context.Context, status PointerStatus, limit int) ([]*SourcePointer, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+pointerColumns+`
		FROM source_pointers WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list pointers by status: %w", err)
	}
	return scanPointers(rows)
}

func (s *PostgresStore) UpdatePointerStatus(ctx context.Context, id domain.PointerID, from, to PointerStatus) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE source_pointers SET status = $1 WHERE id = $2 AND status = $3
	`, string(to), uuid.UUID(id), string(from))
	if err != nil {
		return fmt.Errorf("update pointer status: %w", err)
	}
	return requireOneRow(res)
}

func (s *PostgresStore) PointersForRule(ctx context.Context, ruleID domain.RuleID) ([]*SourcePointer, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+pointerColumns+`
		FROM source_pointers p
		JOIN rule_pointers rp ON rp.pointer_id = p.id
		WHERE rp.rule_id = $1
		ORDER BY p.created_at, p.id
	`, uuid.UUID(ruleID))
	if err != nil {
		return nil, fmt.Errorf("pointers for rule: %w", err)
	}
	return scanPointers(rows)
}

func (s *PostgresStore) CreateRule(ctx context.Context, r *Rule, pointerIDs []domain.PointerID) error {
	// Rule insert and pointer links must land together; open a transaction
	// unless the caller already carries one.
	ownTx := false
	conn := s.conn(ctx)
	if _, has := txcontext.From(ctx); !has {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create rule: %w", err)
		}
		defer tx.Rollback()
		ctx = txcontext.WithTx(ctx, tx)
		conn = tx
		ownTx = true
	}

	query := `
		INSERT INTO rules
			(id, concept_slug, value, value_type, authority_level, risk_tier,
			 applies_when, effective_from, effective_until, status,
			 meaning_signature, approved_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := conn.ExecContext(ctx, query,
		uuid.UUID(r.ID), r.ConceptSlug, r.Value, string(r.ValueType),
		string(r.AuthorityLevel), string(r.RiskTier), r.AppliesWhen,
		r.EffectiveFrom, nullTime(r.EffectiveUntil), string(r.Status),
		r.MeaningSignature, r.ApprovedBy, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create rule: %w", err)
	}
	if err := s.LinkPointers(ctx, r.ID, pointerIDs); err != nil {
		return err
	}
	if ownTx {
		tx, _ := txcontext.From(ctx)
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit create rule: %w", err)
		}
	}
	return nil
}

const ruleColumns = `id, concept_slug, value, value_type, authority_level, risk_tier,
	applies_when, effective_from, effective_until, status, meaning_signature,
	approved_by, approved_at, superseded_by, created_at, updated_at`

func (s *PostgresStore) GetRule(ctx context.Context, id domain.RuleID) (*Rule, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		SELECT `+ruleColumns+` FROM rules WHERE id = $1
	`, uuid.UUID(id))
	r, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return s.attachPointerIDs(ctx, r)
}

var activeStatuses = pq.Array([]string{
	string(domain.StatusDraft), string(domain.StatusPendingReview),
	string(domain.StatusApproved), string(domain.StatusPublished),
})

func (s *PostgresStore) ListActiveBySlug(ctx context.Context, slug string) ([]*Rule, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+ruleColumns+` FROM rules
		WHERE concept_slug = $1 AND status = ANY($2::text[])
		ORDER BY created_at, id
	`, slug, activeStatuses)
	if err != nil {
		return nil, fmt.Errorf("list active by slug: %w", err)
	}
	return s.scanAndAttach(ctx, rows)
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]*Rule, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+ruleColumns+` FROM rules
		WHERE status = ANY($1::text[])
		ORDER BY created_at, id
	`, activeStatuses)
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	return s.scanAndAttach(ctx, rows)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status domain.RuleStatus, limit int) ([]*Rule, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+ruleColumns+` FROM rules
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list by status: %w", err)
	}
	return s.scanAndAttach(ctx, rows)
}

func (s *PostgresStore) UpdateRuleStatus(ctx context.Context, id domain.RuleID, from, to domain.RuleStatus, approvedBy string) error {
	if !from.CanTransition(to) {
		return sentinel.ErrInvalidState
	}
	var (
		res sql.Result
		err error
	)
	if to == domain.StatusApproved && approvedBy != "" {
		res, err = s.conn(ctx).ExecContext(ctx, `
			UPDATE rules
			SET status = $1, approved_by = $2, approved_at = now(), updated_at = now()
			WHERE id = $3 AND status = $4
		`, string(to), approvedBy, uuid.UUID(id), string(from))
	} else {
		res, err = s.conn(ctx).ExecContext(ctx, `
			UPDATE rules SET status = $1, updated_at = now()
			WHERE id = $2 AND status = $3
		`, string(to), uuid.UUID(id), string(from))
	}
	if err != nil {
		return fmt.Errorf("update rule status: %w", err)
	}
	return requireOneRow(res)
}

func (s *PostgresStore) LinkPointers(ctx context.Context, ruleID domain.RuleID, pointerIDs []domain.PointerID) error {
	for _, pid := range pointerIDs {
		_, err := s.conn(ctx).ExecContext(ctx, `
			INSERT INTO rule_pointers (rule_id, pointer_id)
			VALUES ($1, $2)
			ON CONFLICT (rule_id, pointer_id) DO NOTHING
		`, uuid.UUID(ruleID), uuid.UUID(pid))
		if err != nil {
			return fmt.Errorf("link pointer %s: %w", pid, err)
		}
	}
	return nil
}

func (s *PostgresStore) MarkSuperseded(ctx context.Context, loser, winner domain.RuleID) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE rules
		SET status = $1, superseded_by = $2, updated_at = now()
		WHERE id = $3 AND status = ANY($4::text[])
	`, string(domain.StatusDeprecated), uuid.UUID(winner), uuid.UUID(loser), activeStatuses)
	if err != nil {
		return fmt.Errorf("mark superseded: %w", err)
	}
	return requireOneRow(res)
}

func (s *PostgresStore) ListPublishedAsOf(ctx context.Context, slug string, asOf time.Time) ([]*Rule, error) {
	// The upper bound is exclusive here exactly as it is in WindowContains.
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+ruleColumns+` FROM rules
		WHERE concept_slug = $1
		  AND status = $2
		  AND effective_from <= $3
		  AND (effective_until IS NULL OR $3 < effective_until)
		ORDER BY created_at, id
	`, slug, string(domain.StatusPublished), asOf)
	if err != nil {
		return nil, fmt.Errorf("list published as of: %w", err)
	}
	return s.scanAndAttach(ctx, rows)
}

func (s *PostgresStore) ResolveAlias(ctx context.Context, alias string) (string, error) {
	var canonical string
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT canonical_slug FROM concept_aliases WHERE alias = $1
	`, alias).Scan(&canonical)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", sentinel.ErrNotFound
		}
		return "", fmt.Errorf("resolve alias: %w", err)
	}
	return canonical, nil
}

func (s *PostgresStore) UpsertAlias(ctx context.Context, alias, canonical string) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO concept_aliases (alias, canonical_slug)
		VALUES ($1, $2)
		ON CONFLICT (alias) DO UPDATE SET canonical_slug = EXCLUDED.canonical_slug
	`, alias, canonical)
	if err != nil {
		return fmt.Errorf("upsert alias: %w", err)
	}
	return nil
}

func scanPointers(rows *sql.Rows) ([]*SourcePointer, error) {
	defer rows.Close()
	var out []*SourcePointer
	for rows.Next() {
		var (
			p              SourcePointer
			id, evID       uuid.UUID
			vt, status     string
			authority, rt  string
			effectiveUntil sql.NullTime
		)
		if err := rows.Scan(&id, &evID, &p.ExactQuote, &p.ExtractedValue, &vt,
			&p.Domain, &p.Confidence, &p.ProposedSlug, &authority, &rt,
			&p.ProposedAppliesWhen, &p.EffectiveFrom, &effectiveUntil,
			&status, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pointer: %w", err)
		}
		p.ID = domain.PointerID(id)
		p.EvidenceID = domain.EvidenceID(evID)
		p.ValueType = domain.ValueType(vt)
		p.ProposedAuthority = domain.AuthorityLevel(authority)
		p.ProposedRiskTier = domain.RiskTier(rt)
		if effectiveUntil.Valid {
			t := effectiveUntil.Time
			p.EffectiveUntil = &t
		}
		p.Status = PointerStatus(status)
		out = append(out, &p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r             Rule
		id            uuid.UUID
		vt, al, rt    string
		status        string
		until         sql.NullTime
		approvedAt    sql.NullTime
		supersededBy  uuid.NullUUID
		appliesWhen   []byte
	)
	err := row.Scan(&id, &r.ConceptSlug, &r.Value, &vt, &al, &rt, &appliesWhen,
		&r.EffectiveFrom, &until, &status, &r.MeaningSignature, &r.ApprovedBy,
		&approvedAt, &supersededBy, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.ID = domain.RuleID(id)
	r.ValueType = domain.ValueType(vt)
	r.AuthorityLevel = domain.AuthorityLevel(al)
	r.RiskTier = domain.RiskTier(rt)
	r.AppliesWhen = appliesWhen
	r.Status = domain.RuleStatus(status)
	if until.Valid {
		t := until.Time
		r.EffectiveUntil = &t
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		r.ApprovedAt = &t
	}
	if supersededBy.Valid {
		sid := domain.RuleID(supersededBy.UUID)
		r.SupersededBy = &sid
	}
	return &r, nil
}

func (s *PostgresStore) scanAndAttach(ctx context.Context, rows *sql.Rows) ([]*Rule, error) {
	defer rows.Close()
	var out []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, r := range out {
		if _, err := s.attachPointerIDs(ctx, r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) attachPointerIDs(ctx context.Context, r *Rule) (*Rule, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT pointer_id FROM rule_pointers WHERE rule_id = $1
	`, uuid.UUID(r.ID))
	if err != nil {
		return nil, fmt.Errorf("rule pointer ids: %w", err)
	}
	defer rows.Close()
	r.PointerIDs = r.PointerIDs[:0]
	for rows.Next() {
		var pid uuid.UUID
		if err := rows.Scan(&pid); err != nil {
			return nil, fmt.Errorf("scan pointer id: %w", err)
		}
		r.PointerIDs = append(r.PointerIDs, domain.PointerID(pid))
	}
	return r, rows.Err()
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sentinel.ErrInvalidState
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
