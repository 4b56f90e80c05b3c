package rule

import (
	"context"
	"time"

	"regpipe/pkg/domain"
)

// PointerStore manages source pointer rows.
type PointerStore interface {
	CreatePointer(ctx context.Context, p *SourcePointer) error
	GetPointers(ctx context.Context, ids []domain.PointerID) ([]*SourcePointer, error)
	// ListPointersByStatus returns up to limit pointers in the given status,
	// oldest first, so stages drain their backlog in arrival order.
	ListPointersByStatus(ctx context.Context, status PointerStatus, limit int) ([]*SourcePointer, error)
	// UpdatePointerStatus is compare-and-set: it fails with
	// sentinel.ErrInvalidState when the row is no longer in from.
	UpdatePointerStatus(ctx context.Context, id domain.PointerID, from, to PointerStatus) error
	PointersForRule(ctx context.Context, ruleID domain.RuleID) ([]*SourcePointer, error)
}

// RuleStore manages rule rows and their pointer links.
type RuleStore interface {
	// CreateRule inserts the rule and links its pointers atomically. The
	// store's uniqueness constraint on the rule identity rejects concurrent
	// duplicates with sentinel.ErrConflict.
	CreateRule(ctx context.Context, r *Rule, pointerIDs []domain.PointerID) error
	GetRule(ctx context.Context, id domain.RuleID) (*Rule, error)
	ListActiveBySlug(ctx context.Context, slug string) ([]*Rule, error)
	ListActive(ctx context.Context) ([]*Rule, error)
	ListByStatus(ctx context.Context, status domain.RuleStatus, limit int) ([]*Rule, error)
	// UpdateRuleStatus is compare-and-set on the status column; edges outside
	// the lifecycle table fail with sentinel.ErrInvalidState before any write.
	// approvedBy is recorded only on transitions into APPROVED.
	UpdateRuleStatus(ctx context.Context, id domain.RuleID, from, to domain.RuleStatus, approvedBy string) error
	// LinkPointers attaches pointers to a rule; duplicate links are no-ops.
	LinkPointers(ctx context.Context, ruleID domain.RuleID, pointerIDs []domain.PointerID) error
	// MarkSuperseded deprecates the loser and records the winner reference
	// in one statement.
	MarkSuperseded(ctx context.Context, loser, winner domain.RuleID) error
	// ListPublishedAsOf applies the canonical temporal filter:
	// effectiveFrom <= asOf < effectiveUntil.
	ListPublishedAsOf(ctx context.Context, slug string, asOf time.Time) ([]*Rule, error)
}

// AliasStore resolves proposed concept slugs to canonical slugs.
type AliasStore interface {
	// ResolveAlias returns the canonical slug for an alias, or
	// sentinel.ErrNotFound when no mapping exists.
	ResolveAlias(ctx context.Context, alias string) (string, error)
	UpsertAlias(ctx context.Context, alias, canonical string) error
}

// Store is the union the pipeline wires; stages depend on the slices they
// need.
type Store interface {
	PointerStore
	RuleStore
	AliasStore
}
