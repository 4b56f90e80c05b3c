package conflict_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"regpipe/internal/conflict"
	"regpipe/pkg/domain"
	"regpipe/pkg/platform/sentinel"
)

func TestCreateRejectsDuplicateOpenConflicts(t *testing.T) {
	ctx := context.Background()
	store := conflict.NewInMemoryStore()
	now := time.Now().UTC()

	t.Run("rule pair", func(t *testing.T) {
		a, b := domain.NewRuleID(), domain.NewRuleID()
		first := conflict.RuleConflict(domain.ConflictValueMismatch, "standard-vat-rate", a, b, "values disagree", now)
		require.NoError(t, store.Create(ctx, first))

		again := conflict.RuleConflict(domain.ConflictValueMismatch, "standard-vat-rate", a, b, "values disagree", now)
		require.ErrorIs(t, store.Create(ctx, again), sentinel.ErrConflict)

		// Closing the standing conflict frees the pair for a new one.
		require.NoError(t, store.Resolve(ctx, first.ID, conflict.StrategyHierarchy, "arbiter", ""))
		require.NoError(t, store.Create(ctx, again))
	})

	t.Run("pointer against rule", func(t *testing.T) {
		p, r := domain.NewPointerID(), domain.NewRuleID()
		first := conflict.CompositionConflict(domain.ConflictValueMismatch, "reduced-vat-rate", p, r, "values disagree", now)
		require.NoError(t, store.Create(ctx, first))

		again := conflict.CompositionConflict(domain.ConflictValueMismatch, "reduced-vat-rate", p, r, "values disagree", now)
		require.ErrorIs(t, store.Create(ctx, again), sentinel.ErrConflict)

		// Escalated conflicts still wait on a human; the pair stays taken.
		require.NoError(t, store.Escalate(ctx, first.ID, "needs review"))
		require.ErrorIs(t, store.Create(ctx, again), sentinel.ErrConflict)
	})

	t.Run("pointer pair", func(t *testing.T) {
		a, b := domain.NewPointerID(), domain.NewPointerID()
		first := conflict.SourceConflict("withholding-rate", a, b, "sources disagree", now)
		require.NoError(t, store.Create(ctx, first))

		again := conflict.SourceConflict("withholding-rate", a, b, "sources disagree", now)
		require.ErrorIs(t, store.Create(ctx, again), sentinel.ErrConflict)
	})

	t.Run("different parties never collide", func(t *testing.T) {
		a, b := domain.NewRuleID(), domain.NewRuleID()
		require.NoError(t, store.Create(ctx,
			conflict.RuleConflict(domain.ConflictValueMismatch, "standard-vat-rate", a, b, "values disagree", now)))
		require.NoError(t, store.Create(ctx,
			conflict.RuleConflict(domain.ConflictValueMismatch, "standard-vat-rate", a, domain.NewRuleID(), "values disagree", now)))
	})
}
