package conflict_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regpipe/internal/conflict"
	"regpipe/internal/rule"
	"regpipe/pkg/domain"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func activeRule(slug, value string, vt domain.ValueType, authority domain.AuthorityLevel, from time.Time, until *time.Time) *rule.Rule {
	return &rule.Rule{
		ID:             domain.NewRuleID(),
		ConceptSlug:    slug,
		Value:          value,
		ValueType:      vt,
		AuthorityLevel: authority,
		EffectiveFrom:  from,
		EffectiveUntil: until,
		Status:         domain.StatusApproved,
	}
}

func TestDetect(t *testing.T) {
	jan := date(2025, time.January, 1)
	jul := date(2025, time.July, 1)

	candidate := conflict.Candidate{
		ConceptSlug:    "standard-vat-rate",
		Value:          "25",
		ValueType:      domain.ValuePercentage,
		AuthorityLevel: domain.AuthorityLaw,
		EffectiveFrom:  jan,
	}

	t.Run("value mismatch in overlapping window", func(t *testing.T) {
		existing := activeRule("standard-vat-rate", "13", domain.ValuePercentage, domain.AuthorityLaw, jan, nil)
		found := conflict.Detect(candidate, []*rule.Rule{existing})
		require.Len(t, found, 1)
		assert.Equal(t, domain.ConflictValueMismatch, found[0].Type)
	})

	t.Run("differing value and authority is a supersede candidate", func(t *testing.T) {
		existing := activeRule("standard-vat-rate", "13", domain.ValuePercentage, domain.AuthorityGuidance, jan, nil)
		found := conflict.Detect(candidate, []*rule.Rule{existing})
		require.Len(t, found, 1)
		assert.Equal(t, domain.ConflictAuthoritySupersede, found[0].Type)
	})

	t.Run("same identity is the merge case, not a conflict", func(t *testing.T) {
		existing := activeRule("standard-vat-rate", "25", domain.ValuePercentage, domain.AuthorityLaw, jan, nil)
		assert.Empty(t, conflict.Detect(candidate, []*rule.Rule{existing}))
	})

	t.Run("cross-slug duplicate when one slug subsumes the other", func(t *testing.T) {
		existing := activeRule("vat-rate", "25", domain.ValuePercentage, domain.AuthorityLaw, jan, nil)
		found := conflict.Detect(candidate, []*rule.Rule{existing})
		require.Len(t, found, 1)
		assert.Equal(t, domain.ConflictCrossSlugDuplicate, found[0].Type)
	})

	t.Run("unrelated slugs never conflict", func(t *testing.T) {
		existing := activeRule("corporate-income-tax", "25", domain.ValuePercentage, domain.AuthorityLaw, jan, nil)
		assert.Empty(t, conflict.Detect(candidate, []*rule.Rule{existing}))
	})

	t.Run("disjoint windows never conflict", func(t *testing.T) {
		bounded := candidate
		until := jul
		bounded.EffectiveUntil = &until
		existing := activeRule("standard-vat-rate", "13", domain.ValuePercentage, domain.AuthorityLaw,
			date(2026, time.January, 1), nil)
		assert.Empty(t, conflict.Detect(bounded, []*rule.Rule{existing}))
	})

	t.Run("touching windows do not overlap", func(t *testing.T) {
		// Candidate ends exactly where the existing rule begins: the upper
		// bound is exclusive, so there is no shared instant.
		bounded := candidate
		until := jul
		bounded.EffectiveUntil = &until
		existing := activeRule("standard-vat-rate", "13", domain.ValuePercentage, domain.AuthorityLaw, jul, nil)
		assert.Empty(t, conflict.Detect(bounded, []*rule.Rule{existing}))
	})
}

func TestReachable(t *testing.T) {
	a, b, c, d := domain.NewRuleID(), domain.NewRuleID(), domain.NewRuleID(), domain.NewRuleID()
	edges := []conflict.Edge{
		{Winner: a, Loser: b},
		{Winner: b, Loser: c},
	}

	assert.True(t, conflict.Reachable(edges, a, c), "transitive path a→b→c")
	assert.False(t, conflict.Reachable(edges, c, a), "edges are directed")
	assert.False(t, conflict.Reachable(edges, a, d), "d is disconnected")
	assert.True(t, conflict.Reachable(nil, a, a), "every node reaches itself")
}
