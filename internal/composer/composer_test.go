package composer_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"regpipe/internal/composer"
	"regpipe/internal/conflict"
	"regpipe/internal/deadletter"
	"regpipe/internal/rule"
	"regpipe/pkg/domain"
	audit "regpipe/pkg/platform/audit"
	auditpub "regpipe/pkg/platform/audit/publisher"
	auditmem "regpipe/pkg/platform/audit/store/memory"
)

type ComposerSuite struct {
	suite.Suite
	ctx       context.Context
	store     *rule.InMemoryStore
	conflicts *conflict.InMemoryStore
	letters   *deadletter.InMemoryStore
	auditLog  *auditmem.Store
	composer  *composer.Composer
}

func (s *ComposerSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = rule.NewInMemoryStore()
	s.conflicts = conflict.NewInMemoryStore()
	s.letters = deadletter.NewInMemoryStore()
	s.auditLog = auditmem.NewStore()
	c, err := composer.New(s.store, s.conflicts, s.letters, auditpub.NewPublisher(s.auditLog))
	s.Require().NoError(err)
	s.composer = c
}

func TestComposerSuite(t *testing.T) {
	suite.Run(t, new(ComposerSuite))
}

func (s *ComposerSuite) validatedPointer(mutate func(*rule.SourcePointer)) *rule.SourcePointer {
	p := &rule.SourcePointer{
		ID:                domain.NewPointerID(),
		EvidenceID:        domain.NewEvidenceID(),
		ExactQuote:        "stopa PDV-a iznosi 25%",
		ExtractedValue:    "25",
		ValueType:         domain.ValuePercentage,
		Domain:            "vat_rate",
		Confidence:        0.97,
		ProposedSlug:      "Stopa PDV-a",
		ProposedAuthority: domain.AuthorityLaw,
		ProposedRiskTier:  domain.RiskT1,
		EffectiveFrom:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:            rule.PointerValidated,
		CreatedAt:         time.Now().UTC(),
	}
	if mutate != nil {
		mutate(p)
	}
	s.Require().NoError(s.store.CreatePointer(s.ctx, p))
	return p
}

func (s *ComposerSuite) TestComposeCreatesDraftRule() {
	p := s.validatedPointer(nil)

	report, err := s.composer.Run(s.ctx, []domain.PointerID{p.ID})
	s.Require().NoError(err)
	s.Equal(1, report.Composed)
	s.Require().Len(report.RuleIDs, 1)

	r, err := s.store.GetRule(s.ctx, report.RuleIDs[0])
	s.Require().NoError(err)
	s.Equal(domain.StatusDraft, r.Status)
	s.Equal("stopa-pdv-a", r.ConceptSlug)
	s.Equal("25", r.Value)
	s.Equal(domain.AuthorityLaw, r.AuthorityLevel)
	s.NotEmpty(r.MeaningSignature)
	s.Len(r.PointerIDs, 1)

	loaded, err := s.store.GetPointers(s.ctx, []domain.PointerID{p.ID})
	s.Require().NoError(err)
	s.Equal(rule.PointerComposed, loaded[0].Status)

	events, err := s.auditLog.List(s.ctx, r.ID.String())
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(string(audit.EventRuleComposed), events[0].Action)
}

func (s *ComposerSuite) TestIdenticalPointersYieldExactlyOneRule() {
	a := s.validatedPointer(nil)
	report, err := s.composer.Run(s.ctx, []domain.PointerID{a.ID})
	s.Require().NoError(err)
	s.Equal(1, report.Composed)

	// A second extraction of the same fact from a different document merges
	// onto the existing rule instead of creating a sibling.
	b := s.validatedPointer(func(p *rule.SourcePointer) {
		p.ExactQuote = "opća stopa PDV-a od 25%"
	})
	report, err = s.composer.Run(s.ctx, []domain.PointerID{b.ID})
	s.Require().NoError(err)
	s.Equal(0, report.Composed)
	s.Equal(1, report.Merged)

	active, err := s.store.ListActiveBySlug(s.ctx, "stopa-pdv-a")
	s.Require().NoError(err)
	s.Require().Len(active, 1)
	s.Len(active[0].PointerIDs, 2)
}

func (s *ComposerSuite) TestBatchDeduplicatesWithinItself() {
	a := s.validatedPointer(nil)
	b := s.validatedPointer(nil)

	report, err := s.composer.Run(s.ctx, []domain.PointerID{a.ID, b.ID})
	s.Require().NoError(err)
	s.Equal(1, report.Composed)

	active, err := s.store.ListActiveBySlug(s.ctx, "stopa-pdv-a")
	s.Require().NoError(err)
	s.Require().Len(active, 1)
	s.Len(active[0].PointerIDs, 2)
}

func (s *ComposerSuite) TestAliasResolution() {
	s.Require().NoError(s.store.UpsertAlias(s.ctx, "stopa-pdv-a", "standard-vat-rate"))
	p := s.validatedPointer(nil)

	report, err := s.composer.Run(s.ctx, []domain.PointerID{p.ID})
	s.Require().NoError(err)
	s.Require().Len(report.RuleIDs, 1)

	r, err := s.store.GetRule(s.ctx, report.RuleIDs[0])
	s.Require().NoError(err)
	s.Equal("standard-vat-rate", r.ConceptSlug)
}

func (s *ComposerSuite) TestInvalidPredicateRejectsRule() {
	p := s.validatedPointer(func(p *rule.SourcePointer) {
		// between with no bounds is rejected at validation, never treated
		// as always-true.
		p.ProposedAppliesWhen = []byte(`{"op":"between","field":"entity.employees"}`)
	})

	report, err := s.composer.Run(s.ctx, []domain.PointerID{p.ID})
	s.Require().NoError(err)
	s.Equal(0, report.Composed)
	s.Equal(1, report.DeadLettered)

	active, err := s.store.ListActiveBySlug(s.ctx, "stopa-pdv-a")
	s.Require().NoError(err)
	s.Empty(active)

	loaded, err := s.store.GetPointers(s.ctx, []domain.PointerID{p.ID})
	s.Require().NoError(err)
	s.Equal(rule.PointerDeadLettered, loaded[0].Status)

	items, err := s.letters.List(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(items, 1)
	s.Equal(deadletter.ReasonPredicateRejected, items[0].Reason)
}

func (s *ComposerSuite) TestConflictHaltsCreation() {
	existing := &rule.Rule{
		ID:             domain.NewRuleID(),
		ConceptSlug:    "stopa-pdv-a",
		Value:          "13",
		ValueType:      domain.ValuePercentage,
		AuthorityLevel: domain.AuthorityLaw,
		RiskTier:       domain.RiskT1,
		EffectiveFrom:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:         domain.StatusApproved,
		CreatedAt:      time.Now().UTC(),
	}
	s.Require().NoError(s.store.CreateRule(s.ctx, existing, nil))

	p := s.validatedPointer(nil)
	report, err := s.composer.Run(s.ctx, []domain.PointerID{p.ID})
	s.Require().NoError(err)
	s.Equal(0, report.Composed)
	s.Equal(1, report.Halted)

	open, err := s.conflicts.ListOpen(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(open, 1)
	s.Equal(domain.ConflictValueMismatch, open[0].Type)
	s.Require().NotNil(open[0].PointerA)
	s.Equal(p.ID, *open[0].PointerA)

	// The pointer stays VALIDATED for re-entry once the conflict closes.
	loaded, err := s.store.GetPointers(s.ctx, []domain.PointerID{p.ID})
	s.Require().NoError(err)
	s.Equal(rule.PointerValidated, loaded[0].Status)
}

func (s *ComposerSuite) TestRepeatedHaltsKeepOneOpenConflict() {
	existing := &rule.Rule{
		ID:             domain.NewRuleID(),
		ConceptSlug:    "stopa-pdv-a",
		Value:          "23",
		ValueType:      domain.ValuePercentage,
		AuthorityLevel: domain.AuthorityLaw,
		RiskTier:       domain.RiskT1,
		EffectiveFrom:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:         domain.StatusDraft,
		CreatedAt:      time.Now().UTC(),
	}
	s.Require().NoError(s.store.CreateRule(s.ctx, existing, nil))

	p := s.validatedPointer(nil)

	// The pointer stays VALIDATED after a halt, so the next drain pass picks
	// it up again; the standing disagreement must not grow the conflict table.
	for i := 0; i < 2; i++ {
		report, err := s.composer.Run(s.ctx, []domain.PointerID{p.ID})
		s.Require().NoError(err)
		s.Equal(1, report.Halted)
	}

	open, err := s.conflicts.ListOpen(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(open, 1)
	s.Equal(domain.ConflictValueMismatch, open[0].Type)

	loaded, err := s.store.GetPointers(s.ctx, []domain.PointerID{p.ID})
	s.Require().NoError(err)
	s.Equal(rule.PointerValidated, loaded[0].Status)
}

func (s *ComposerSuite) TestDisagreeingSourcesOpenSourceConflict() {
	a := s.validatedPointer(nil)
	b := s.validatedPointer(func(p *rule.SourcePointer) {
		p.ExtractedValue = "23"
		p.ExactQuote = "stopa PDV-a iznosi 23%"
	})

	report, err := s.composer.Run(s.ctx, []domain.PointerID{a.ID, b.ID})
	s.Require().NoError(err)
	s.Equal(0, report.Composed)
	s.Equal(2, report.Halted)

	open, err := s.conflicts.ListOpen(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(open, 1)
	s.Equal(domain.ConflictSource, open[0].Type)
	s.Require().NotNil(open[0].PointerA)
	s.Require().NotNil(open[0].PointerB)
	s.Equal(a.ID, *open[0].PointerA)
	s.Equal(b.ID, *open[0].PointerB)
	s.Nil(open[0].RuleA)
	s.Nil(open[0].RuleB)

	// Neither side reaches rule state while the sources disagree.
	active, err := s.store.ListActiveBySlug(s.ctx, "stopa-pdv-a")
	s.Require().NoError(err)
	s.Empty(active)

	loaded, err := s.store.GetPointers(s.ctx, []domain.PointerID{a.ID, b.ID})
	s.Require().NoError(err)
	s.Equal(rule.PointerValidated, loaded[0].Status)
	s.Equal(rule.PointerValidated, loaded[1].Status)

	// Re-running the batch finds the conflict already open.
	report, err = s.composer.Run(s.ctx, []domain.PointerID{a.ID, b.ID})
	s.Require().NoError(err)
	s.Equal(0, report.Composed)

	open, err = s.conflicts.ListOpen(s.ctx, 10)
	s.Require().NoError(err)
	s.Len(open, 1)
}

func (s *ComposerSuite) TestBlockedDomainNeverReachesRuleState() {
	p := s.validatedPointer(func(p *rule.SourcePointer) {
		p.Domain = "synthetic"
	})

	report, err := s.composer.Run(s.ctx, []domain.PointerID{p.ID})
	s.Require().NoError(err)
	s.Equal(0, report.Composed)
	s.Equal(1, report.DeadLettered)

	active, err := s.store.ListActive(s.ctx)
	s.Require().NoError(err)
	s.Empty(active)

	items, err := s.letters.List(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(items, 1)
	s.Equal(deadletter.ReasonBlockedDomain, items[0].Reason)
}

func (s *ComposerSuite) TestComposedPointersSkippedOnReentry() {
	p := s.validatedPointer(nil)
	_, err := s.composer.Run(s.ctx, []domain.PointerID{p.ID})
	s.Require().NoError(err)

	report, err := s.composer.Run(s.ctx, []domain.PointerID{p.ID})
	s.Require().NoError(err)
	s.Equal(0, report.Composed)
	s.Equal(0, report.Merged)

	active, err := s.store.ListActiveBySlug(s.ctx, "stopa-pdv-a")
	s.Require().NoError(err)
	s.Len(active, 1)
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Stopa PDV-a":                       "stopa-pdv-a",
		"doprinos za mirovinsko osiguranje": "doprinos-za-mirovinsko-osiguranje",
		"Porez na dohodak  ":                "porez-na-dohodak",
		"ŠĐČĆŽ rate":                        "sdccz-rate",
		"already-canonical":                 "already-canonical",
	}
	for in, want := range cases {
		assert.Equal(t, want, composer.Slugify(in), "input %q", in)
	}
}

func TestCanonicalSlugFallsBackWithoutAlias(t *testing.T) {
	store := rule.NewInMemoryStore()
	slug, err := composer.CanonicalSlug(context.Background(), store, "Porez na Dobit")
	require.NoError(t, err)
	require.Equal(t, "porez-na-dobit", slug)
}
