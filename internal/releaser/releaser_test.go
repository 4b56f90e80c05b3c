package releaser_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"regpipe/internal/conflict"
	"regpipe/internal/releaser"
	"regpipe/internal/rule"
	"regpipe/pkg/domain"
	"regpipe/pkg/domainerrors"
	audit "regpipe/pkg/platform/audit"
	auditpub "regpipe/pkg/platform/audit/publisher"
	auditmem "regpipe/pkg/platform/audit/store/memory"
)

type ReleaserSuite struct {
	suite.Suite
	ctx       context.Context
	rules     *rule.InMemoryStore
	conflicts *conflict.InMemoryStore
	releases  *releaser.InMemoryStore
	auditLog  *auditmem.Store
	releaser  *releaser.Releaser
	publishes int
}

func (s *ReleaserSuite) SetupTest() {
	s.ctx = context.Background()
	s.rules = rule.NewInMemoryStore()
	s.conflicts = conflict.NewInMemoryStore()
	s.releases = releaser.NewInMemoryStore()
	s.auditLog = auditmem.NewStore()
	s.publishes = 0
	r, err := releaser.New(s.rules, s.conflicts, s.releases, auditpub.NewPublisher(s.auditLog),
		releaser.WithPublishedHook(func([]*rule.Rule) { s.publishes++ }))
	s.Require().NoError(err)
	s.releaser = r
}

func TestReleaserSuite(t *testing.T) {
	suite.Run(t, new(ReleaserSuite))
}

type seedOpts struct {
	tier       domain.RiskTier
	authority  domain.AuthorityLevel
	status     domain.RuleStatus
	approvedBy string
	// evidence is the number of distinct evidence documents backing the
	// rule; zero means no pointers at all.
	evidence int
}

func (s *ReleaserSuite) seedRule(o seedOpts) *rule.Rule {
	var ids []domain.PointerID
	for i := 0; i < o.evidence; i++ {
		p := &rule.SourcePointer{
			ID:             domain.NewPointerID(),
			EvidenceID:     domain.NewEvidenceID(),
			ExactQuote:     "stopa iznosi 25%",
			ExtractedValue: "25",
			ValueType:      domain.ValuePercentage,
			Domain:         "tax_rate",
			Confidence:     0.96,
			Status:         rule.PointerComposed,
			CreatedAt:      time.Now().UTC(),
		}
		s.Require().NoError(s.rules.CreatePointer(s.ctx, p))
		ids = append(ids, p.ID)
	}
	r := &rule.Rule{
		ID:             domain.NewRuleID(),
		ConceptSlug:    "standard-vat-rate",
		Value:          domain.NewRuleID().String()[:8],
		ValueType:      domain.ValuePercentage,
		AuthorityLevel: o.authority,
		RiskTier:       o.tier,
		EffectiveFrom:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:         domain.StatusDraft,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	s.Require().NoError(s.rules.CreateRule(s.ctx, r, ids))
	if o.status != domain.StatusDraft {
		s.Require().NoError(s.rules.UpdateRuleStatus(s.ctx, r.ID, domain.StatusDraft, domain.StatusPendingReview, ""))
	}
	if o.status == domain.StatusApproved {
		s.Require().NoError(s.rules.UpdateRuleStatus(s.ctx, r.ID, domain.StatusPendingReview, domain.StatusApproved, o.approvedBy))
	}
	return r
}

func (s *ReleaserSuite) approvedRule(tier domain.RiskTier, authority domain.AuthorityLevel, approvedBy string, evidence int) *rule.Rule {
	return s.seedRule(seedOpts{
		tier: tier, authority: authority, status: domain.StatusApproved,
		approvedBy: approvedBy, evidence: evidence,
	})
}

func (s *ReleaserSuite) TestPublishHappyPath() {
	r := s.approvedRule(domain.RiskT3, domain.AuthorityLaw, "", 2)

	release, err := s.releaser.Run(s.ctx, []domain.RuleID{r.ID})
	s.Require().NoError(err)
	s.Equal("v0.0.1", release.Version)
	s.NotEmpty(release.ContentHash)
	s.Equal(2, release.AuditTrail.DistinctEvidence)
	s.Equal(2, release.AuditTrail.Pointers)
	s.Equal(1, release.AuditTrail.AutoApprovals)
	s.InDelta(0.96, release.AuditTrail.MeanConfidence, 1e-9)
	s.Equal(1, s.publishes)

	published, err := s.rules.GetRule(s.ctx, r.ID)
	s.Require().NoError(err)
	s.Equal(domain.StatusPublished, published.Status)

	stored, err := s.releases.Latest(s.ctx)
	s.Require().NoError(err)
	s.Equal(release.Version, stored.Version)

	events, err := s.auditLog.List(s.ctx, release.Version)
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(string(audit.EventReleasePublished), events[0].Action)
}

func (s *ReleaserSuite) TestVersionBumpFollowsHighestRisk() {
	t3 := s.approvedRule(domain.RiskT3, domain.AuthorityLaw, "", 2)
	first, err := s.releaser.Run(s.ctx, []domain.RuleID{t3.ID})
	s.Require().NoError(err)
	s.Equal("v0.0.1", first.Version)

	t1 := s.approvedRule(domain.RiskT1, domain.AuthorityLaw, "ana.horvat", 2)
	second, err := s.releaser.Run(s.ctx, []domain.RuleID{t1.ID})
	s.Require().NoError(err)
	s.Equal("v0.1.0", second.Version)

	t0 := s.approvedRule(domain.RiskT0, domain.AuthorityLaw, "ana.horvat", 2)
	another := s.approvedRule(domain.RiskT3, domain.AuthorityLaw, "", 2)
	third, err := s.releaser.Run(s.ctx, []domain.RuleID{t0.ID, another.ID})
	s.Require().NoError(err)
	s.Equal("v1.0.0", third.Version)
}

func (s *ReleaserSuite) TestGateFailuresAreItemizedAndAbortTheBatch() {
	notApproved := s.seedRule(seedOpts{
		tier: domain.RiskT3, authority: domain.AuthorityLaw,
		status: domain.StatusPendingReview, evidence: 2,
	})
	autoApprovedT1 := s.approvedRule(domain.RiskT1, domain.AuthorityLaw, "", 2)
	zeroPointers := s.approvedRule(domain.RiskT3, domain.AuthorityLaw, "", 0)
	fine := s.approvedRule(domain.RiskT3, domain.AuthorityLaw, "", 2)

	_, err := s.releaser.Run(s.ctx,
		[]domain.RuleID{notApproved.ID, autoApprovedT1.ID, zeroPointers.ID, fine.ID})
	s.Require().Error(err)
	s.Equal(domainerrors.CodeGateFailure, domainerrors.CodeOf(err))

	var gateErr *releaser.GateError
	s.Require().ErrorAs(err, &gateErr)
	gates := make(map[string]int)
	for _, f := range gateErr.Failures {
		gates[f.Gate]++
	}
	s.Equal(1, gates[releaser.GateApprovedStatus])
	s.Equal(1, gates[releaser.GateHumanApproval])
	s.Equal(1, gates[releaser.GatePointerBacking])

	// The compliant rule is not published either: all-or-nothing.
	loaded, err := s.rules.GetRule(s.ctx, fine.ID)
	s.Require().NoError(err)
	s.Equal(domain.StatusApproved, loaded.Status)
	s.Equal(0, s.publishes)

	_, err = s.releases.Latest(s.ctx)
	s.Require().Error(err)
}

func (s *ReleaserSuite) TestOpenConflictBlocksRelease() {
	r := s.approvedRule(domain.RiskT3, domain.AuthorityLaw, "", 2)
	c := conflict.RuleConflict(domain.ConflictValueMismatch, r.ConceptSlug,
		r.ID, domain.NewRuleID(), "disagreement", time.Now().UTC())
	s.Require().NoError(s.conflicts.Create(s.ctx, c))

	_, err := s.releaser.Run(s.ctx, []domain.RuleID{r.ID})
	s.Require().Error(err)
	var gateErr *releaser.GateError
	s.Require().ErrorAs(err, &gateErr)
	s.Equal(releaser.GateNoOpenConflicts, gateErr.Failures[0].Gate)
}

func (s *ReleaserSuite) TestEvidenceStrengthGate() {
	// One GUIDANCE-backed source is not enough.
	guidance := s.approvedRule(domain.RiskT3, domain.AuthorityGuidance, "", 1)
	_, err := s.releaser.Run(s.ctx, []domain.RuleID{guidance.ID})
	s.Require().Error(err)
	var gateErr *releaser.GateError
	s.Require().ErrorAs(err, &gateErr)
	s.Equal(releaser.GateEvidenceStrength, gateErr.Failures[0].Gate)

	// A second distinct source lifts the same authority level over the gate.
	corroborated := s.approvedRule(domain.RiskT3, domain.AuthorityGuidance, "", 2)
	_, err = s.releaser.Run(s.ctx, []domain.RuleID{corroborated.ID})
	s.Require().NoError(err)

	// The law publishes on its own word.
	law := s.approvedRule(domain.RiskT3, domain.AuthorityLaw, "", 1)
	_, err = s.releaser.Run(s.ctx, []domain.RuleID{law.ID})
	s.Require().NoError(err)
}

func (s *ReleaserSuite) TestReleaseAbortIsAudited() {
	r := s.approvedRule(domain.RiskT1, domain.AuthorityLaw, "", 2)
	_, err := s.releaser.Run(s.ctx, []domain.RuleID{r.ID})
	s.Require().Error(err)

	events, err := s.auditLog.List(s.ctx, "batch of 1")
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(string(audit.EventReleaseAborted), events[0].Action)
}

func hashRule(slug, value string, from time.Time, until *time.Time, appliesWhen string) *rule.Rule {
	return &rule.Rule{
		ID:             domain.NewRuleID(),
		ConceptSlug:    slug,
		Value:          value,
		ValueType:      domain.ValuePercentage,
		AuthorityLevel: domain.AuthorityLaw,
		RiskTier:       domain.RiskT2,
		AppliesWhen:    []byte(appliesWhen),
		EffectiveFrom:  from,
		EffectiveUntil: until,
	}
}

func TestContentHashDeterminism(t *testing.T) {
	jan := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a := hashRule("standard-vat-rate", "25", jan, nil, "")
	b := hashRule("reduced-vat-rate", "13", jan, nil, `{"op":"cmp","field":"goods.category","cmp":"eq","value":"food"}`)

	t.Run("input order does not matter", func(t *testing.T) {
		assert.Equal(t,
			releaser.ContentHash([]*rule.Rule{a, b}),
			releaser.ContentHash([]*rule.Rule{b, a}))
	})

	t.Run("equivalent date representations hash identically", func(t *testing.T) {
		zagreb := time.FixedZone("CET", 3600)
		shifted := hashRule("standard-vat-rate", "25",
			time.Date(2025, 1, 1, 1, 0, 0, 0, zagreb), nil, "")
		assert.Equal(t,
			releaser.ContentHash([]*rule.Rule{a}),
			releaser.ContentHash([]*rule.Rule{shifted}))
	})

	t.Run("predicate formatting does not matter", func(t *testing.T) {
		compact := hashRule("reduced-vat-rate", "13", jan, nil,
			`{"op":"cmp","field":"goods.category","cmp":"eq","value":"food"}`)
		spaced := hashRule("reduced-vat-rate", "13", jan, nil,
			"{\n  \"op\": \"cmp\",\n  \"field\": \"goods.category\",\n  \"cmp\": \"eq\",\n  \"value\": \"food\"\n}")
		assert.Equal(t,
			releaser.ContentHash([]*rule.Rule{compact}),
			releaser.ContentHash([]*rule.Rule{spaced}))
	})

	t.Run("value change changes the hash", func(t *testing.T) {
		changed := hashRule("standard-vat-rate", "23", jan, nil, "")
		assert.NotEqual(t,
			releaser.ContentHash([]*rule.Rule{a}),
			releaser.ContentHash([]*rule.Rule{changed}))
	})

	t.Run("window change changes the hash", func(t *testing.T) {
		until := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		bounded := hashRule("standard-vat-rate", "25", jan, &until, "")
		assert.NotEqual(t,
			releaser.ContentHash([]*rule.Rule{a}),
			releaser.ContentHash([]*rule.Rule{bounded}))
	})
}
