package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"regpipe/internal/composer"
	"regpipe/internal/conflict"
	"regpipe/internal/deadletter"
	"regpipe/internal/evidence"
	"regpipe/internal/extraction"
	"regpipe/internal/orchestrator"
	"regpipe/internal/releaser"
	"regpipe/internal/reviewer"
	"regpipe/internal/rule"
	"regpipe/internal/validator"
	"regpipe/pkg/domain"
	auditpub "regpipe/pkg/platform/audit/publisher"
	auditmem "regpipe/pkg/platform/audit/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubExtractor struct {
	facts []extraction.CandidateFact
	err   error
	calls int
}

func (s *stubExtractor) Extract(_ context.Context, _ *evidence.Evidence) ([]extraction.CandidateFact, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.facts, nil
}

type StageSuite struct {
	suite.Suite
	ctx       context.Context
	evidence  *evidence.InMemoryStore
	rules     *rule.InMemoryStore
	conflicts *conflict.InMemoryStore
	letters   *deadletter.InMemoryStore
	releases  *releaser.InMemoryStore
	auditLog  *auditmem.Store
	auditor   *auditpub.Publisher
}

func (s *StageSuite) SetupTest() {
	s.ctx = context.Background()
	s.evidence = evidence.NewInMemoryStore()
	s.rules = rule.NewInMemoryStore()
	s.conflicts = conflict.NewInMemoryStore()
	s.letters = deadletter.NewInMemoryStore()
	s.releases = releaser.NewInMemoryStore()
	s.auditLog = auditmem.NewStore()
	s.auditor = auditpub.NewPublisher(s.auditLog)
}

func TestStageSuite(t *testing.T) {
	suite.Run(t, new(StageSuite))
}

func (s *StageSuite) seedEvidence(text string) *evidence.Evidence {
	ev := &evidence.Evidence{
		ID:           domain.NewEvidenceID(),
		ContentHash:  evidence.HashContent([]byte(text)),
		RawContent:   []byte(text),
		ContentClass: evidence.ClassHTML,
		Text:         text,
		SourceURL:    "https://narodne-novine.example/2025/73",
		CreatedAt:    time.Now().UTC(),
	}
	s.Require().NoError(s.evidence.Put(s.ctx, ev))
	return ev
}

func vatFact() extraction.CandidateFact {
	return extraction.CandidateFact{
		ConceptSlug:    "standard-vat-rate",
		Domain:         "vat_rate",
		ExtractedValue: "25",
		ValueType:      "PERCENTAGE",
		ExactQuote:     "stopa PDV-a iznosi 25%",
		Confidence:     0.97,
		AuthorityLevel: "LAW",
		RiskTier:       "T2",
		EffectiveFrom:  "2025-01-01",
	}
}

func (s *StageSuite) TestExtractionStageCreatesPendingPointers() {
	ev := s.seedEvidence("Stopa PDV-a iznosi 25% na sve isporuke.")
	ex := &stubExtractor{facts: []extraction.CandidateFact{vatFact()}}
	stage := orchestrator.NewExtractionStage(s.evidence, ex, s.rules, s.letters, s.auditor, discardLogger(), 10, 3)

	worked, err := stage.Tick(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, worked)

	pointers, err := s.rules.ListPointersByStatus(s.ctx, rule.PointerPendingValidation, 10)
	s.Require().NoError(err)
	s.Require().Len(pointers, 1)
	s.Equal(ev.ID, pointers[0].EvidenceID)
	s.Equal("standard-vat-rate", pointers[0].ProposedSlug)

	backlog, err := s.evidence.ListUnextracted(s.ctx, 10)
	s.Require().NoError(err)
	s.Empty(backlog)
}

func (s *StageSuite) TestExtractionStageDeadLettersAfterMaxAttempts() {
	ev := s.seedEvidence("irrelevant text")
	ex := &stubExtractor{err: errors.New("model timeout")}
	stage := orchestrator.NewExtractionStage(s.evidence, ex, s.rules, s.letters, s.auditor, discardLogger(), 10, 2)

	worked, err := stage.Tick(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, worked)
	s.Equal(1, ex.calls)

	// Second tick exhausts the budget and retires the document.
	worked, err = stage.Tick(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, worked)

	items, err := s.letters.List(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(items, 1)
	s.Equal(deadletter.KindEvidence, items[0].Kind)
	s.Equal(deadletter.ReasonMaxAttempts, items[0].Reason)
	s.Equal(2, items[0].Attempts)

	backlog, err := s.evidence.ListUnextracted(s.ctx, 10)
	s.Require().NoError(err)
	s.Empty(backlog)

	events, err := s.auditLog.List(s.ctx, ev.ID.String())
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal("item_dead_lettered", events[0].Action)
}

func (s *StageSuite) TestExtractionContractViolationIsTypedDistinctly() {
	s.seedEvidence("irrelevant text")
	bad := vatFact()
	bad.Confidence = 1.5
	ex := &stubExtractor{err: bad.Validate()}
	stage := orchestrator.NewExtractionStage(s.evidence, ex, s.rules, s.letters, s.auditor, discardLogger(), 10, 1)

	worked, err := stage.Tick(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, worked)

	items, err := s.letters.List(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(items, 1)
	s.Equal(deadletter.ReasonContractViolation, items[0].Reason)
}

func (s *StageSuite) pendingPointer(ev *evidence.Evidence, mutate func(*rule.SourcePointer)) *rule.SourcePointer {
	p := vatFact().Pointer(ev.ID, time.Now().UTC())
	if mutate != nil {
		mutate(p)
	}
	s.Require().NoError(s.rules.CreatePointer(s.ctx, p))
	return p
}

func (s *StageSuite) validationStage() *orchestrator.ValidationStage {
	return &orchestrator.ValidationStage{
		Rules:     s.rules,
		Evidence:  s.evidence,
		Validator: validator.New(),
		Letters:   s.letters,
		Auditor:   s.auditor,
		Logger:    discardLogger(),
		BatchSize: 10,
	}
}

func (s *StageSuite) TestValidationStageAdvancesVerifiedPointers() {
	ev := s.seedEvidence("Stopa PDV-a iznosi 25% na sve isporuke.")
	p := s.pendingPointer(ev, nil)

	worked, err := s.validationStage().Tick(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, worked)

	got, err := s.rules.GetPointers(s.ctx, []domain.PointerID{p.ID})
	s.Require().NoError(err)
	s.Equal(rule.PointerValidated, got[0].Status)
}

func (s *StageSuite) TestValidationStageDeadLettersFabricatedQuotes() {
	ev := s.seedEvidence("Ovaj dokument ne spominje nikakve stope.")
	p := s.pendingPointer(ev, nil)

	worked, err := s.validationStage().Tick(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, worked)

	got, err := s.rules.GetPointers(s.ctx, []domain.PointerID{p.ID})
	s.Require().NoError(err)
	s.Equal(rule.PointerDeadLettered, got[0].Status)

	items, err := s.letters.List(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(items, 1)
	s.Equal(deadletter.KindPointer, items[0].Kind)
	s.Equal(deadletter.ReasonValidationRejected, items[0].Reason)
	s.Contains(items[0].Detail, "QUOTE_NOT_IN_EVIDENCE")
}

// TestPipelineEndToEnd drains one document through every stage adapter in
// order and expects a published release on the other side.
func (s *StageSuite) TestPipelineEndToEnd() {
	s.seedEvidence("Stopa PDV-a iznosi 25% na sve isporuke.")
	ex := &stubExtractor{facts: []extraction.CandidateFact{vatFact()}}

	comp, err := composer.New(s.rules, s.conflicts, s.letters, s.auditor)
	s.Require().NoError(err)
	rev, err := reviewer.New(s.rules, s.conflicts, s.auditor)
	s.Require().NoError(err)
	rel, err := releaser.New(s.rules, s.conflicts, s.releases, s.auditor)
	s.Require().NoError(err)

	stages := []orchestrator.Stage{
		orchestrator.NewExtractionStage(s.evidence, ex, s.rules, s.letters, s.auditor, discardLogger(), 10, 3),
		s.validationStage(),
		&orchestrator.CompositionStage{Rules: s.rules, Composer: comp, BatchSize: 10},
		&orchestrator.ReviewStage{Reviewer: rev},
		&orchestrator.ReleaseStage{Rules: s.rules, Releaser: rel, Letters: s.letters, Logger: discardLogger(), BatchSize: 10},
	}
	for _, stage := range stages {
		worked, err := stage.Tick(s.ctx)
		s.Require().NoError(err, stage.Name())
		s.Require().Positive(worked, stage.Name())
	}

	published, err := s.rules.ListByStatus(s.ctx, domain.StatusPublished, 10)
	s.Require().NoError(err)
	s.Require().Len(published, 1)
	s.Equal("standard-vat-rate", published[0].ConceptSlug)

	release, err := s.releases.Latest(s.ctx)
	s.Require().NoError(err)
	s.Equal("v0.0.1", release.Version)
	s.Equal(1, release.AuditTrail.DistinctEvidence)
}

func (s *StageSuite) approvedRule(slug, value string, authority domain.AuthorityLevel) *rule.Rule {
	p := vatFact().Pointer(domain.NewEvidenceID(), time.Now().UTC())
	s.Require().NoError(s.rules.CreatePointer(s.ctx, p))
	now := time.Now().UTC()
	r := &rule.Rule{
		ID:             domain.NewRuleID(),
		ConceptSlug:    slug,
		Value:          value,
		ValueType:      domain.ValuePercentage,
		AuthorityLevel: authority,
		RiskTier:       domain.RiskT2,
		EffectiveFrom:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:         domain.StatusApproved,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.Require().NoError(s.rules.CreateRule(s.ctx, r, []domain.PointerID{p.ID}))
	return r
}

func (s *StageSuite) releaseStage() *orchestrator.ReleaseStage {
	rel, err := releaser.New(s.rules, s.conflicts, s.releases, s.auditor)
	s.Require().NoError(err)
	return &orchestrator.ReleaseStage{Rules: s.rules, Releaser: rel, Letters: s.letters, Logger: discardLogger(), BatchSize: 10}
}

func (s *StageSuite) TestReleaseStageParksIneligibleRules() {
	eligible := s.approvedRule("standard-vat-rate", "25", domain.AuthorityLaw)
	// Single-source guidance can never pass the evidence-strength gate.
	ineligible := s.approvedRule("reduced-vat-rate", "13", domain.AuthorityGuidance)

	stage := s.releaseStage()

	// The all-or-nothing batch aborts; only the ineligible rule is parked.
	worked, err := stage.Tick(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, worked)

	items, err := s.letters.List(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(items, 1)
	s.Equal(deadletter.KindRule, items[0].Kind)
	s.Equal(deadletter.ReasonGateFailure, items[0].Reason)
	s.Equal(uuid.UUID(ineligible.ID), items[0].SubjectID)

	// The next tick re-batches the eligible remainder.
	worked, err = stage.Tick(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, worked)

	published, err := s.rules.ListByStatus(s.ctx, domain.StatusPublished, 10)
	s.Require().NoError(err)
	s.Require().Len(published, 1)
	s.Equal(eligible.ID, published[0].ID)

	// The parked rule is skipped, not retried, and not re-lettered.
	worked, err = stage.Tick(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, worked)

	items, err = s.letters.List(s.ctx, 10)
	s.Require().NoError(err)
	s.Len(items, 1)
}

func (s *StageSuite) TestReleaseStageRetriesOpenConflictFailures() {
	r := s.approvedRule("standard-vat-rate", "25", domain.AuthorityLaw)
	c := conflict.RuleConflict(domain.ConflictValueMismatch, r.ConceptSlug,
		r.ID, domain.NewRuleID(), "values disagree", time.Now().UTC())
	s.Require().NoError(s.conflicts.Create(s.ctx, c))

	stage := s.releaseStage()

	// Open conflicts clear through arbitration; the rule is held back, not
	// parked.
	worked, err := stage.Tick(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, worked)

	items, err := s.letters.List(s.ctx, 10)
	s.Require().NoError(err)
	s.Empty(items)

	s.Require().NoError(s.conflicts.Resolve(s.ctx, c.ID, conflict.StrategyHierarchy, "arbiter", ""))

	worked, err = stage.Tick(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, worked)
}

// countingStage works a fixed number of ticks and then idles forever.
type countingStage struct {
	remaining atomic.Int64
	ticks     atomic.Int64
}

func (c *countingStage) Name() string { return "counting" }

func (c *countingStage) Tick(context.Context) (int, error) {
	c.ticks.Add(1)
	if c.remaining.Add(-1) >= 0 {
		return 1, nil
	}
	return 0, nil
}

type failingStage struct {
	ticks atomic.Int64
}

func (f *failingStage) Name() string { return "failing" }

func (f *failingStage) Tick(context.Context) (int, error) {
	f.ticks.Add(1)
	return 0, errors.New("store unavailable")
}

func TestOrchestratorDrainsAndBacksOff(t *testing.T) {
	stage := &countingStage{}
	stage.remaining.Store(3)
	o, err := orchestrator.New([]orchestrator.Stage{stage},
		orchestrator.WithLogger(discardLogger()),
		orchestrator.WithRatePerMinute(60000),
		orchestrator.WithBackoff(5*time.Millisecond, 20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = o.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Three working ticks plus at least one idle probe.
	assert.GreaterOrEqual(t, stage.ticks.Load(), int64(4))
}

func TestOrchestratorSurvivesStageErrors(t *testing.T) {
	stage := &failingStage{}
	o, err := orchestrator.New([]orchestrator.Stage{stage},
		orchestrator.WithLogger(discardLogger()),
		orchestrator.WithRatePerMinute(60000),
		orchestrator.WithBackoff(time.Millisecond, 4*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = o.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Errors back off and retry; they never kill the loop.
	assert.GreaterOrEqual(t, stage.ticks.Load(), int64(2))
}

func TestOrchestratorRequiresStages(t *testing.T) {
	_, err := orchestrator.New(nil)
	require.Error(t, err)
}
