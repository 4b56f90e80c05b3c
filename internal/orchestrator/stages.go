package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"regpipe/internal/composer"
	"regpipe/internal/conflict"
	"regpipe/internal/deadletter"
	"regpipe/internal/evidence"
	"regpipe/internal/extraction"
	"regpipe/internal/releaser"
	"regpipe/internal/reviewer"
	"regpipe/internal/rule"
	"regpipe/internal/validator"
	"regpipe/pkg/domain"
	"regpipe/pkg/domainerrors"
	"regpipe/pkg/platform/audit"
)

// retryTracker counts per-item attempts in memory. Losing the counts on
// restart only grants an item fresh attempts, which is safe: dead-lettering
// is a budget, not an obligation.
type retryTracker struct {
	attempts map[uuid.UUID]int
	max      int
}

func newRetryTracker(max int) *retryTracker {
	return &retryTracker{attempts: make(map[uuid.UUID]int), max: max}
}

// exhausted records one failed attempt and reports whether the budget is
// spent.
func (t *retryTracker) exhausted(id uuid.UUID) (int, bool) {
	t.attempts[id]++
	return t.attempts[id], t.attempts[id] >= t.max
}

func (t *retryTracker) forget(id uuid.UUID) {
	delete(t.attempts, id)
}

// ExtractionStage drains unprocessed evidence through the LLM extractor and
// writes PENDING_VALIDATION pointers.
type ExtractionStage struct {
	Evidence  evidence.Store
	Extractor extraction.Extractor
	Pointers  rule.PointerStore
	Letters   deadletter.Store
	Auditor   audit.Publisher
	Logger    *slog.Logger
	BatchSize int

	retries *retryTracker
}

// NewExtractionStage wires the extraction drain loop.
func NewExtractionStage(ev evidence.Store, ex extraction.Extractor, pointers rule.PointerStore, letters deadletter.Store, auditor audit.Publisher, logger *slog.Logger, batchSize, maxAttempts int) *ExtractionStage {
	return &ExtractionStage{
		Evidence:  ev,
		Extractor: ex,
		Pointers:  pointers,
		Letters:   letters,
		Auditor:   auditor,
		Logger:    logger,
		BatchSize: batchSize,
		retries:   newRetryTracker(maxAttempts),
	}
}

func (s *ExtractionStage) Name() string { return "extraction" }

func (s *ExtractionStage) Tick(ctx context.Context) (int, error) {
	docs, err := s.Evidence.ListUnextracted(ctx, s.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list unextracted: %w", err)
	}
	worked := 0
	for _, doc := range docs {
		if err := s.extractOne(ctx, doc); err != nil {
			s.Logger.Warn("extraction attempt failed",
				"evidence", doc.ID.String(), "error", err)
			attempts, spent := s.retries.exhausted(uuid.UUID(doc.ID))
			if !spent {
				continue
			}
			if err := s.deadLetter(ctx, doc, attempts, err); err != nil {
				return worked, err
			}
		}
		s.retries.forget(uuid.UUID(doc.ID))
		worked++
	}
	return worked, nil
}

func (s *ExtractionStage) extractOne(ctx context.Context, doc *evidence.Evidence) error {
	facts, err := s.Extractor.Extract(ctx, doc)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, f := range facts {
		if err := s.Pointers.CreatePointer(ctx, f.Pointer(doc.ID, now)); err != nil {
			return fmt.Errorf("create pointer: %w", err)
		}
	}
	return s.Evidence.MarkExtracted(ctx, doc.ID)
}

func (s *ExtractionStage) deadLetter(ctx context.Context, doc *evidence.Evidence, attempts int, cause error) error {
	// Mark first so the document leaves the backlog even if the audit
	// write below fails.
	if err := s.Evidence.MarkExtracted(ctx, doc.ID); err != nil {
		return fmt.Errorf("retire evidence %s: %w", doc.ID, err)
	}
	reason := deadletter.ReasonMaxAttempts
	if domainerrors.CodeOf(cause) == domainerrors.CodeValidation {
		reason = deadletter.ReasonContractViolation
	}
	if err := s.Letters.Append(ctx, deadletter.Item{
		ID:        uuid.New(),
		Kind:      deadletter.KindEvidence,
		SubjectID: uuid.UUID(doc.ID),
		Stage:     s.Name(),
		Reason:    reason,
		Detail:    cause.Error(),
		Attempts:  attempts,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("record dead letter: %w", err)
	}
	return s.Auditor.Emit(ctx, audit.Event{
		Action:   string(audit.EventItemDeadLettered),
		Subject:  doc.ID.String(),
		Actor:    s.Name(),
		Decision: string(reason),
		Reason:   cause.Error(),
	})
}

// ValidationStage verifies PENDING_VALIDATION pointers against their
// evidence with the deterministic validator.
type ValidationStage struct {
	Rules     rule.Store
	Evidence  evidence.Store
	Validator *validator.Validator
	Letters   deadletter.Store
	Auditor   audit.Publisher
	Logger    *slog.Logger
	BatchSize int
}

func (s *ValidationStage) Name() string { return "validation" }

func (s *ValidationStage) Tick(ctx context.Context) (int, error) {
	pointers, err := s.Rules.ListPointersByStatus(ctx, rule.PointerPendingValidation, s.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending validation: %w", err)
	}
	worked := 0
	for _, p := range pointers {
		doc, err := s.Evidence.Get(ctx, p.EvidenceID)
		if err != nil {
			return worked, fmt.Errorf("load evidence %s: %w", p.EvidenceID, err)
		}
		verdict := s.Validator.Validate(validator.Candidate{
			ExtractedValue: p.ExtractedValue,
			ExactQuote:     p.ExactQuote,
			Domain:         p.Domain,
			ValueType:      p.ValueType,
		})
		if verdict.Valid {
			verdict = s.Validator.VerifyQuoteInEvidence(p.ExactQuote, doc.Text)
		}
		if verdict.Valid {
			if err := s.Rules.UpdatePointerStatus(ctx, p.ID, rule.PointerPendingValidation, rule.PointerValidated); err != nil {
				return worked, fmt.Errorf("advance pointer %s: %w", p.ID, err)
			}
			worked++
			continue
		}
		if err := s.reject(ctx, p, verdict); err != nil {
			return worked, err
		}
		worked++
	}
	return worked, nil
}

func (s *ValidationStage) reject(ctx context.Context, p *rule.SourcePointer, verdict validator.Verdict) error {
	if err := s.Rules.UpdatePointerStatus(ctx, p.ID, rule.PointerPendingValidation, rule.PointerDeadLettered); err != nil {
		return fmt.Errorf("dead-letter pointer %s: %w", p.ID, err)
	}
	if err := s.Letters.Append(ctx, deadletter.Item{
		ID:        uuid.New(),
		Kind:      deadletter.KindPointer,
		SubjectID: uuid.UUID(p.ID),
		Stage:     s.Name(),
		Reason:    deadletter.ReasonValidationRejected,
		Detail:    fmt.Sprintf("%s: %s", verdict.Reason, verdict.Detail),
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("record dead letter: %w", err)
	}
	s.Logger.Info("pointer rejected",
		"pointer", p.ID.String(), "reason", string(verdict.Reason))
	return s.Auditor.Emit(ctx, audit.Event{
		Action:   string(audit.EventItemDeadLettered),
		Subject:  p.ID.String(),
		Actor:    s.Name(),
		Decision: string(verdict.Reason),
		Reason:   verdict.Detail,
	})
}

// CompositionStage drains VALIDATED pointers through the composer.
type CompositionStage struct {
	Rules     rule.PointerStore
	Composer  *composer.Composer
	BatchSize int
}

func (s *CompositionStage) Name() string { return "composition" }

func (s *CompositionStage) Tick(ctx context.Context) (int, error) {
	pointers, err := s.Rules.ListPointersByStatus(ctx, rule.PointerValidated, s.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list validated: %w", err)
	}
	if len(pointers) == 0 {
		return 0, nil
	}
	ids := make([]domain.PointerID, len(pointers))
	for i, p := range pointers {
		ids[i] = p.ID
	}
	report, err := s.Composer.Run(ctx, ids)
	if err != nil {
		return 0, err
	}
	// Halted groups stay VALIDATED; counting them as work would defeat the
	// idle backoff while their conflicts wait on the arbiter.
	return report.Composed + report.Merged + report.DeadLettered, nil
}

// ReviewStage runs the reviewer's promotion and auto-approval pass.
type ReviewStage struct {
	Reviewer *reviewer.Reviewer
}

func (s *ReviewStage) Name() string { return "review" }

func (s *ReviewStage) Tick(ctx context.Context) (int, error) {
	report, err := s.Reviewer.Run(ctx)
	if err != nil {
		return 0, err
	}
	return report.Promoted + report.AutoApproved, nil
}

// ArbitrationStage drains OPEN conflicts through the arbiter.
type ArbitrationStage struct {
	Arbiter *conflict.Arbiter
}

func (s *ArbitrationStage) Name() string { return "arbitration" }

func (s *ArbitrationStage) Tick(ctx context.Context) (int, error) {
	report, err := s.Arbiter.Run(ctx)
	if err != nil {
		return 0, err
	}
	return report.Resolved + report.Escalated, nil
}

// ReleaseStage publishes batches of APPROVED rules. The batch is all or
// nothing, so a rule whose gate failure cannot clear on its own is parked
// and dead-lettered instead of poisoning every later batch. Parking lives in
// memory: losing it on restart only grants the rule a fresh attempt.
type ReleaseStage struct {
	Rules     rule.RuleStore
	Releaser  *releaser.Releaser
	Letters   deadletter.Store
	Logger    *slog.Logger
	BatchSize int

	parked map[domain.RuleID]struct{}
}

func (s *ReleaseStage) Name() string { return "release" }

func (s *ReleaseStage) Tick(ctx context.Context) (int, error) {
	approved, err := s.Rules.ListByStatus(ctx, domain.StatusApproved, s.BatchSize+len(s.parked))
	if err != nil {
		return 0, fmt.Errorf("list approved: %w", err)
	}
	ids := make([]domain.RuleID, 0, len(approved))
	for _, r := range approved {
		if _, held := s.parked[r.ID]; held {
			continue
		}
		ids = append(ids, r.ID)
		if len(ids) == s.BatchSize {
			break
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	release, err := s.Releaser.Run(ctx, ids)
	if err != nil {
		var gateErr *releaser.GateError
		if errors.As(err, &gateErr) {
			return 0, s.parkFailed(ctx, gateErr)
		}
		s.Logger.Warn("release attempt aborted", "rules", len(ids), "error", err)
		return 0, nil
	}
	s.Logger.Info("release published", "version", release.Version, "rules", len(ids))
	return len(ids), nil
}

// transientGate reports whether a failing gate clears on its own as upstream
// stages settle; parking those rules would strand them behind work already
// in flight.
func transientGate(gate string) bool {
	return gate == releaser.GateNoOpenConflicts || gate == releaser.GateApprovedStatus
}

func (s *ReleaseStage) parkFailed(ctx context.Context, gateErr *releaser.GateError) error {
	details := make(map[domain.RuleID][]string)
	for _, f := range gateErr.Failures {
		if transientGate(f.Gate) {
			continue
		}
		details[f.RuleID] = append(details[f.RuleID], fmt.Sprintf("%s: %s", f.Gate, f.Detail))
	}
	if s.parked == nil {
		s.parked = make(map[domain.RuleID]struct{}, len(details))
	}
	for id, reasons := range details {
		if _, held := s.parked[id]; held {
			continue
		}
		s.parked[id] = struct{}{}
		detail := strings.Join(reasons, "; ")
		if err := s.Letters.Append(ctx, deadletter.Item{
			ID:        uuid.New(),
			Kind:      deadletter.KindRule,
			SubjectID: uuid.UUID(id),
			Stage:     s.Name(),
			Reason:    deadletter.ReasonGateFailure,
			Detail:    detail,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("record dead letter: %w", err)
		}
		s.Logger.Warn("rule parked after gate failure", "rule", id.String(), "detail", detail)
	}
	return nil
}
