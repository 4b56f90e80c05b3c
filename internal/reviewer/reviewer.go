// Package reviewer is the quality gate between composition and release. It
// promotes drafts into review, auto-approves only low-risk well-evidenced
// rules, and records every human decision. T0/T1 rules never pass this gate
// without a human approver; the releaser re-checks the same invariant.
package reviewer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"regpipe/internal/rule"
	"regpipe/pkg/domain"
	"regpipe/pkg/domainerrors"
	audit "regpipe/pkg/platform/audit"
	"regpipe/pkg/platform/sentinel"
)

const (
	stageName = "reviewer"

	// autoApproveConfidence admits a rule without waiting.
	autoApproveConfidence = 0.95
	// graceConfidence admits a rule that has waited out the grace period.
	graceConfidence = 0.90
)

// Severity grades a rejection.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityMajor    Severity = "MAJOR"
	SeverityMinor    Severity = "MINOR"
)

// Rejection is the structured reason a reviewer must supply; free-text-only
// rejections are not accepted.
type Rejection struct {
	Severity       Severity
	Description    string
	Recommendation string
}

func (r Rejection) validate() error {
	if r.Severity != SeverityCritical && r.Severity != SeverityMajor && r.Severity != SeverityMinor {
		return domainerrors.New(domainerrors.CodeBadRequest, "rejection severity is required")
	}
	if r.Description == "" {
		return domainerrors.New(domainerrors.CodeBadRequest, "rejection description is required")
	}
	if r.Recommendation == "" {
		return domainerrors.New(domainerrors.CodeBadRequest, "rejection recommendation is required")
	}
	return nil
}

// ConflictCounter is the slice of the conflict store the reviewer needs.
type ConflictCounter interface {
	CountOpenForRule(ctx context.Context, ruleID domain.RuleID) (int, error)
}

// Reviewer runs the review state machine.
type Reviewer struct {
	store     rule.Store
	conflicts ConflictCounter
	auditor   audit.Publisher
	logger    *slog.Logger
	grace     time.Duration
	batchSize int
	now       func() time.Time
}

// Option configures the Reviewer.
type Option func(*Reviewer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reviewer) { r.logger = logger }
}

// WithGracePeriod sets how long a rule must sit in review before the relaxed
// confidence threshold applies.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Reviewer) { r.grace = d }
}

// WithBatchSize bounds rules handled per run.
func WithBatchSize(n int) Option {
	return func(r *Reviewer) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reviewer) { r.now = now }
}

// New wires a reviewer.
func New(store rule.Store, conflicts ConflictCounter, auditor audit.Publisher, opts ...Option) (*Reviewer, error) {
	if store == nil {
		return nil, fmt.Errorf("rule store is required")
	}
	if conflicts == nil {
		return nil, fmt.Errorf("conflict counter is required")
	}
	if auditor == nil {
		return nil, fmt.Errorf("audit publisher is required")
	}
	r := &Reviewer{
		store:     store,
		conflicts: conflicts,
		auditor:   auditor,
		logger:    slog.Default(),
		grace:     48 * time.Hour,
		batchSize: 25,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Report summarizes one reviewer run.
type Report struct {
	Promoted     int
	AutoApproved int
	AwaitingHuman int
	Held         int
}

// Run promotes drafts into review and auto-approves eligible T2/T3 rules.
func (r *Reviewer) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	drafts, err := r.store.ListByStatus(ctx, domain.StatusDraft, r.batchSize)
	if err != nil {
		return nil, fmt.Errorf("list drafts: %w", err)
	}
	for _, d := range drafts {
		err := r.store.UpdateRuleStatus(ctx, d.ID, domain.StatusDraft, domain.StatusPendingReview, "")
		if err != nil {
			if errors.Is(err, sentinel.ErrInvalidState) {
				continue
			}
			return nil, fmt.Errorf("promote draft %s: %w", d.ID, err)
		}
		report.Promoted++
	}

	pending, err := r.store.ListByStatus(ctx, domain.StatusPendingReview, r.batchSize)
	if err != nil {
		return nil, fmt.Errorf("list pending review: %w", err)
	}
	for _, p := range pending {
		// T0/T1 always wait for a human, whatever any confidence score says.
		if p.RiskTier.RequiresHumanApproval() {
			report.AwaitingHuman++
			continue
		}
		graceElapsed := r.now().Sub(p.UpdatedAt) >= r.grace
		approved, err := r.tryAutoApprove(ctx, p, graceElapsed)
		if err != nil {
			return nil, err
		}
		if approved {
			report.AutoApproved++
		} else {
			report.Held++
		}
	}
	return report, nil
}

// tryAutoApprove applies the automated gate: sufficient confidence, zero
// open conflicts, at least one linked pointer.
func (r *Reviewer) tryAutoApprove(ctx context.Context, p *rule.Rule, graceElapsed bool) (bool, error) {
	confidence, count, err := r.ruleConfidence(ctx, p.ID)
	if err != nil {
		return false, err
	}
	if count == 0 {
		return false, nil
	}
	if confidence < autoApproveConfidence && !(graceElapsed && confidence >= graceConfidence) {
		return false, nil
	}
	open, err := r.conflicts.CountOpenForRule(ctx, p.ID)
	if err != nil {
		return false, fmt.Errorf("count open conflicts: %w", err)
	}
	if open > 0 {
		return false, nil
	}

	// ApprovedBy stays empty: the approval is automated and must be
	// distinguishable from a human decision.
	err = r.store.UpdateRuleStatus(ctx, p.ID, domain.StatusPendingReview, domain.StatusApproved, "")
	if err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			return false, nil
		}
		return false, fmt.Errorf("auto-approve %s: %w", p.ID, err)
	}
	r.logger.Info("rule auto-approved",
		"rule", p.ID.String(), "slug", p.ConceptSlug, "confidence", confidence)
	return true, r.auditor.Emit(ctx, audit.Event{
		Action:   string(audit.EventRuleAutoApproved),
		Subject:  p.ID.String(),
		Actor:    stageName,
		Decision: "APPROVED",
		Reason:   fmt.Sprintf("confidence %.3f over %d pointer(s)", confidence, count),
	})
}

// Approve records a human approval. approver is the verified identity from
// the admin token, never a stage name.
func (r *Reviewer) Approve(ctx context.Context, id domain.RuleID, approver string) error {
	if approver == "" {
		return domainerrors.New(domainerrors.CodeForbidden, "approver identity is required")
	}
	_, count, err := r.ruleConfidence(ctx, id)
	if err != nil {
		return err
	}
	if count == 0 {
		return domainerrors.New(domainerrors.CodeGateFailure, "rule has no linked source pointers")
	}
	open, err := r.conflicts.CountOpenForRule(ctx, id)
	if err != nil {
		return fmt.Errorf("count open conflicts: %w", err)
	}
	if open > 0 {
		return domainerrors.Newf(domainerrors.CodeConflict, "rule has %d open conflict(s)", open)
	}
	err = r.store.UpdateRuleStatus(ctx, id, domain.StatusPendingReview, domain.StatusApproved, approver)
	if err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			return domainerrors.New(domainerrors.CodeBadRequest, "rule is not pending review")
		}
		return fmt.Errorf("approve rule: %w", err)
	}
	return r.auditor.Emit(ctx, audit.Event{
		Action:   string(audit.EventRuleApproved),
		Subject:  id.String(),
		Actor:    approver,
		Decision: "APPROVED",
	})
}

// Reject records a human rejection with its structured reason.
func (r *Reviewer) Reject(ctx context.Context, id domain.RuleID, reviewer string, rejection Rejection) error {
	if reviewer == "" {
		return domainerrors.New(domainerrors.CodeForbidden, "reviewer identity is required")
	}
	if err := rejection.validate(); err != nil {
		return err
	}
	err := r.store.UpdateRuleStatus(ctx, id, domain.StatusPendingReview, domain.StatusRejected, "")
	if err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			return domainerrors.New(domainerrors.CodeBadRequest, "rule is not pending review")
		}
		return fmt.Errorf("reject rule: %w", err)
	}
	return r.auditor.Emit(ctx, audit.Event{
		Action:   string(audit.EventRuleRejected),
		Subject:  id.String(),
		Actor:    reviewer,
		Decision: string(rejection.Severity),
		Reason:   fmt.Sprintf("%s; recommendation: %s", rejection.Description, rejection.Recommendation),
	})
}

// OverrideGrace evaluates auto-approval for one rule with the grace period
// waived. The override itself is audited; it cannot touch T0/T1 rules and
// cannot bypass the confidence, conflict, or pointer gates.
func (r *Reviewer) OverrideGrace(ctx context.Context, id domain.RuleID, operator, justification string) error {
	if operator == "" {
		return domainerrors.New(domainerrors.CodeForbidden, "operator identity is required")
	}
	if justification == "" {
		return domainerrors.New(domainerrors.CodeBadRequest, "override justification is required")
	}
	p, err := r.store.GetRule(ctx, id)
	if err != nil {
		return fmt.Errorf("load rule: %w", err)
	}
	if p.RiskTier.RequiresHumanApproval() {
		return domainerrors.New(domainerrors.CodeForbidden,
			"grace override cannot apply to rules requiring human approval")
	}
	if p.Status != domain.StatusPendingReview {
		return domainerrors.New(domainerrors.CodeBadRequest, "rule is not pending review")
	}
	if err := r.auditor.Emit(ctx, audit.Event{
		Action:   string(audit.EventGraceOverride),
		Subject:  id.String(),
		Actor:    operator,
		Decision: "GRACE_WAIVED",
		Reason:   justification,
	}); err != nil {
		return err
	}
	approved, err := r.tryAutoApprove(ctx, p, true)
	if err != nil {
		return err
	}
	if !approved {
		return domainerrors.New(domainerrors.CodeGateFailure,
			"rule does not meet auto-approval gates even with grace waived")
	}
	return nil
}

// ruleConfidence is the weakest linked pointer's extraction confidence plus
// the pointer count.
func (r *Reviewer) ruleConfidence(ctx context.Context, id domain.RuleID) (float64, int, error) {
	pointers, err := r.store.PointersForRule(ctx, id)
	if err != nil {
		return 0, 0, fmt.Errorf("pointers for rule %s: %w", id, err)
	}
	if len(pointers) == 0 {
		return 0, 0, nil
	}
	lowest := pointers[0].Confidence
	for _, p := range pointers[1:] {
		if p.Confidence < lowest {
			lowest = p.Confidence
		}
	}
	return lowest, len(pointers), nil
}
