package releaser

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/montanaflynn/stats"
	"golang.org/x/mod/semver"

	"regpipe/internal/rule"
	"regpipe/pkg/domain"
	"regpipe/pkg/domainerrors"
	audit "regpipe/pkg/platform/audit"
	"regpipe/pkg/platform/sentinel"
	txcontext "regpipe/pkg/platform/tx"
)

const stageName = "releaser"

// Gate names used in itemized failure lists.
const (
	GateApprovedStatus   = "approved_status"
	GateHumanApproval    = "human_approval"
	GateNoOpenConflicts  = "no_open_conflicts"
	GatePointerBacking   = "pointer_backing"
	GateEvidenceStrength = "evidence_strength"
)

// ConflictCounter is the slice of the conflict store the releaser needs.
type ConflictCounter interface {
	CountOpenForRule(ctx context.Context, ruleID domain.RuleID) (int, error)
}

// Releaser publishes approved rule batches.
type Releaser struct {
	rules     rule.Store
	conflicts ConflictCounter
	releases  Store
	auditor   audit.Publisher
	db        *sql.DB
	logger    *slog.Logger
	published func(batch []*rule.Rule)
	now       func() time.Time
}

// Option configures the Releaser.
type Option func(*Releaser)

// WithDB enables transactional publication: every rule's PUBLISHED
// transition and the release record commit atomically.
func WithDB(db *sql.DB) Option {
	return func(r *Releaser) { r.db = db }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Releaser) { r.logger = logger }
}

// WithPublishedHook runs after each successful release with the published
// batch; the caller wires metrics and cache invalidation here.
func WithPublishedHook(hook func(batch []*rule.Rule)) Option {
	return func(r *Releaser) { r.published = hook }
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Releaser) { r.now = now }
}

// New wires a releaser.
func New(rules rule.Store, conflicts ConflictCounter, releases Store, auditor audit.Publisher, opts ...Option) (*Releaser, error) {
	if rules == nil {
		return nil, fmt.Errorf("rule store is required")
	}
	if conflicts == nil {
		return nil, fmt.Errorf("conflict counter is required")
	}
	if releases == nil {
		return nil, fmt.Errorf("release store is required")
	}
	if auditor == nil {
		return nil, fmt.Errorf("audit publisher is required")
	}
	r := &Releaser{
		rules:     rules,
		conflicts: conflicts,
		releases:  releases,
		auditor:   auditor,
		logger:    slog.Default(),
		published: func([]*rule.Rule) {},
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run publishes the given approved rules as one release. The batch aborts
// entirely, with every violation itemized, if any gate fails for any rule.
func (r *Releaser) Run(ctx context.Context, ruleIDs []domain.RuleID) (*Release, error) {
	if len(ruleIDs) == 0 {
		return nil, domainerrors.New(domainerrors.CodeBadRequest, "release batch is empty")
	}
	batch := make([]*rule.Rule, 0, len(ruleIDs))
	pointersByRule := make(map[domain.RuleID][]*rule.SourcePointer, len(ruleIDs))
	for _, id := range ruleIDs {
		loaded, err := r.rules.GetRule(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load rule %s: %w", id, err)
		}
		batch = append(batch, loaded)
		pointers, err := r.rules.PointersForRule(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("pointers for rule %s: %w", id, err)
		}
		pointersByRule[id] = pointers
	}

	if failures, err := r.evaluateGates(ctx, batch, pointersByRule); err != nil {
		return nil, err
	} else if len(failures) > 0 {
		gateErr := &GateError{Failures: failures}
		if auditErr := r.auditor.Emit(ctx, audit.Event{
			Action:   string(audit.EventReleaseAborted),
			Subject:  fmt.Sprintf("batch of %d", len(batch)),
			Actor:    stageName,
			Decision: "ABORTED",
			Reason:   gateErr.Error(),
		}); auditErr != nil {
			return nil, auditErr
		}
		return nil, domainerrors.Wrap(gateErr, domainerrors.CodeGateFailure, "release gates failed")
	}

	version, err := r.nextVersion(ctx, batch)
	if err != nil {
		return nil, err
	}
	release := &Release{
		ID:            domain.NewReleaseID(),
		Version:       version,
		ContentHash:   ContentHash(batch),
		ReleasedAt:    r.now(),
		EffectiveFrom: earliestEffective(batch),
		RuleIDs:       ruleIDs,
		AuditTrail:    buildAuditTrail(batch, pointersByRule),
	}

	if err := r.publish(ctx, release, batch); err != nil {
		return nil, err
	}
	r.published(batch)
	r.logger.Info("release published",
		"version", release.Version, "rules", len(batch), "hash", release.ContentHash)
	return release, nil
}

func (r *Releaser) evaluateGates(ctx context.Context, batch []*rule.Rule, pointersByRule map[domain.RuleID][]*rule.SourcePointer) ([]GateFailure, error) {
	var failures []GateFailure
	for _, item := range batch {
		if item.Status != domain.StatusApproved {
			failures = append(failures, GateFailure{
				Gate: GateApprovedStatus, RuleID: item.ID,
				Detail: fmt.Sprintf("status is %s", item.Status),
			})
		}
		if item.RiskTier.RequiresHumanApproval() && item.ApprovedBy == "" {
			failures = append(failures, GateFailure{
				Gate: GateHumanApproval, RuleID: item.ID,
				Detail: fmt.Sprintf("%s rule lacks a human approver", item.RiskTier),
			})
		}
		open, err := r.conflicts.CountOpenForRule(ctx, item.ID)
		if err != nil {
			return nil, fmt.Errorf("count open conflicts: %w", err)
		}
		if open > 0 {
			failures = append(failures, GateFailure{
				Gate: GateNoOpenConflicts, RuleID: item.ID,
				Detail: fmt.Sprintf("%d open conflict(s)", open),
			})
		}
		pointers := pointersByRule[item.ID]
		if len(pointers) == 0 {
			failures = append(failures, GateFailure{
				Gate: GatePointerBacking, RuleID: item.ID,
				Detail: "no linked source pointers",
			})
			continue
		}
		// Single-source facts publish only on the word of the law itself.
		if rule.Strength(rule.DistinctEvidence(pointers)) == domain.SingleSource &&
			item.AuthorityLevel != domain.AuthorityLaw {
			failures = append(failures, GateFailure{
				Gate: GateEvidenceStrength, RuleID: item.ID,
				Detail: fmt.Sprintf("single source at authority %s", item.AuthorityLevel),
			})
		}
	}
	return failures, nil
}

// nextVersion bumps the latest release version by the batch's highest risk:
// T0 forces a major bump, T1 minor, everything else patch.
func (r *Releaser) nextVersion(ctx context.Context, batch []*rule.Rule) (string, error) {
	current := "v0.0.0"
	latest, err := r.releases.Latest(ctx)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return "", fmt.Errorf("latest release: %w", err)
	}
	if latest != nil {
		current = latest.Version
	}
	if !semver.IsValid(current) {
		return "", fmt.Errorf("stored version %q is not valid semver", current)
	}

	highest := 0
	for _, item := range batch {
		if c := item.RiskTier.Criticality(); c > highest {
			highest = c
		}
	}
	major, minor, patch, err := splitVersion(current)
	if err != nil {
		return "", err
	}
	switch {
	case highest == domain.RiskT0.Criticality():
		major, minor, patch = major+1, 0, 0
	case highest == domain.RiskT1.Criticality():
		minor, patch = minor+1, 0
	default:
		patch++
	}
	next := fmt.Sprintf("v%d.%d.%d", major, minor, patch)
	if !semver.IsValid(next) {
		return "", fmt.Errorf("computed version %q is not valid semver", next)
	}
	return next, nil
}

func splitVersion(v string) (major, minor, patch int, err error) {
	parts := strings.SplitN(strings.TrimPrefix(v, "v"), ".", 3)
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("version %q lacks three components", v)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		nums[i], err = strconv.Atoi(p)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("version component %q: %w", p, err)
		}
	}
	return nums[0], nums[1], nums[2], nil
}

func (r *Releaser) publish(ctx context.Context, release *Release, batch []*rule.Rule) error {
	apply := func(ctx context.Context) error {
		for _, item := range batch {
			err := r.rules.UpdateRuleStatus(ctx, item.ID, domain.StatusApproved, domain.StatusPublished, "")
			if err != nil {
				return fmt.Errorf("publish rule %s: %w", item.ID, err)
			}
		}
		if err := r.releases.Create(ctx, release); err != nil {
			return fmt.Errorf("store release: %w", err)
		}
		return r.auditor.Emit(ctx, audit.Event{
			Action:   string(audit.EventReleasePublished),
			Subject:  release.Version,
			Actor:    stageName,
			Decision: "PUBLISHED",
			Reason: fmt.Sprintf("%d rule(s), hash %s, %d distinct evidence document(s)",
				len(batch), release.ContentHash, release.AuditTrail.DistinctEvidence),
		})
	}

	if r.db == nil {
		return apply(ctx)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin publish: %w", err)
	}
	defer tx.Rollback()
	if err := apply(txcontext.WithTx(ctx, tx)); err != nil {
		return err
	}
	return tx.Commit()
}

func buildAuditTrail(batch []*rule.Rule, pointersByRule map[domain.RuleID][]*rule.SourcePointer) AuditTrail {
	trail := AuditTrail{}
	evidence := make(map[domain.EvidenceID]struct{})
	var confidences []float64
	for _, item := range batch {
		if item.ApprovedBy != "" {
			trail.HumanApprovals++
		} else {
			trail.AutoApprovals++
		}
		for _, p := range pointersByRule[item.ID] {
			trail.Pointers++
			evidence[p.EvidenceID] = struct{}{}
			confidences = append(confidences, p.Confidence)
		}
	}
	trail.DistinctEvidence = len(evidence)
	if len(confidences) > 0 {
		// stats errors only on empty input.
		trail.MeanConfidence, _ = stats.Mean(confidences)
		trail.MedianConfidence, _ = stats.Median(confidences)
	}
	return trail
}

func earliestEffective(batch []*rule.Rule) time.Time {
	earliest := batch[0].EffectiveFrom
	for _, item := range batch[1:] {
		if item.EffectiveFrom.Before(earliest) {
			earliest = item.EffectiveFrom
		}
	}
	return earliest
}
