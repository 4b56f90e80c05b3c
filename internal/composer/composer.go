// Package composer turns validated source pointers into draft rules. It
// canonicalizes concepts, merges duplicates onto existing rules, seeds
// conflicts, and fails closed on invalid predicates. It never resolves
// conflicts and never advances a rule past DRAFT.
package composer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"regpipe/internal/conflict"
	"regpipe/internal/deadletter"
	"regpipe/internal/dsl"
	"regpipe/internal/rule"
	"regpipe/pkg/domain"
	audit "regpipe/pkg/platform/audit"
	"regpipe/pkg/platform/sentinel"
)

const stageName = "composer"

// Composer is the canonicalizer/composer stage.
type Composer struct {
	store     rule.Store
	conflicts conflict.Store
	letters   deadletter.Store
	auditor   audit.Publisher
	logger    *slog.Logger
	// blocked domains never reach rule state; test fixtures and synthetic
	// inputs are quarantined before any other processing.
	blocked map[string]struct{}
}

// Option configures the Composer.
type Option func(*Composer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Composer) { c.logger = logger }
}

// WithBlockedDomains replaces the blocked-domain list.
func WithBlockedDomains(domains []string) Option {
	return func(c *Composer) {
		c.blocked = make(map[string]struct{}, len(domains))
		for _, d := range domains {
			c.blocked[d] = struct{}{}
		}
	}
}

// New wires a composer.
func New(store rule.Store, conflicts conflict.Store, letters deadletter.Store, auditor audit.Publisher, opts ...Option) (*Composer, error) {
	if store == nil {
		return nil, fmt.Errorf("rule store is required")
	}
	if conflicts == nil {
		return nil, fmt.Errorf("conflict store is required")
	}
	if letters == nil {
		return nil, fmt.Errorf("dead-letter store is required")
	}
	if auditor == nil {
		return nil, fmt.Errorf("audit publisher is required")
	}
	c := &Composer{
		store:     store,
		conflicts: conflicts,
		letters:   letters,
		auditor:   auditor,
		logger:    slog.Default(),
		blocked:   map[string]struct{}{"test": {}, "synthetic": {}, "fixture": {}},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Report summarizes one composition run.
type Report struct {
	Examined     int
	Composed     int
	Merged       int
	Halted       int
	DeadLettered int
	// RuleIDs collects the rules touched: created or merged onto.
	RuleIDs []domain.RuleID
}

// group is one composition unit: validated pointers sharing a canonical
// identity (slug, value, value type, effective-from).
type group struct {
	slug     string
	pointers []*rule.SourcePointer
	seq      int
}

// Run composes the given validated pointers. Pointers already COMPOSED are
// skipped so interrupted batches re-enter safely.
func (c *Composer) Run(ctx context.Context, pointerIDs []domain.PointerID) (*Report, error) {
	pointers, err := c.store.GetPointers(ctx, pointerIDs)
	if err != nil {
		return nil, fmt.Errorf("load pointers: %w", err)
	}
	report := &Report{Examined: len(pointers)}

	groups := make(map[string]*group)
	for _, p := range pointers {
		if p.Status != rule.PointerValidated {
			continue
		}
		if c.domainBlocked(p.Domain) {
			if err := c.quarantine(ctx, p, report); err != nil {
				return nil, err
			}
			continue
		}
		slug, err := CanonicalSlug(ctx, c.store, p.ProposedSlug)
		if err != nil {
			return nil, fmt.Errorf("canonicalize %q: %w", p.ProposedSlug, err)
		}
		key := fmt.Sprintf("%s|%s|%s|%s", slug, p.ExtractedValue, p.ValueType,
			p.EffectiveFrom.UTC().Format("2006-01-02"))
		g, ok := groups[key]
		if !ok {
			g = &group{slug: slug, seq: len(groups)}
			groups[key] = g
		}
		g.pointers = append(g.pointers, p)
	}

	ordered := make([]*group, 0, len(groups))
	for _, g := range groups {
		ordered = append(ordered, g)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	disputed, err := c.openSourceConflicts(ctx, ordered, report)
	if err != nil {
		return nil, err
	}
	for _, g := range ordered {
		if disputed[g] {
			continue
		}
		if err := c.composeGroup(ctx, g, report); err != nil {
			return nil, err
		}
	}
	return report, nil
}

// openSourceConflicts halts groups in the same batch that propose different
// values for one concept in overlapping windows. Neither side has a rule row
// yet, so the conflict carries pointer references only; both groups stay
// VALIDATED until the conflict closes.
func (c *Composer) openSourceConflicts(ctx context.Context, ordered []*group, report *Report) (map[*group]bool, error) {
	disputed := make(map[*group]bool)
	for i, a := range ordered {
		for _, b := range ordered[i+1:] {
			if a.slug != b.slug {
				continue
			}
			la, lb := a.pointers[0], b.pointers[0]
			if la.ExtractedValue == lb.ExtractedValue && la.ValueType == lb.ValueType {
				continue
			}
			if !rule.WindowsOverlap(la.EffectiveFrom, la.EffectiveUntil, lb.EffectiveFrom, lb.EffectiveUntil) {
				continue
			}
			detail := fmt.Sprintf("sources disagree on %s: %q vs %q", a.slug,
				la.ExtractedValue, lb.ExtractedValue)
			rec := conflict.SourceConflict(a.slug, la.ID, lb.ID, detail, time.Now().UTC())
			err := c.conflicts.Create(ctx, rec)
			if errors.Is(err, sentinel.ErrConflict) {
				disputed[a], disputed[b] = true, true
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("open source conflict: %w", err)
			}
			if err := c.auditor.Emit(ctx, audit.Event{
				Action:   string(audit.EventConflictOpened),
				Subject:  rec.ID.String(),
				Actor:    stageName,
				Decision: string(domain.ConflictSource),
				Reason:   detail,
			}); err != nil {
				return nil, err
			}
			c.logger.Info("source conflict opened",
				"slug", a.slug, "pointer_a", la.ID.String(), "pointer_b", lb.ID.String())
			disputed[a], disputed[b] = true, true
		}
	}
	report.Halted += len(disputed)
	return disputed, nil
}

func (c *Composer) domainBlocked(d string) bool {
	_, blocked := c.blocked[d]
	return blocked
}

func (c *Composer) quarantine(ctx context.Context, p *rule.SourcePointer, report *Report) error {
	if err := c.store.UpdatePointerStatus(ctx, p.ID, rule.PointerValidated, rule.PointerDeadLettered); err != nil {
		return fmt.Errorf("dead-letter pointer %s: %w", p.ID, err)
	}
	if err := c.letters.Append(ctx, deadletter.Item{
		ID:        uuid.New(),
		Kind:      deadletter.KindPointer,
		SubjectID: uuid.UUID(p.ID),
		Stage:     stageName,
		Reason:    deadletter.ReasonBlockedDomain,
		Detail:    fmt.Sprintf("domain %q is on the blocked list", p.Domain),
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("record dead letter: %w", err)
	}
	report.DeadLettered++
	return c.auditor.Emit(ctx, audit.Event{
		Action:   string(audit.EventItemDeadLettered),
		Subject:  p.ID.String(),
		Actor:    stageName,
		Decision: string(deadletter.ReasonBlockedDomain),
		Reason:   fmt.Sprintf("domain %q", p.Domain),
	})
}

func (c *Composer) composeGroup(ctx context.Context, g *group, report *Report) error {
	lead := g.pointers[0]
	ids := make([]domain.PointerID, len(g.pointers))
	for i, p := range g.pointers {
		ids[i] = p.ID
	}

	// Merge case: an active rule with the same identity and an overlapping
	// window absorbs the new pointers.
	sameSlug, err := c.store.ListActiveBySlug(ctx, g.slug)
	if err != nil {
		return fmt.Errorf("list active for %s: %w", g.slug, err)
	}
	if existing := findMergeTarget(sameSlug, lead); existing != nil {
		return c.merge(ctx, existing, ids, report)
	}

	// Conflict detection runs across all active rules: cross-slug duplicates
	// live under other slugs by definition.
	active, err := c.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active rules: %w", err)
	}
	detected := conflict.Detect(conflict.Candidate{
		ConceptSlug:    g.slug,
		Value:          lead.ExtractedValue,
		ValueType:      lead.ValueType,
		AuthorityLevel: strongestAuthority(g.pointers),
		EffectiveFrom:  lead.EffectiveFrom,
		EffectiveUntil: lead.EffectiveUntil,
	}, active)
	if len(detected) > 0 {
		return c.halt(ctx, g, lead, detected, report)
	}

	// Fail closed on the predicate: an invalid appliesWhen rejects the rule
	// outright rather than defaulting to always-applies.
	appliesWhen := proposedPredicate(g.pointers)
	if len(appliesWhen) > 0 {
		if _, err := dsl.Parse(appliesWhen); err != nil {
			return c.rejectPredicate(ctx, g, err, report)
		}
	}

	return c.create(ctx, g, lead, appliesWhen, ids, report)
}

func (c *Composer) merge(ctx context.Context, existing *rule.Rule, ids []domain.PointerID, report *Report) error {
	if err := c.store.LinkPointers(ctx, existing.ID, ids); err != nil {
		return fmt.Errorf("merge pointers onto %s: %w", existing.ID, err)
	}
	if err := c.markComposed(ctx, ids); err != nil {
		return err
	}
	report.Merged++
	report.RuleIDs = append(report.RuleIDs, existing.ID)
	return c.auditor.Emit(ctx, audit.Event{
		Action:  string(audit.EventPointersMerged),
		Subject: existing.ID.String(),
		Actor:   stageName,
		Reason:  fmt.Sprintf("%d pointer(s) merged onto existing rule", len(ids)),
	})
}

func (c *Composer) halt(ctx context.Context, g *group, lead *rule.SourcePointer, detected []conflict.Detected, report *Report) error {
	now := time.Now().UTC()
	opened := 0
	for _, d := range detected {
		rec := conflict.CompositionConflict(d.Type, g.slug, lead.ID, d.Existing.ID, d.Detail, now)
		err := c.conflicts.Create(ctx, rec)
		if errors.Is(err, sentinel.ErrConflict) {
			// The same disagreement is already open from an earlier pass;
			// the pointer keeps waiting on it.
			continue
		}
		if err != nil {
			return fmt.Errorf("open conflict: %w", err)
		}
		if err := c.auditor.Emit(ctx, audit.Event{
			Action:   string(audit.EventConflictOpened),
			Subject:  rec.ID.String(),
			Actor:    stageName,
			Decision: string(d.Type),
			Reason:   d.Detail,
		}); err != nil {
			return err
		}
		opened++
	}
	report.Halted++
	if opened == 0 {
		return nil
	}
	c.logger.Info("composition halted",
		"slug", g.slug, "conflicts", opened, "pointer", lead.ID.String())
	return c.auditor.Emit(ctx, audit.Event{
		Action:  string(audit.EventCompositionHalted),
		Subject: lead.ID.String(),
		Actor:   stageName,
		Reason:  fmt.Sprintf("%d open conflict(s) for %s", opened, g.slug),
	})
}

func (c *Composer) rejectPredicate(ctx context.Context, g *group, cause error, report *Report) error {
	for _, p := range g.pointers {
		if err := c.store.UpdatePointerStatus(ctx, p.ID, rule.PointerValidated, rule.PointerDeadLettered); err != nil {
			return fmt.Errorf("dead-letter pointer %s: %w", p.ID, err)
		}
		if err := c.letters.Append(ctx, deadletter.Item{
			ID:        uuid.New(),
			Kind:      deadletter.KindPointer,
			SubjectID: uuid.UUID(p.ID),
			Stage:     stageName,
			Reason:    deadletter.ReasonPredicateRejected,
			Detail:    cause.Error(),
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("record dead letter: %w", err)
		}
		report.DeadLettered++
	}
	return c.auditor.Emit(ctx, audit.Event{
		Action:   string(audit.EventCompositionHalted),
		Subject:  g.slug,
		Actor:    stageName,
		Decision: string(deadletter.ReasonPredicateRejected),
		Reason:   cause.Error(),
	})
}

func (c *Composer) create(ctx context.Context, g *group, lead *rule.SourcePointer, appliesWhen []byte, ids []domain.PointerID, report *Report) error {
	now := time.Now().UTC()
	r := &rule.Rule{
		ID:             domain.NewRuleID(),
		ConceptSlug:    g.slug,
		Value:          lead.ExtractedValue,
		ValueType:      lead.ValueType,
		AuthorityLevel: strongestAuthority(g.pointers),
		RiskTier:       strictestTier(g.pointers),
		AppliesWhen:    appliesWhen,
		EffectiveFrom:  lead.EffectiveFrom,
		EffectiveUntil: lead.EffectiveUntil,
		Status:         domain.StatusDraft,
		MeaningSignature: rule.MeaningSignature(g.slug, lead.ExtractedValue,
			lead.ValueType, lead.EffectiveFrom, lead.EffectiveUntil),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := c.store.CreateRule(ctx, r, ids)
	if errors.Is(err, sentinel.ErrConflict) {
		// A racing worker created the identical rule first; the unique index
		// caught it. Re-read and merge onto the winner.
		sameSlug, listErr := c.store.ListActiveBySlug(ctx, g.slug)
		if listErr != nil {
			return fmt.Errorf("re-read after race: %w", listErr)
		}
		existing := findMergeTarget(sameSlug, lead)
		if existing == nil {
			return fmt.Errorf("uniqueness collision without a merge target for %s", g.slug)
		}
		return c.merge(ctx, existing, ids, report)
	}
	if err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	if err := c.markComposed(ctx, ids); err != nil {
		return err
	}
	report.Composed++
	report.RuleIDs = append(report.RuleIDs, r.ID)
	c.logger.Info("rule composed",
		"rule", r.ID.String(), "slug", g.slug, "pointers", len(ids))
	return c.auditor.Emit(ctx, audit.Event{
		Action:  string(audit.EventRuleComposed),
		Subject: r.ID.String(),
		Actor:   stageName,
		Reason:  fmt.Sprintf("slug %s from %d pointer(s)", g.slug, len(ids)),
	})
}

func (c *Composer) markComposed(ctx context.Context, ids []domain.PointerID) error {
	for _, id := range ids {
		err := c.store.UpdatePointerStatus(ctx, id, rule.PointerValidated, rule.PointerComposed)
		if err != nil && !errors.Is(err, sentinel.ErrInvalidState) {
			return fmt.Errorf("mark pointer composed: %w", err)
		}
	}
	return nil
}

// findMergeTarget returns the active rule sharing the candidate's identity
// with an overlapping effective window, if any.
func findMergeTarget(active []*rule.Rule, lead *rule.SourcePointer) *rule.Rule {
	for _, r := range active {
		if r.Value != lead.ExtractedValue || r.ValueType != lead.ValueType {
			continue
		}
		if rule.WindowsOverlap(r.EffectiveFrom, r.EffectiveUntil, lead.EffectiveFrom, lead.EffectiveUntil) {
			return r
		}
	}
	return nil
}

// strongestAuthority picks the highest authority proposed across the group;
// a fact confirmed by law and guidance is a law-backed fact.
func strongestAuthority(pointers []*rule.SourcePointer) domain.AuthorityLevel {
	best := pointers[0].ProposedAuthority
	for _, p := range pointers[1:] {
		if p.ProposedAuthority.Rank() > best.Rank() {
			best = p.ProposedAuthority
		}
	}
	return best
}

// strictestTier picks the most critical proposed tier across the group.
func strictestTier(pointers []*rule.SourcePointer) domain.RiskTier {
	best := pointers[0].ProposedRiskTier
	for _, p := range pointers[1:] {
		if p.ProposedRiskTier.Criticality() > best.Criticality() {
			best = p.ProposedRiskTier
		}
	}
	return best
}

// proposedPredicate takes the first non-empty proposal in the group.
func proposedPredicate(pointers []*rule.SourcePointer) []byte {
	for _, p := range pointers {
		if len(p.ProposedAppliesWhen) > 0 {
			return p.ProposedAppliesWhen
		}
	}
	return nil
}
