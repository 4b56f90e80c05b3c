// Package conflict detects and arbitrates structural disagreements between
// rules. Detection is pure; resolution happens only here, never in the
// composer. Pre-composition disagreements between candidate pointers are
// recorded with pointer references so they stay outside the rule
// foreign-key space.
package conflict

import (
	"time"

	"regpipe/pkg/domain"
)

// ResolutionStrategy names how a conflict was (or must be) resolved.
type ResolutionStrategy string

const (
	StrategyHierarchy   ResolutionStrategy = "HIERARCHY"
	StrategyTemporal    ResolutionStrategy = "TEMPORAL"
	StrategySpecificity ResolutionStrategy = "SPECIFICITY"
	StrategyEscalate    ResolutionStrategy = "ESCALATE"
)

// Conflict is a detected disagreement. Rule conflicts reference two rules;
// source conflicts reference two pointers instead.
type Conflict struct {
	ID       domain.ConflictID
	Type     domain.ConflictType
	Status   domain.ConflictStatus
	RuleA    *domain.RuleID
	RuleB    *domain.RuleID
	PointerA *domain.PointerID
	PointerB *domain.PointerID
	// Slug is the concept the disagreement is about.
	Slug               string
	Detail             string
	ResolutionStrategy ResolutionStrategy
	ResolvedBy         string
	CreatedAt          time.Time
	ResolvedAt         *time.Time
}

// RuleConflict builds an OPEN conflict between two rules.
func RuleConflict(t domain.ConflictType, slug string, a, b domain.RuleID, detail string, now time.Time) *Conflict {
	return &Conflict{
		ID:        domain.NewConflictID(),
		Type:      t,
		Status:    domain.ConflictOpen,
		RuleA:     &a,
		RuleB:     &b,
		Slug:      slug,
		Detail:    detail,
		CreatedAt: now,
	}
}

// SourceConflict builds an OPEN conflict between two candidate pointers.
func SourceConflict(slug string, a, b domain.PointerID, detail string, now time.Time) *Conflict {
	return &Conflict{
		ID:        domain.NewConflictID(),
		Type:      domain.ConflictSource,
		Status:    domain.ConflictOpen,
		PointerA:  &a,
		PointerB:  &b,
		Slug:      slug,
		Detail:    detail,
		CreatedAt: now,
	}
}

// CompositionConflict builds an OPEN conflict between a candidate pointer
// and an existing rule. The candidate has no rule row yet, so only the
// existing side carries a rule reference.
func CompositionConflict(t domain.ConflictType, slug string, candidate domain.PointerID, existing domain.RuleID, detail string, now time.Time) *Conflict {
	return &Conflict{
		ID:        domain.NewConflictID(),
		Type:      t,
		Status:    domain.ConflictOpen,
		PointerA:  &candidate,
		RuleB:     &existing,
		Slug:      slug,
		Detail:    detail,
		CreatedAt: now,
	}
}

// Edge is one directed overrides relation: Winner supersedes Loser.
type Edge struct {
	Winner    domain.RuleID
	Loser     domain.RuleID
	CreatedAt time.Time
}
