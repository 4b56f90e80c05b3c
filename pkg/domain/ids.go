// Package domain holds typed identifiers and closed enumerations shared
// across the pipeline. IDs are domain primitives: parsing enforces validity
// once at the boundary so downstream code never re-validates raw strings.
package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// EvidenceID identifies an immutable captured source document.
type EvidenceID uuid.UUID

// PointerID identifies a single extracted, quote-verified fact.
type PointerID uuid.UUID

// RuleID identifies a composed regulatory rule.
type RuleID uuid.UUID

// ConflictID identifies a detected disagreement between rules or candidates.
type ConflictID uuid.UUID

// ReleaseID identifies an immutable published rule bundle.
type ReleaseID uuid.UUID

// NewEvidenceID returns a fresh random EvidenceID.
func NewEvidenceID() EvidenceID { return EvidenceID(uuid.New()) }

// NewPointerID returns a fresh random PointerID.
func NewPointerID() PointerID { return PointerID(uuid.New()) }

// NewRuleID returns a fresh random RuleID.
func NewRuleID() RuleID { return RuleID(uuid.New()) }

// NewConflictID returns a fresh random ConflictID.
func NewConflictID() ConflictID { return ConflictID(uuid.New()) }

// NewReleaseID returns a fresh random ReleaseID.
func NewReleaseID() ReleaseID { return ReleaseID(uuid.New()) }

func (id EvidenceID) String() string { return uuid.UUID(id).String() }
func (id PointerID) String() string  { return uuid.UUID(id).String() }
func (id RuleID) String() string     { return uuid.UUID(id).String() }
func (id ConflictID) String() string { return uuid.UUID(id).String() }
func (id ReleaseID) String() string  { return uuid.UUID(id).String() }

func (id EvidenceID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id PointerID) IsNil() bool  { return uuid.UUID(id) == uuid.Nil }
func (id RuleID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id ConflictID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id ReleaseID) IsNil() bool  { return uuid.UUID(id) == uuid.Nil }

// ParseEvidenceID validates and returns an EvidenceID.
func ParseEvidenceID(s string) (EvidenceID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return EvidenceID{}, fmt.Errorf("invalid evidence id %q: %w", s, err)
	}
	return EvidenceID(u), nil
}

// ParsePointerID validates and returns a PointerID.
func ParsePointerID(s string) (PointerID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return PointerID{}, fmt.Errorf("invalid pointer id %q: %w", s, err)
	}
	return PointerID(u), nil
}

// ParseRuleID validates and returns a RuleID.
func ParseRuleID(s string) (RuleID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return RuleID{}, fmt.Errorf("invalid rule id %q: %w", s, err)
	}
	return RuleID(u), nil
}

// ParseConflictID validates and returns a ConflictID.
func ParseConflictID(s string) (ConflictID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ConflictID{}, fmt.Errorf("invalid conflict id %q: %w", s, err)
	}
	return ConflictID(u), nil
}

// ParseReleaseID validates and returns a ReleaseID.
func ParseReleaseID(s string) (ReleaseID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ReleaseID{}, fmt.Errorf("invalid release id %q: %w", s, err)
	}
	return ReleaseID(u), nil
}
