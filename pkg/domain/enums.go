package domain

import "fmt"

// AuthorityLevel ranks the legal weight of a rule's source. Higher rank wins
// structural conflicts outright.
type AuthorityLevel string

const (
	AuthorityLaw        AuthorityLevel = "LAW"
	AuthorityRegulation AuthorityLevel = "REGULATION"
	AuthorityGuidance   AuthorityLevel = "GUIDANCE"
	AuthorityProcedure  AuthorityLevel = "PROCEDURE"
	AuthorityPractice   AuthorityLevel = "PRACTICE"
)

var authorityRank = map[AuthorityLevel]int{
	AuthorityLaw:        5,
	AuthorityRegulation: 4,
	AuthorityGuidance:   3,
	AuthorityProcedure:  2,
	AuthorityPractice:   1,
}

// Rank returns the numeric ordering of the level; zero for unknown levels.
func (a AuthorityLevel) Rank() int { return authorityRank[a] }

// Valid reports whether the level is a member of the closed set.
func (a AuthorityLevel) Valid() bool { return authorityRank[a] != 0 }

// ParseAuthorityLevel validates and returns an AuthorityLevel.
func ParseAuthorityLevel(s string) (AuthorityLevel, error) {
	a := AuthorityLevel(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown authority level: %s", s)
	}
	return a, nil
}

// RiskTier classifies rule criticality. T0 and T1 rules require a human
// approver; the tier also drives release version bumping.
type RiskTier string

const (
	RiskT0 RiskTier = "T0"
	RiskT1 RiskTier = "T1"
	RiskT2 RiskTier = "T2"
	RiskT3 RiskTier = "T3"
)

var riskTiers = map[RiskTier]bool{RiskT0: true, RiskT1: true, RiskT2: true, RiskT3: true}

// Valid reports whether the tier is a member of the closed set.
func (r RiskTier) Valid() bool { return riskTiers[r] }

// RequiresHumanApproval reports whether rules of this tier may only be
// approved by a human identity.
func (r RiskTier) RequiresHumanApproval() bool { return r == RiskT0 || r == RiskT1 }

var riskRank = map[RiskTier]int{RiskT0: 4, RiskT1: 3, RiskT2: 2, RiskT3: 1}

// Criticality returns the numeric ordering of the tier; T0 ranks highest.
// Zero for unknown tiers.
func (r RiskTier) Criticality() int { return riskRank[r] }

// ParseRiskTier validates and returns a RiskTier.
func ParseRiskTier(s string) (RiskTier, error) {
	r := RiskTier(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown risk tier: %s", s)
	}
	return r, nil
}

// RuleStatus is the lifecycle state of a regulatory rule.
type RuleStatus string

const (
	StatusDraft         RuleStatus = "DRAFT"
	StatusPendingReview RuleStatus = "PENDING_REVIEW"
	StatusApproved      RuleStatus = "APPROVED"
	StatusPublished     RuleStatus = "PUBLISHED"
	StatusRejected      RuleStatus = "REJECTED"
	StatusDeprecated    RuleStatus = "DEPRECATED"
)

// ruleTransitions enumerates the legal lifecycle edges. Any status may move
// to DEPRECATED when a rule is superseded.
var ruleTransitions = map[RuleStatus][]RuleStatus{
	StatusDraft:         {StatusPendingReview, StatusDeprecated},
	StatusPendingReview: {StatusApproved, StatusRejected, StatusDeprecated},
	StatusApproved:      {StatusPublished, StatusDeprecated},
	StatusPublished:     {StatusDeprecated},
	StatusRejected:      {StatusDeprecated},
	StatusDeprecated:    {},
}

// CanTransition reports whether moving from s to next is a legal lifecycle edge.
func (s RuleStatus) CanTransition(next RuleStatus) bool {
	for _, allowed := range ruleTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Active reports whether the status participates in dedup and conflict
// detection. REJECTED and DEPRECATED rules are out of the active set.
func (s RuleStatus) Active() bool {
	switch s {
	case StatusDraft, StatusPendingReview, StatusApproved, StatusPublished:
		return true
	}
	return false
}

// ValueType describes the shape of an extracted value.
type ValueType string

const (
	ValuePercentage ValueType = "PERCENTAGE"
	ValueMoney      ValueType = "MONEY"
	ValueNumber     ValueType = "NUMBER"
	ValueDate       ValueType = "DATE"
	ValueText       ValueType = "TEXT"
)

var valueTypes = map[ValueType]bool{
	ValuePercentage: true, ValueMoney: true, ValueNumber: true, ValueDate: true, ValueText: true,
}

// Valid reports whether the value type is a member of the closed set.
func (v ValueType) Valid() bool { return valueTypes[v] }

// Numeric reports whether values of this type parse as numbers.
func (v ValueType) Numeric() bool {
	return v == ValuePercentage || v == ValueMoney || v == ValueNumber
}

// ParseValueType validates and returns a ValueType.
func ParseValueType(s string) (ValueType, error) {
	v := ValueType(s)
	if !v.Valid() {
		return "", fmt.Errorf("unknown value type: %s", s)
	}
	return v, nil
}

// ConflictType classifies a structural disagreement between rules.
type ConflictType string

const (
	ConflictValueMismatch      ConflictType = "VALUE_MISMATCH"
	ConflictDateOverlap        ConflictType = "DATE_OVERLAP"
	ConflictAuthoritySupersede ConflictType = "AUTHORITY_SUPERSEDE"
	ConflictCrossSlugDuplicate ConflictType = "CROSS_SLUG_DUPLICATE"
	ConflictSource             ConflictType = "SOURCE_CONFLICT"
)

// ConflictStatus is the lifecycle state of a conflict record.
type ConflictStatus string

const (
	ConflictOpen      ConflictStatus = "OPEN"
	ConflictResolved  ConflictStatus = "RESOLVED"
	ConflictEscalated ConflictStatus = "ESCALATED"
)

// EvidenceStrength gates publication: single-source rules publish only at
// the highest authority tier.
type EvidenceStrength string

const (
	SingleSource EvidenceStrength = "SINGLE_SOURCE"
	MultiSource  EvidenceStrength = "MULTI_SOURCE"
)
