// Package rule holds the pipeline's central entities: extracted source
// pointers and composed regulatory rules, plus the stores coordinating the
// stages. All cross-stage handoff happens through status fields on these
// rows; there are no in-memory queues.
package rule

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"regpipe/pkg/domain"
)

// PointerStatus is the pipeline position of a source pointer.
type PointerStatus string

const (
	PointerPendingValidation PointerStatus = "PENDING_VALIDATION"
	PointerValidated         PointerStatus = "VALIDATED"
	PointerComposed          PointerStatus = "COMPOSED"
	PointerDeadLettered      PointerStatus = "DEAD_LETTERED"
)

// SourcePointer is one extracted fact backed by a verbatim quote. Content
// fields are immutable once the pointer is validated; only Status moves.
type SourcePointer struct {
	ID             domain.PointerID
	EvidenceID     domain.EvidenceID
	ExactQuote     string
	ExtractedValue string
	ValueType      domain.ValueType
	Domain         string
	Confidence     float64
	// ProposedSlug is the extractor's concept proposal before
	// canonicalization. The remaining Proposed fields carry the extractor's
	// rule-level suggestion; the composer consumes them when drafting a rule
	// and they never change after validation.
	ProposedSlug        string
	ProposedAuthority   domain.AuthorityLevel
	ProposedRiskTier    domain.RiskTier
	ProposedAppliesWhen []byte
	EffectiveFrom       time.Time
	EffectiveUntil      *time.Time
	Status              PointerStatus
	CreatedAt           time.Time
}

// Rule is a composed, applicable compliance fact.
type Rule struct {
	ID             domain.RuleID
	ConceptSlug    string
	Value          string
	ValueType      domain.ValueType
	AuthorityLevel domain.AuthorityLevel
	RiskTier       domain.RiskTier
	// AppliesWhen is the validated predicate in canonical JSON.
	AppliesWhen    []byte
	EffectiveFrom  time.Time
	EffectiveUntil *time.Time
	Status         domain.RuleStatus
	// MeaningSignature identifies semantic equivalence for deduplication.
	MeaningSignature string
	// ApprovedBy is a human identity; automated stages never set it.
	ApprovedBy   string
	ApprovedAt   *time.Time
	SupersededBy *domain.RuleID
	PointerIDs   []domain.PointerID
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// canonicalDate renders dates in the single format used for signatures and
// content hashes, so equivalent spellings can never produce different
// hashes.
func canonicalDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// canonicalUntil renders the open upper bound as a fixed token.
func canonicalUntil(t *time.Time) string {
	if t == nil {
		return "open"
	}
	return canonicalDate(*t)
}

// MeaningSignature computes the stable hash identifying a rule's meaning:
// concept, value, value type, and effective window.
func MeaningSignature(slug, value string, vt domain.ValueType, from time.Time, until *time.Time) string {
	payload := strings.Join([]string{
		slug,
		value,
		string(vt),
		canonicalDate(from),
		canonicalUntil(until),
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// WindowContains applies the temporal filter used everywhere in the system:
// effectiveFrom <= asOf < effectiveUntil, with the upper bound exclusive.
func WindowContains(from time.Time, until *time.Time, asOf time.Time) bool {
	if asOf.Before(from) {
		return false
	}
	if until != nil && !asOf.Before(*until) {
		return false
	}
	return true
}

// WindowsOverlap reports whether two effective windows intersect. Upper
// bounds are exclusive, so windows that merely touch do not overlap.
func WindowsOverlap(fromA time.Time, untilA *time.Time, fromB time.Time, untilB *time.Time) bool {
	if untilA != nil && !fromB.Before(*untilA) {
		return false
	}
	if untilB != nil && !fromA.Before(*untilB) {
		return false
	}
	return true
}

// IdentityKey is the write-time uniqueness key for active rules. Two
// composer workers racing on the same identity must collide on this key in
// the store, not on a read-then-write check.
func (r *Rule) IdentityKey() string {
	return fmt.Sprintf("%s|%s|%s|%s", r.ConceptSlug, r.Value, r.ValueType, canonicalDate(r.EffectiveFrom))
}

// DistinctEvidence counts the distinct evidence documents behind a set of
// pointers; the releaser's evidence-strength gate uses this.
func DistinctEvidence(pointers []*SourcePointer) int {
	seen := make(map[domain.EvidenceID]struct{}, len(pointers))
	for _, p := range pointers {
		seen[p.EvidenceID] = struct{}{}
	}
	return len(seen)
}

// Strength classifies the evidence backing.
func Strength(distinctSources int) domain.EvidenceStrength {
	if distinctSources >= 2 {
		return domain.MultiSource
	}
	return domain.SingleSource
}
