package conflict

import (
	"fmt"
	"strings"
	"time"

	"regpipe/internal/rule"
	"regpipe/pkg/domain"
)

// Candidate is the shape the detector compares against active rules: the
// identity of a rule that does not exist yet.
type Candidate struct {
	ConceptSlug    string
	Value          string
	ValueType      domain.ValueType
	AuthorityLevel domain.AuthorityLevel
	EffectiveFrom  time.Time
	EffectiveUntil *time.Time
}

// Detected is one typed conflict candidate against an existing rule.
type Detected struct {
	Type     domain.ConflictType
	Existing *rule.Rule
	Detail   string
}

// Detect is a pure function over the active-rule set. It reports every
// structural disagreement the candidate would create; it has no side
// effects — the composer decides whether to open conflict records.
func Detect(c Candidate, active []*rule.Rule) []Detected {
	var out []Detected
	for _, r := range active {
		if !rule.WindowsOverlap(c.EffectiveFrom, c.EffectiveUntil, r.EffectiveFrom, r.EffectiveUntil) {
			continue
		}
		switch {
		case r.ConceptSlug == c.ConceptSlug:
			if d, ok := detectSameSlug(c, r); ok {
				out = append(out, d)
			}
		case crossSlugRelated(c.ConceptSlug, r.ConceptSlug):
			if r.Value == c.Value && r.ValueType == c.ValueType {
				out = append(out, Detected{
					Type:     domain.ConflictCrossSlugDuplicate,
					Existing: r,
					Detail: fmt.Sprintf("value %s already recorded under related slug %s",
						c.Value, r.ConceptSlug),
				})
			}
		}
	}
	return out
}

func detectSameSlug(c Candidate, r *rule.Rule) (Detected, bool) {
	switch {
	case r.Value != c.Value && r.AuthorityLevel != c.AuthorityLevel:
		return Detected{
			Type:     domain.ConflictAuthoritySupersede,
			Existing: r,
			Detail: fmt.Sprintf("differing values %q vs %q under authority %s vs %s",
				c.Value, r.Value, c.AuthorityLevel, r.AuthorityLevel),
		}, true
	case r.Value != c.Value:
		return Detected{
			Type:     domain.ConflictValueMismatch,
			Existing: r,
			Detail:   fmt.Sprintf("value %q disagrees with existing %q in overlapping window", c.Value, r.Value),
		}, true
	case r.ValueType != c.ValueType:
		return Detected{
			Type:     domain.ConflictDateOverlap,
			Existing: r,
			Detail: fmt.Sprintf("overlapping windows with value type %s vs %s",
				c.ValueType, r.ValueType),
		}, true
	}
	// Same slug, value, type, and overlapping window is the composer's
	// merge case, not a conflict.
	return Detected{}, false
}

// crossSlugRelated reports whether two distinct slugs plausibly name the
// same concept: one is a hyphen-token subset of the other.
func crossSlugRelated(a, b string) bool {
	if a == b {
		return false
	}
	ta, tb := strings.Split(a, "-"), strings.Split(b, "-")
	shorter, longer := ta, tb
	if len(tb) < len(ta) {
		shorter, longer = tb, ta
	}
	if len(shorter) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(longer))
	for _, tok := range longer {
		set[tok] = struct{}{}
	}
	for _, tok := range shorter {
		if _, ok := set[tok]; !ok {
			return false
		}
	}
	return true
}
