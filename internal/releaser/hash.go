package releaser

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"regpipe/internal/dsl"
	"regpipe/internal/rule"
)

// ContentHash computes the deterministic hash of a rule batch. Snapshots are
// sorted by a stable key and all dates are rendered in one canonical format,
// so neither input order nor equivalent date spellings can change the hash,
// while any value change does.
func ContentHash(rules []*rule.Rule) string {
	snapshots := make([]string, len(rules))
	for i, r := range rules {
		snapshots[i] = snapshot(r)
	}
	sort.Strings(snapshots)
	sum := sha256.Sum256([]byte(strings.Join(snapshots, "\n")))
	return hex.EncodeToString(sum[:])
}

func snapshot(r *rule.Rule) string {
	return strings.Join([]string{
		r.ConceptSlug,
		r.Value,
		string(r.ValueType),
		string(r.AuthorityLevel),
		string(r.RiskTier),
		canonicalPredicate(r.AppliesWhen),
		canonicalDate(r.EffectiveFrom),
		canonicalUntil(r.EffectiveUntil),
	}, "|")
}

// canonicalPredicate re-renders the predicate through the parser so
// formatting differences in stored JSON cannot leak into the hash. A
// predicate that no longer parses hashes as raw bytes; the gates have
// already rejected such rules from publishable batches.
func canonicalPredicate(raw []byte) string {
	if len(raw) == 0 {
		return "always"
	}
	p, err := dsl.Parse(raw)
	if err != nil {
		return string(raw)
	}
	text, err := p.MarshalText()
	if err != nil {
		return string(raw)
	}
	return string(text)
}

func canonicalDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func canonicalUntil(t *time.Time) string {
	if t == nil {
		return "open"
	}
	return canonicalDate(*t)
}
