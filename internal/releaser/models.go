// Package releaser publishes approved rules as immutable versioned releases.
// Publication is all-or-nothing behind five hard gates; the version bump is
// risk-driven and the content hash is deterministic across key order and
// date spellings.
package releaser

import (
	"fmt"
	"strings"
	"time"

	"regpipe/pkg/domain"
)

// AuditTrail carries the aggregate counts stored with every release for
// audit defensibility.
type AuditTrail struct {
	DistinctEvidence int
	Pointers         int
	HumanApprovals   int
	AutoApprovals    int
	MeanConfidence   float64
	MedianConfidence float64
}

// Release is one immutable published bundle. Created exactly once; never
// mutated.
type Release struct {
	ID          domain.ReleaseID
	Version     string
	ContentHash string
	ReleasedAt  time.Time
	// EffectiveFrom is the earliest effective date in the bundle.
	EffectiveFrom time.Time
	RuleIDs       []domain.RuleID
	AuditTrail    AuditTrail
}

// GateFailure itemizes one rule's violation of one gate.
type GateFailure struct {
	Gate   string
	RuleID domain.RuleID
	Detail string
}

// GateError aggregates every failure found across the batch; the batch
// aborts entirely when any gate fails for any rule.
type GateError struct {
	Failures []GateFailure
}

func (e *GateError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: rule %s: %s", f.Gate, f.RuleID, f.Detail)
	}
	return fmt.Sprintf("%d gate failure(s): %s", len(e.Failures), strings.Join(parts, "; "))
}
