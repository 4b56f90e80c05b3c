// Package deadletter records pipeline items that exhausted their retries or
// were rejected with a terminal reason. Rows are append-only; operators
// inspect them through the admin API and re-inject fixes upstream.
package deadletter

import (
	"time"

	"github.com/google/uuid"
)

// Kind names the entity a dead letter refers to.
type Kind string

const (
	KindEvidence Kind = "EVIDENCE"
	KindPointer  Kind = "POINTER"
	KindRule     Kind = "RULE"
)

// Reason is the typed cause; Detail carries the human-readable specifics.
type Reason string

const (
	ReasonBlockedDomain      Reason = "BLOCKED_DOMAIN"
	ReasonValidationRejected Reason = "VALIDATION_REJECTED"
	ReasonPredicateRejected  Reason = "PREDICATE_REJECTED"
	ReasonMaxAttempts        Reason = "MAX_ATTEMPTS_EXCEEDED"
	ReasonContractViolation  Reason = "CONTRACT_VIOLATION"
	ReasonGateFailure        Reason = "GATE_FAILURE"
)

// Item is one dead-lettered pipeline item.
type Item struct {
	ID        uuid.UUID
	Kind      Kind
	SubjectID uuid.UUID
	Stage     string
	Reason    Reason
	Detail    string
	Attempts  int
	CreatedAt time.Time
}
