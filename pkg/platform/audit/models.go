// Package audit defines the append-only audit trail for the pipeline.
// Every safety-relevant transition (composition, conflict handling, review
// decisions, publication, manual overrides) emits an Event. Events are
// written to an outbox store and relayed to Kafka for downstream consumers;
// the outbox is never updated or deleted by domain code.
package audit

import (
	"context"
	"time"
)

// EventCategory classifies audit events by their primary purpose. Categories
// drive retention policy and routing, not pipeline behavior.
type EventCategory string

const (
	// CategoryCompliance covers events with legal/regulatory significance.
	// These require tamper-proof storage and long retention.
	CategoryCompliance EventCategory = "compliance"

	// CategoryOperations covers events useful for debugging and operational
	// visibility. These can be sampled with shorter retention.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category  EventCategory
	Timestamp time.Time
	Action    string
	// Subject is the entity the action applies to (rule id, conflict id,
	// release version).
	Subject string
	// Actor is the identity that caused the action. Automated stages use
	// their stage name; human decisions carry the verified approver subject.
	Actor    string
	Decision string
	Reason   string
	// RequestID correlates events triggered by one admin request.
	RequestID string
}

// AuditEvent names every action the pipeline records.
type AuditEvent string

const (
	// Composer events
	EventRuleComposed      AuditEvent = "rule_composed"
	EventPointersMerged    AuditEvent = "pointers_merged"
	EventCompositionHalted AuditEvent = "composition_halted"

	// Conflict events
	EventConflictOpened    AuditEvent = "conflict_opened"
	EventConflictResolved  AuditEvent = "conflict_resolved"
	EventConflictEscalated AuditEvent = "conflict_escalated"

	// Review events
	EventRuleAutoApproved AuditEvent = "rule_auto_approved"
	EventRuleApproved     AuditEvent = "rule_approved"
	EventRuleRejected     AuditEvent = "rule_rejected"
	EventGraceOverride    AuditEvent = "grace_period_overridden"

	// Release events
	EventReleasePublished AuditEvent = "release_published"
	EventReleaseAborted   AuditEvent = "release_aborted"

	// Pipeline events
	EventItemDeadLettered AuditEvent = "item_dead_lettered"
)

// eventCategories maps each audit event to its category. Review and release
// decisions have regulatory significance; the rest is operational.
var eventCategories = map[AuditEvent]EventCategory{
	EventRuleComposed:      CategoryOperations,
	EventPointersMerged:    CategoryOperations,
	EventCompositionHalted: CategoryOperations,

	EventConflictOpened:    CategoryCompliance,
	EventConflictResolved:  CategoryCompliance,
	EventConflictEscalated: CategoryCompliance,

	EventRuleAutoApproved: CategoryCompliance,
	EventRuleApproved:     CategoryCompliance,
	EventRuleRejected:     CategoryCompliance,
	EventGraceOverride:    CategoryCompliance,

	EventReleasePublished: CategoryCompliance,
	EventReleaseAborted:   CategoryCompliance,

	EventItemDeadLettered: CategoryOperations,
}

// Category returns the event's category, defaulting to operations for
// unknown actions so nothing is silently dropped.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events append-only.
type Store interface {
	Append(ctx context.Context, event Event) error
	// List returns events for a subject in append order.
	List(ctx context.Context, subject string) ([]Event, error)
}

// Publisher is the emission interface domain services depend on.
type Publisher interface {
	Emit(ctx context.Context, event Event) error
}
