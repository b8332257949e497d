package models

import (
	"time"

	"github.com/google/uuid"
)

// Audit entity type constants.
const (
	AuditEntityTypeIntent    = "intent"
	AuditEntityTypeAction    = "action"
	AuditEntityTypeViolation = "guardrail_violation"
	AuditEntityTypeSetting   = "setting"
)

// Audit action constants.
const (
	AuditActionCreate  = "create"
	AuditActionApprove = "approve"
	AuditActionReject  = "reject"
	AuditActionResolve = "resolve"
	AuditActionUpdate  = "update"
	AuditActionExpire  = "expire"
)

// AuditLogEntry records one mutating governance operation: who did it, what it
// touched, and the before/after of each changed field. Entries are append-only.
type AuditLogEntry struct {
	ID         uuid.UUID `json:"id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`

	// Who/how
	Source ActorSource `json:"source"`
	Actor  string      `json:"actor"`

	// What changed
	ChangedFields map[string]FieldChange `json:"changed_fields,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// FieldChange represents the old and new values for a changed field.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}
