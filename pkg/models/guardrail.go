package models

import (
	"time"

	"github.com/google/uuid"
)

// GuardrailType identifies which policy rule produced a violation.
type GuardrailType string

const (
	GuardrailTypeBudget           GuardrailType = "budget"
	GuardrailTypeRisk             GuardrailType = "risk"
	GuardrailTypeDrift            GuardrailType = "drift"
	GuardrailTypeTaxonomyBoundary GuardrailType = "taxonomy_boundary"
	GuardrailTypeRateLimit        GuardrailType = "rate_limit"
	GuardrailTypeConcurrentLimit  GuardrailType = "concurrent_limit"
	GuardrailTypeProductionLock   GuardrailType = "production_lock"
	GuardrailTypeScopeLock        GuardrailType = "scope_lock"
)

// ValidGuardrailTypes contains all valid guardrail type values.
var ValidGuardrailTypes = []GuardrailType{
	GuardrailTypeBudget,
	GuardrailTypeRisk,
	GuardrailTypeDrift,
	GuardrailTypeTaxonomyBoundary,
	GuardrailTypeRateLimit,
	GuardrailTypeConcurrentLimit,
	GuardrailTypeProductionLock,
	GuardrailTypeScopeLock,
}

// IsValidGuardrailType checks if the given type is valid.
func IsValidGuardrailType(t GuardrailType) bool {
	for _, v := range ValidGuardrailTypes {
		if v == t {
			return true
		}
	}
	return false
}

// ViolationSeverity grades a violation. A block severity violation that is
// unresolved is an absolute execution veto for its action; warnings are advisory.
type ViolationSeverity string

const (
	SeverityWarning ViolationSeverity = "warning"
	SeverityBlock   ViolationSeverity = "block"
)

// GuardrailViolation is a recorded breach of a policy rule. Rows are append-only:
// resolving a violation flips Resolved with actor and timestamp, never deletes.
// ActionID is nil for intent-level or system-level violations.
type GuardrailViolation struct {
	ID               uuid.UUID         `json:"id"`
	ActionID         *uuid.UUID        `json:"action_id,omitempty"`
	GuardrailType    GuardrailType     `json:"guardrail_type"`
	GuardrailKey     string            `json:"guardrail_key"`
	ViolationDetails map[string]any    `json:"violation_details,omitempty"`
	Severity         ViolationSeverity `json:"severity"`
	Resolved         bool              `json:"resolved"`
	ResolvedBy       *string           `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time        `json:"resolved_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// IsBlocking reports whether this violation vetoes execution.
func (v *GuardrailViolation) IsBlocking() bool {
	return v.Severity == SeverityBlock && !v.Resolved
}
