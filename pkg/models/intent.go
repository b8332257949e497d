package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Intent Types
// ============================================================================

// IntentType classifies what a detected intent proposes to do.
type IntentType string

const (
	IntentTypeGapCoverage          IntentType = "gap_coverage"
	IntentTypeDriftRemediation     IntentType = "drift_remediation"
	IntentTypeExpansionOpportunity IntentType = "expansion_opportunity"
	IntentTypeCertificationRenewal IntentType = "certification_renewal"
	IntentTypeRiskMitigation       IntentType = "risk_mitigation"
	IntentTypeOntologyEvolution    IntentType = "ontology_evolution"
	IntentTypeTaxonomyExpansion    IntentType = "taxonomy_expansion"
	IntentTypeMarketplaceSubmission IntentType = "marketplace_submission"
)

// ValidIntentTypes contains all valid intent type values.
var ValidIntentTypes = []IntentType{
	IntentTypeGapCoverage,
	IntentTypeDriftRemediation,
	IntentTypeExpansionOpportunity,
	IntentTypeCertificationRenewal,
	IntentTypeRiskMitigation,
	IntentTypeOntologyEvolution,
	IntentTypeTaxonomyExpansion,
	IntentTypeMarketplaceSubmission,
}

// IsValidIntentType checks if the given type is valid.
func IsValidIntentType(t IntentType) bool {
	for _, v := range ValidIntentTypes {
		if v == t {
			return true
		}
	}
	return false
}

// ============================================================================
// Priority
// ============================================================================

// Priority expresses how urgently an intent should be acted on.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ValidPriorities contains all valid priority values.
var ValidPriorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

// IsValidPriority checks if the given priority is valid.
func IsValidPriority(p Priority) bool {
	for _, v := range ValidPriorities {
		if v == p {
			return true
		}
	}
	return false
}

// RiskRank orders priorities for approval policy decisions (low=1 ... critical=4).
func (p Priority) RiskRank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	default:
		return 0
	}
}

// ============================================================================
// Intent Status
// ============================================================================

// IntentStatus represents where an intent sits in its governance lifecycle.
// State machine:
//
//	detected → evaluating → proposed → {approved|rejected}
//	approved → executing → {completed|failed|cancelled}
//
//	Non-terminal states past expires_at sweep to: expired
//	rejected and expired are terminal with no further transitions.
type IntentStatus string

const (
	IntentStatusDetected   IntentStatus = "detected"
	IntentStatusEvaluating IntentStatus = "evaluating"
	IntentStatusProposed   IntentStatus = "proposed"
	IntentStatusApproved   IntentStatus = "approved"
	IntentStatusRejected   IntentStatus = "rejected"
	IntentStatusExecuting  IntentStatus = "executing"
	IntentStatusCompleted  IntentStatus = "completed"
	IntentStatusFailed     IntentStatus = "failed"
	IntentStatusCancelled  IntentStatus = "cancelled"
	IntentStatusExpired    IntentStatus = "expired"
)

// ValidIntentStatuses contains all valid status values.
var ValidIntentStatuses = []IntentStatus{
	IntentStatusDetected,
	IntentStatusEvaluating,
	IntentStatusProposed,
	IntentStatusApproved,
	IntentStatusRejected,
	IntentStatusExecuting,
	IntentStatusCompleted,
	IntentStatusFailed,
	IntentStatusCancelled,
	IntentStatusExpired,
}

// IsValidIntentStatus checks if the given status is valid.
func IsValidIntentStatus(s IntentStatus) bool {
	for _, v := range ValidIntentStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsTerminal returns true if no further transitions are allowed from this status.
func (s IntentStatus) IsTerminal() bool {
	switch s {
	case IntentStatusRejected, IntentStatusCompleted, IntentStatusFailed,
		IntentStatusCancelled, IntentStatusExpired:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if transitioning from this status to the target is valid.
func (s IntentStatus) CanTransitionTo(target IntentStatus) bool {
	if s.IsTerminal() {
		return false
	}

	// Any non-terminal intent can be rejected or swept to expired.
	if target == IntentStatusRejected || target == IntentStatusExpired {
		return true
	}

	switch s {
	case IntentStatusDetected:
		return target == IntentStatusEvaluating
	case IntentStatusEvaluating:
		return target == IntentStatusProposed
	case IntentStatusProposed:
		return target == IntentStatusApproved
	case IntentStatusApproved:
		return target == IntentStatusExecuting || target == IntentStatusCancelled
	case IntentStatusExecuting:
		return target == IntentStatusCompleted || target == IntentStatusFailed ||
			target == IntentStatusCancelled
	default:
		return false
	}
}

// ============================================================================
// Intent Model
// ============================================================================

// ActionDescriptor is one proposed action carried on an intent before planning
// expands it into a persisted Action.
type ActionDescriptor struct {
	ActionType       ActionType     `json:"action_type"`
	TargetEntityType string         `json:"target_entity_type,omitempty"`
	TargetEntityID   string         `json:"target_entity_id,omitempty"`
	Parameters       map[string]any `json:"parameters,omitempty"`
}

// Intent is a detected opportunity or risk requiring a governance decision.
// An intent exclusively owns its derived actions: rejecting the intent cancels
// every non-terminal child action.
type Intent struct {
	ID                 uuid.UUID          `json:"id"`
	IntentType         IntentType         `json:"intent_type"`
	SourceSignal       string             `json:"source_signal"`
	Priority           Priority           `json:"priority"`
	ConfidenceScore    float64            `json:"confidence_score"`
	Status             IntentStatus       `json:"status"`
	Context            map[string]any     `json:"context,omitempty"`
	RecommendedActions []ActionDescriptor `json:"recommended_actions,omitempty"`
	ScopeEntityTypes   []string           `json:"scope_entity_types,omitempty"`
	DecidedBy          *string            `json:"decided_by,omitempty"`
	DecidedAt          *time.Time         `json:"decided_at,omitempty"`
	DecisionReason     *string            `json:"decision_reason,omitempty"`
	ExpiresAt          *time.Time         `json:"expires_at,omitempty"`
	Version            int                `json:"version"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// IsExpired reports whether the intent is past its expiry and still non-terminal.
func (i *Intent) IsExpired(now time.Time) bool {
	return i.ExpiresAt != nil && now.After(*i.ExpiresAt) && !i.Status.IsTerminal()
}

// InScope reports whether a target entity type is inside the intent's declared
// scope. An intent with no declared scope only covers its own recommended targets.
func (i *Intent) InScope(targetEntityType string) bool {
	if targetEntityType == "" {
		return true
	}
	if len(i.ScopeEntityTypes) == 0 {
		for _, d := range i.RecommendedActions {
			if d.TargetEntityType == targetEntityType {
				return true
			}
		}
		return false
	}
	for _, s := range i.ScopeEntityTypes {
		if s == targetEntityType {
			return true
		}
	}
	return false
}
