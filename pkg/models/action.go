package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Action Types
// ============================================================================

// ActionType identifies the atomic unit of change an action performs.
type ActionType string

const (
	ActionTypeCreateUseCase       ActionType = "create_use_case"
	ActionTypeCreateSkeleton      ActionType = "create_skeleton"
	ActionTypeCreateVariant       ActionType = "create_variant"
	ActionTypeDeployAgent         ActionType = "deploy_agent"
	ActionTypeRecertifyAgent      ActionType = "recertify_agent"
	ActionTypeAdjustThreshold     ActionType = "adjust_threshold"
	ActionTypeAddOntologyRelation ActionType = "add_ontology_relation"
	ActionTypeAddTaxonomyNode     ActionType = "add_taxonomy_node"
	ActionTypePauseDeployment     ActionType = "pause_deployment"
	ActionTypeUpdateConfiguration ActionType = "update_configuration"
	ActionTypeSubmitMarketplace   ActionType = "submit_marketplace"
	ActionTypeGenerateReport      ActionType = "generate_report"
)

// ValidActionTypes contains all valid action type values.
var ValidActionTypes = []ActionType{
	ActionTypeCreateUseCase,
	ActionTypeCreateSkeleton,
	ActionTypeCreateVariant,
	ActionTypeDeployAgent,
	ActionTypeRecertifyAgent,
	ActionTypeAdjustThreshold,
	ActionTypeAddOntologyRelation,
	ActionTypeAddTaxonomyNode,
	ActionTypePauseDeployment,
	ActionTypeUpdateConfiguration,
	ActionTypeSubmitMarketplace,
	ActionTypeGenerateReport,
}

// IsValidActionType checks if the given type is valid.
func IsValidActionType(t ActionType) bool {
	for _, v := range ValidActionTypes {
		if v == t {
			return true
		}
	}
	return false
}

// TouchesProduction reports whether the action type mutates a production
// deployment or certification status. These default to requiring manual approval.
func (t ActionType) TouchesProduction() bool {
	switch t {
	case ActionTypeDeployAgent, ActionTypeRecertifyAgent, ActionTypePauseDeployment,
		ActionTypeSubmitMarketplace:
		return true
	default:
		return false
	}
}

// LowRiskAutoSimulatable reports whether the action type is on the allow-list
// that may skip a dedicated simulation pass under full autonomy. Guardrails still
// run synchronously for these.
func (t ActionType) LowRiskAutoSimulatable() bool {
	return t == ActionTypeGenerateReport
}

// ============================================================================
// Action Status
// ============================================================================

// ActionStatus represents where an action sits in its lifecycle.
// State machine:
//
//	pending → awaiting_approval → approved → simulating
//	simulating → {simulation_passed|simulation_failed}
//	simulation_passed → executing → {completed|failed|rolled_back}
//	simulation_failed → pending (explicit re-plan only)
//
//	Any non-terminal state can transition to: cancelled
//	rolled_back, completed, cancelled are terminal; failed may still roll back.
type ActionStatus string

const (
	ActionStatusPending          ActionStatus = "pending"
	ActionStatusAwaitingApproval ActionStatus = "awaiting_approval"
	ActionStatusApproved         ActionStatus = "approved"
	ActionStatusSimulating       ActionStatus = "simulating"
	ActionStatusSimulationPassed ActionStatus = "simulation_passed"
	ActionStatusSimulationFailed ActionStatus = "simulation_failed"
	ActionStatusExecuting        ActionStatus = "executing"
	ActionStatusCompleted        ActionStatus = "completed"
	ActionStatusFailed           ActionStatus = "failed"
	ActionStatusRolledBack       ActionStatus = "rolled_back"
	ActionStatusCancelled        ActionStatus = "cancelled"
)

// ValidActionStatuses contains all valid status values.
var ValidActionStatuses = []ActionStatus{
	ActionStatusPending,
	ActionStatusAwaitingApproval,
	ActionStatusApproved,
	ActionStatusSimulating,
	ActionStatusSimulationPassed,
	ActionStatusSimulationFailed,
	ActionStatusExecuting,
	ActionStatusCompleted,
	ActionStatusFailed,
	ActionStatusRolledBack,
	ActionStatusCancelled,
}

// IsValidActionStatus checks if the given status is valid.
func IsValidActionStatus(s ActionStatus) bool {
	for _, v := range ValidActionStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsTerminal returns true if no further transitions are allowed from this status.
// failed is not terminal: a rollback attempt may still move it to rolled_back.
func (s ActionStatus) IsTerminal() bool {
	switch s {
	case ActionStatusCompleted, ActionStatusRolledBack, ActionStatusCancelled:
		return true
	default:
		return false
	}
}

// Halted returns true for states that stop an intent's sequence from advancing
// until a human or a re-plan intervenes.
func (s ActionStatus) Halted() bool {
	switch s {
	case ActionStatusSimulationFailed, ActionStatusFailed, ActionStatusRolledBack,
		ActionStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if transitioning from this status to the target is valid.
func (s ActionStatus) CanTransitionTo(target ActionStatus) bool {
	if s.IsTerminal() {
		return false
	}

	// Any non-terminal action can be cancelled (parent rejection cascade).
	// An action already executing cannot be cancelled mid-flight, only rolled
	// back after the fact.
	if target == ActionStatusCancelled && s != ActionStatusExecuting {
		return true
	}

	switch s {
	case ActionStatusPending:
		return target == ActionStatusAwaitingApproval || target == ActionStatusApproved
	case ActionStatusAwaitingApproval:
		return target == ActionStatusApproved || target == ActionStatusFailed
	case ActionStatusApproved:
		return target == ActionStatusSimulating || target == ActionStatusExecuting
	case ActionStatusSimulating:
		return target == ActionStatusSimulationPassed || target == ActionStatusSimulationFailed
	case ActionStatusSimulationPassed:
		return target == ActionStatusExecuting
	case ActionStatusSimulationFailed:
		// Only an explicit re-plan re-enters pending; never a silent retry.
		return target == ActionStatusPending
	case ActionStatusExecuting:
		return target == ActionStatusCompleted || target == ActionStatusFailed
	case ActionStatusFailed:
		return target == ActionStatusRolledBack
	default:
		return false
	}
}

// ============================================================================
// Action Model
// ============================================================================

// Action is one atomic, orderable unit of change derived from an intent.
// Actions within one intent execute strictly by ascending SequenceOrder.
type Action struct {
	ID               uuid.UUID         `json:"id"`
	IntentID         uuid.UUID         `json:"intent_id"`
	ActionType       ActionType        `json:"action_type"`
	TargetEntityType string            `json:"target_entity_type,omitempty"`
	TargetEntityID   string            `json:"target_entity_id,omitempty"`
	Parameters       map[string]any    `json:"parameters,omitempty"`
	Status           ActionStatus      `json:"status"`
	RequiresApproval bool              `json:"requires_approval"`
	ApprovedBy       *string           `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time        `json:"approved_at,omitempty"`
	SimulationResult *SimulationResult `json:"simulation_result,omitempty"`
	ExecutionResult  *ExecutionResult  `json:"execution_result,omitempty"`
	ErrorMessage     *string           `json:"error_message,omitempty"`
	SequenceOrder    int               `json:"sequence_order"`
	ParamsRevision   int               `json:"params_revision"`
	Version          int               `json:"version"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// HasFreshSimulation reports whether the action carries a passed simulation
// produced against its current parameter revision. Execution is only legal with
// a fresh pass (or the low-risk bypass).
func (a *Action) HasFreshSimulation() bool {
	return a.SimulationResult != nil &&
		a.SimulationResult.Passed &&
		a.SimulationResult.ParamsRevision == a.ParamsRevision
}

// ExecutionResult captures what an executor reported back after performing the
// real side effect.
type ExecutionResult struct {
	Output      map[string]any `json:"output,omitempty"`
	Message     string         `json:"message,omitempty"`
	Attempts    int            `json:"attempts"`
	CompletedAt time.Time      `json:"completed_at"`
}
