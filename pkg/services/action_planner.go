package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter-engine/pkg/apperrors"
	"github.com/arbiterhq/arbiter-engine/pkg/models"
	"github.com/arbiterhq/arbiter-engine/pkg/repositories"
)

// ActionPlanner expands an approved intent into its ordered action sequence and
// owns the explicit re-plan path for failed simulations.
type ActionPlanner interface {
	// Derive produces one action per recommended descriptor, sequence-ordered
	// from zero. Idempotent: if the intent already has actions, the existing
	// set is returned unchanged.
	Derive(ctx context.Context, intentID uuid.UUID) ([]*models.Action, error)

	// Replan rewrites a failed action's parameters and returns it to pending.
	// This is the only path out of simulation_failed; it bumps the parameter
	// revision so any previous simulation result goes stale.
	Replan(ctx context.Context, actionID uuid.UUID, parameters map[string]any) (*models.Action, error)
}

type actionPlanner struct {
	intents repositories.IntentRepository
	actions repositories.ActionRepository
	audit   AuditService
	logger  *zap.Logger
}

// NewActionPlanner creates a new ActionPlanner.
func NewActionPlanner(intents repositories.IntentRepository, actions repositories.ActionRepository, audit AuditService, logger *zap.Logger) ActionPlanner {
	return &actionPlanner{
		intents: intents,
		actions: actions,
		audit:   audit,
		logger:  logger.Named("action-planner"),
	}
}

var _ ActionPlanner = (*actionPlanner)(nil)

func (p *actionPlanner) Derive(ctx context.Context, intentID uuid.UUID) ([]*models.Action, error) {
	intent, err := p.intents.GetByID(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.Status != models.IntentStatusApproved {
		return nil, fmt.Errorf("%w: cannot derive actions from intent in status %s",
			apperrors.ErrInvalidTransition, intent.Status)
	}

	existing, err := p.actions.ListByIntent(ctx, intentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list existing actions: %w", err)
	}
	if len(existing) > 0 {
		return existing, nil
	}

	planned := make([]*models.Action, 0, len(intent.RecommendedActions))
	for i, desc := range intent.RecommendedActions {
		if !models.IsValidActionType(desc.ActionType) {
			return nil, fmt.Errorf("invalid action type in descriptor %d: %s", i, desc.ActionType)
		}
		planned = append(planned, &models.Action{
			IntentID:         intent.ID,
			ActionType:       desc.ActionType,
			TargetEntityType: desc.TargetEntityType,
			TargetEntityID:   desc.TargetEntityID,
			Parameters:       desc.Parameters,
			Status:           models.ActionStatusPending,
			RequiresApproval: requiresApproval(desc.ActionType, intent.Priority),
			SequenceOrder:    i,
		})
	}

	if len(planned) == 0 {
		return planned, nil
	}
	if err := p.actions.CreateBatch(ctx, planned); err != nil {
		return nil, fmt.Errorf("failed to persist planned actions: %w", err)
	}

	p.logger.Info("Derived actions",
		zap.String("intent_id", intent.ID.String()),
		zap.Int("count", len(planned)))
	for _, action := range planned {
		p.audit.Record(ctx, models.AuditEntityTypeAction, action.ID.String(), models.AuditActionCreate, nil)
	}

	return planned, nil
}

// requiresApproval defaults to manual review for anything touching production
// or certification, and for anything attached to a critical-priority intent.
func requiresApproval(t models.ActionType, priority models.Priority) bool {
	if t.TouchesProduction() {
		return true
	}
	return priority == models.PriorityCritical
}

func (p *actionPlanner) Replan(ctx context.Context, actionID uuid.UUID, parameters map[string]any) (*models.Action, error) {
	action, err := p.actions.GetByID(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if action.Status != models.ActionStatusSimulationFailed {
		return nil, fmt.Errorf("%w: cannot re-plan action in status %s",
			apperrors.ErrInvalidTransition, action.Status)
	}

	previous := action.Parameters
	action.Parameters = parameters
	action.ParamsRevision++
	action.Status = models.ActionStatusPending
	action.ErrorMessage = nil

	if err := p.actions.Update(ctx, action); err != nil {
		return nil, err
	}

	p.logger.Info("Re-planned action",
		zap.String("action_id", action.ID.String()),
		zap.Int("params_revision", action.ParamsRevision))
	p.audit.Record(ctx, models.AuditEntityTypeAction, action.ID.String(), models.AuditActionUpdate,
		map[string]models.FieldChange{
			"parameters": {Old: previous, New: parameters},
			"status":     {Old: models.ActionStatusSimulationFailed, New: models.ActionStatusPending},
		})

	return action, nil
}
