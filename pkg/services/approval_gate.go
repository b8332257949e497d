package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter-engine/pkg/apperrors"
	"github.com/arbiterhq/arbiter-engine/pkg/models"
	"github.com/arbiterhq/arbiter-engine/pkg/repositories"
)

// ApprovalVerdict is the gate's answer for one entity.
type ApprovalVerdict string

const (
	VerdictAutoApprove   ApprovalVerdict = "auto_approve"
	VerdictRequireManual ApprovalVerdict = "require_manual"
)

// ApprovalGate applies the autonomy policy and owns the manual approve/reject
// surface for actions. Decisions are final: a decided action can only move
// forward through an explicit re-plan, never a second decision.
type ApprovalGate interface {
	// Decide applies the policy table. A block-severity violation forces
	// manual review at every autonomy level.
	Decide(risk models.Priority, hasBlock bool, level models.AutonomyLevel) ApprovalVerdict

	// ApproveAction records a manual approval. Valid only from awaiting_approval.
	ApproveAction(ctx context.Context, actionID uuid.UUID) (*models.Action, error)

	// RejectAction records a manual rejection with the supplied reason,
	// moving the action to failed. Valid only from awaiting_approval.
	RejectAction(ctx context.Context, actionID uuid.UUID, reason string) (*models.Action, error)
}

type approvalGate struct {
	actions repositories.ActionRepository
	audit   AuditService
	logger  *zap.Logger
}

// NewApprovalGate creates a new ApprovalGate.
func NewApprovalGate(actions repositories.ActionRepository, audit AuditService, logger *zap.Logger) ApprovalGate {
	return &approvalGate{
		actions: actions,
		audit:   audit,
		logger:  logger.Named("approval-gate"),
	}
}

var _ ApprovalGate = (*approvalGate)(nil)

func (g *approvalGate) Decide(risk models.Priority, hasBlock bool, level models.AutonomyLevel) ApprovalVerdict {
	if hasBlock {
		// Even full autonomy cannot override a block.
		return VerdictRequireManual
	}
	switch level {
	case models.AutonomyAdvisory:
		return VerdictRequireManual
	case models.AutonomySemiAutonomous:
		if risk == models.PriorityLow || risk == models.PriorityMedium {
			return VerdictAutoApprove
		}
		return VerdictRequireManual
	case models.AutonomyFullAutonomous:
		return VerdictAutoApprove
	default:
		return VerdictRequireManual
	}
}

func (g *approvalGate) ApproveAction(ctx context.Context, actionID uuid.UUID) (*models.Action, error) {
	action, err := g.actions.GetByID(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if err := g.requireUndecided(action); err != nil {
		return nil, err
	}

	actor := models.ActorOrSystem(ctx)
	now := time.Now()
	approvedBy := actor.Actor
	action.Status = models.ActionStatusApproved
	action.ApprovedBy = &approvedBy
	action.ApprovedAt = &now

	if err := g.actions.Update(ctx, action); err != nil {
		return nil, err
	}

	g.logger.Info("Approved action",
		zap.String("action_id", action.ID.String()),
		zap.String("approved_by", approvedBy))
	g.audit.Record(ctx, models.AuditEntityTypeAction, action.ID.String(), models.AuditActionApprove,
		map[string]models.FieldChange{
			"status": {Old: models.ActionStatusAwaitingApproval, New: models.ActionStatusApproved},
		})

	return action, nil
}

func (g *approvalGate) RejectAction(ctx context.Context, actionID uuid.UUID, reason string) (*models.Action, error) {
	action, err := g.actions.GetByID(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if err := g.requireUndecided(action); err != nil {
		return nil, err
	}

	action.Status = models.ActionStatusFailed
	if reason != "" {
		action.ErrorMessage = &reason
	}

	if err := g.actions.Update(ctx, action); err != nil {
		return nil, err
	}

	actor := models.ActorOrSystem(ctx)
	g.logger.Info("Rejected action",
		zap.String("action_id", action.ID.String()),
		zap.String("rejected_by", actor.Actor),
		zap.String("reason", reason))
	g.audit.Record(ctx, models.AuditEntityTypeAction, action.ID.String(), models.AuditActionReject,
		map[string]models.FieldChange{
			"status": {Old: models.ActionStatusAwaitingApproval, New: models.ActionStatusFailed},
		})

	return action, nil
}

// requireUndecided distinguishes "not yet at the gate" from "already decided".
func (g *approvalGate) requireUndecided(action *models.Action) error {
	if action.Status == models.ActionStatusAwaitingApproval {
		return nil
	}
	if action.ApprovedBy != nil || action.Status.IsTerminal() ||
		action.Status == models.ActionStatusApproved || action.Status == models.ActionStatusFailed {
		return fmt.Errorf("%w: action %s already decided (status %s)",
			apperrors.ErrAlreadyDecided, action.ID, action.Status)
	}
	return fmt.Errorf("%w: action %s is not awaiting approval (status %s)",
		apperrors.ErrInvalidTransition, action.ID, action.Status)
}
