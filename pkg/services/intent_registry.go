package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter-engine/pkg/apperrors"
	"github.com/arbiterhq/arbiter-engine/pkg/models"
	"github.com/arbiterhq/arbiter-engine/pkg/repositories"
)

// IntentDecision is an operator or gate verdict on an intent.
type IntentDecision string

const (
	IntentDecisionApprove IntentDecision = "approve"
	IntentDecisionReject  IntentDecision = "reject"
)

// IngestRequest carries a detected signal into the registry.
type IngestRequest struct {
	IntentType         models.IntentType         `json:"intent_type"`
	SourceSignal       string                    `json:"source_signal"`
	Priority           models.Priority           `json:"priority"`
	ConfidenceScore    float64                   `json:"confidence_score"`
	Context            map[string]any            `json:"context,omitempty"`
	RecommendedActions []models.ActionDescriptor `json:"recommended_actions,omitempty"`
	ScopeEntityTypes   []string                  `json:"scope_entity_types,omitempty"`
	ExpiresAt          *time.Time                `json:"expires_at,omitempty"`
}

// IntentRegistry owns the intent lifecycle: ingestion with dedup, evaluation,
// the approve/reject decision with its cancellation cascade, and the expiry sweep.
type IntentRegistry interface {
	// Ingest creates an intent in detected status. A duplicate signal (same
	// source signal and intent type) inside the dedup window returns the
	// existing intent instead; the bool reports whether a new one was created.
	Ingest(ctx context.Context, req IngestRequest) (*models.Intent, bool, error)

	// Evaluate moves a detected intent through evaluating to proposed,
	// refreshing its confidence score on the way.
	Evaluate(ctx context.Context, intentID uuid.UUID) (*models.Intent, error)

	// Decide applies an approve or reject verdict. Approve requires proposed
	// status; reject is valid from any non-terminal status and synchronously
	// cancels every non-terminal child action.
	Decide(ctx context.Context, intentID uuid.UUID, decision IntentDecision, reason string) (*models.Intent, error)

	// MarkExecuting, MarkCompleted and MarkFailed are the coordinator's
	// bookkeeping transitions on the parent intent.
	MarkExecuting(ctx context.Context, intentID uuid.UUID) (*models.Intent, error)
	MarkCompleted(ctx context.Context, intentID uuid.UUID) (*models.Intent, error)
	MarkFailed(ctx context.Context, intentID uuid.UUID, reason string) (*models.Intent, error)

	// Expire sweeps non-terminal intents past their expiry into the expired
	// state, cancelling their children. Returns how many were expired.
	Expire(ctx context.Context) (int, error)

	// List returns intents filtered by status (empty = all).
	List(ctx context.Context, status models.IntentStatus, limit int) ([]*models.Intent, error)

	// ListReady returns intents the orchestrator should pick up this cycle,
	// oldest first.
	ListReady(ctx context.Context, limit int) ([]*models.Intent, error)

	// Get returns one intent.
	Get(ctx context.Context, intentID uuid.UUID) (*models.Intent, error)
}

type intentRegistry struct {
	intents     repositories.IntentRepository
	actions     repositories.ActionRepository
	audit       AuditService
	dedupWindow time.Duration
	defaultTTL  time.Duration
	logger      *zap.Logger
}

// IntentRegistryDeps carries the registry's collaborators.
type IntentRegistryDeps struct {
	Intents     repositories.IntentRepository
	Actions     repositories.ActionRepository
	Audit       AuditService
	DedupWindow time.Duration
	DefaultTTL  time.Duration
	Logger      *zap.Logger
}

// NewIntentRegistry creates a new IntentRegistry.
func NewIntentRegistry(deps IntentRegistryDeps) IntentRegistry {
	return &intentRegistry{
		intents:     deps.Intents,
		actions:     deps.Actions,
		audit:       deps.Audit,
		dedupWindow: deps.DedupWindow,
		defaultTTL:  deps.DefaultTTL,
		logger:      deps.Logger.Named("intent-registry"),
	}
}

var _ IntentRegistry = (*intentRegistry)(nil)

func (r *intentRegistry) Ingest(ctx context.Context, req IngestRequest) (*models.Intent, bool, error) {
	if !models.IsValidIntentType(req.IntentType) {
		return nil, false, fmt.Errorf("invalid intent type: %s", req.IntentType)
	}
	if req.SourceSignal == "" {
		return nil, false, fmt.Errorf("source signal is required")
	}
	if !models.IsValidPriority(req.Priority) {
		req.Priority = models.PriorityMedium
	}
	if req.ConfidenceScore < 0 || req.ConfidenceScore > 1 {
		return nil, false, fmt.Errorf("confidence score %v outside [0, 1]", req.ConfidenceScore)
	}

	since := time.Now().Add(-r.dedupWindow)
	existing, err := r.intents.FindDuplicate(ctx, req.SourceSignal, req.IntentType, since)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check for duplicate intent: %w", err)
	}
	if existing != nil {
		r.logger.Debug("Duplicate signal inside dedup window, returning existing intent",
			zap.String("intent_id", existing.ID.String()),
			zap.String("source_signal", req.SourceSignal))
		return existing, false, nil
	}

	expiresAt := req.ExpiresAt
	if expiresAt == nil && r.defaultTTL > 0 {
		t := time.Now().Add(r.defaultTTL)
		expiresAt = &t
	}

	intent := &models.Intent{
		IntentType:         req.IntentType,
		SourceSignal:       req.SourceSignal,
		Priority:           req.Priority,
		ConfidenceScore:    req.ConfidenceScore,
		Status:             models.IntentStatusDetected,
		Context:            req.Context,
		RecommendedActions: req.RecommendedActions,
		ScopeEntityTypes:   req.ScopeEntityTypes,
		ExpiresAt:          expiresAt,
	}
	if err := r.intents.Create(ctx, intent); err != nil {
		return nil, false, fmt.Errorf("failed to create intent: %w", err)
	}

	r.logger.Info("Ingested intent",
		zap.String("intent_id", intent.ID.String()),
		zap.String("intent_type", string(intent.IntentType)),
		zap.String("priority", string(intent.Priority)))
	r.audit.Record(ctx, models.AuditEntityTypeIntent, intent.ID.String(), models.AuditActionCreate, nil)

	return intent, true, nil
}

func (r *intentRegistry) Evaluate(ctx context.Context, intentID uuid.UUID) (*models.Intent, error) {
	intent, err := r.intents.GetByID(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.Status != models.IntentStatusDetected {
		return nil, fmt.Errorf("%w: cannot evaluate intent in status %s",
			apperrors.ErrInvalidTransition, intent.Status)
	}

	intent.Status = models.IntentStatusEvaluating
	if err := r.intents.Update(ctx, intent); err != nil {
		return nil, err
	}

	previous := intent.ConfidenceScore
	intent.ConfidenceScore = refreshConfidence(intent, time.Now())
	intent.Status = models.IntentStatusProposed
	if err := r.intents.Update(ctx, intent); err != nil {
		return nil, err
	}

	r.logger.Info("Evaluated intent",
		zap.String("intent_id", intent.ID.String()),
		zap.Float64("confidence", intent.ConfidenceScore))
	r.audit.Record(ctx, models.AuditEntityTypeIntent, intent.ID.String(), models.AuditActionUpdate,
		map[string]models.FieldChange{
			"status":           {Old: models.IntentStatusDetected, New: models.IntentStatusProposed},
			"confidence_score": {Old: previous, New: intent.ConfidenceScore},
		})

	return intent, nil
}

// refreshConfidence blends the detector's raw score with priority weight and
// signal freshness into a 0-1 score.
func refreshConfidence(intent *models.Intent, now time.Time) float64 {
	score := 0.6*intent.ConfidenceScore + 0.1*float64(intent.Priority.RiskRank())

	// Freshness contributes up to 0.15, decaying linearly to expiry.
	if intent.ExpiresAt != nil {
		total := intent.ExpiresAt.Sub(intent.CreatedAt)
		if total > 0 {
			remaining := intent.ExpiresAt.Sub(now)
			freshness := float64(remaining) / float64(total)
			score += 0.15 * math.Max(0, math.Min(1, freshness))
		}
	} else {
		score += 0.15
	}

	return math.Max(0, math.Min(1, score))
}

func (r *intentRegistry) Decide(ctx context.Context, intentID uuid.UUID, decision IntentDecision, reason string) (*models.Intent, error) {
	intent, err := r.intents.GetByID(ctx, intentID)
	if err != nil {
		return nil, err
	}

	actor := models.ActorOrSystem(ctx)
	previous := intent.Status

	switch decision {
	case IntentDecisionApprove:
		if intent.Status != models.IntentStatusProposed {
			return nil, fmt.Errorf("%w: cannot approve intent in status %s",
				apperrors.ErrInvalidTransition, intent.Status)
		}
		intent.Status = models.IntentStatusApproved
	case IntentDecisionReject:
		if intent.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: cannot reject intent in terminal status %s",
				apperrors.ErrInvalidTransition, intent.Status)
		}
		intent.Status = models.IntentStatusRejected
	default:
		return nil, fmt.Errorf("invalid decision: %s", decision)
	}

	now := time.Now()
	decidedBy := actor.Actor
	intent.DecidedBy = &decidedBy
	intent.DecidedAt = &now
	if reason != "" {
		intent.DecisionReason = &reason
	}

	if err := r.intents.Update(ctx, intent); err != nil {
		return nil, err
	}

	// Rejection cancels every non-terminal child synchronously, inside the
	// same decision. Actions already executing cannot be cancelled mid-flight.
	if decision == IntentDecisionReject {
		if err := r.cancelChildren(ctx, intent.ID); err != nil {
			return nil, err
		}
	}

	auditAction := models.AuditActionApprove
	if decision == IntentDecisionReject {
		auditAction = models.AuditActionReject
	}
	r.logger.Info("Decided intent",
		zap.String("intent_id", intent.ID.String()),
		zap.String("decision", string(decision)),
		zap.String("actor", actor.Actor))
	r.audit.Record(ctx, models.AuditEntityTypeIntent, intent.ID.String(), auditAction,
		map[string]models.FieldChange{
			"status": {Old: previous, New: intent.Status},
		})

	return intent, nil
}

func (r *intentRegistry) cancelChildren(ctx context.Context, intentID uuid.UUID) error {
	children, err := r.actions.ListByIntent(ctx, intentID)
	if err != nil {
		return fmt.Errorf("failed to list child actions: %w", err)
	}
	for _, action := range children {
		if action.Status.IsTerminal() {
			continue
		}
		if !action.Status.CanTransitionTo(models.ActionStatusCancelled) {
			r.logger.Warn("Child action cannot be cancelled",
				zap.String("action_id", action.ID.String()),
				zap.String("status", string(action.Status)))
			continue
		}
		action.Status = models.ActionStatusCancelled
		if err := r.actions.Update(ctx, action); err != nil {
			return fmt.Errorf("failed to cancel child action %s: %w", action.ID, err)
		}
	}
	return nil
}

func (r *intentRegistry) MarkExecuting(ctx context.Context, intentID uuid.UUID) (*models.Intent, error) {
	return r.transition(ctx, intentID, models.IntentStatusExecuting, nil)
}

func (r *intentRegistry) MarkCompleted(ctx context.Context, intentID uuid.UUID) (*models.Intent, error) {
	return r.transition(ctx, intentID, models.IntentStatusCompleted, nil)
}

func (r *intentRegistry) MarkFailed(ctx context.Context, intentID uuid.UUID, reason string) (*models.Intent, error) {
	return r.transition(ctx, intentID, models.IntentStatusFailed, &reason)
}

func (r *intentRegistry) transition(ctx context.Context, intentID uuid.UUID, target models.IntentStatus, reason *string) (*models.Intent, error) {
	intent, err := r.intents.GetByID(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if !intent.Status.CanTransitionTo(target) {
		return nil, fmt.Errorf("%w: intent %s -> %s",
			apperrors.ErrInvalidTransition, intent.Status, target)
	}
	intent.Status = target
	if reason != nil && *reason != "" {
		intent.DecisionReason = reason
	}
	if err := r.intents.Update(ctx, intent); err != nil {
		return nil, err
	}
	return intent, nil
}

func (r *intentRegistry) Expire(ctx context.Context) (int, error) {
	expired, err := r.intents.ListExpired(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to list expired intents: %w", err)
	}

	count := 0
	for _, intent := range expired {
		previous := intent.Status
		intent.Status = models.IntentStatusExpired
		if err := r.intents.Update(ctx, intent); err != nil {
			// Another writer may have raced us to a terminal state; skip.
			r.logger.Warn("Failed to expire intent",
				zap.String("intent_id", intent.ID.String()),
				zap.Error(err))
			continue
		}
		if err := r.cancelChildren(ctx, intent.ID); err != nil {
			r.logger.Warn("Failed to cancel children of expired intent",
				zap.String("intent_id", intent.ID.String()),
				zap.Error(err))
		}
		r.audit.Record(ctx, models.AuditEntityTypeIntent, intent.ID.String(), models.AuditActionExpire,
			map[string]models.FieldChange{
				"status": {Old: previous, New: models.IntentStatusExpired},
			})
		count++
	}

	if count > 0 {
		r.logger.Info("Expired intents", zap.Int("count", count))
	}
	return count, nil
}

func (r *intentRegistry) List(ctx context.Context, status models.IntentStatus, limit int) ([]*models.Intent, error) {
	if status != "" && !models.IsValidIntentStatus(status) {
		return nil, fmt.Errorf("invalid status filter: %s", status)
	}
	return r.intents.List(ctx, status, limit)
}

func (r *intentRegistry) ListReady(ctx context.Context, limit int) ([]*models.Intent, error) {
	ready := []models.IntentStatus{
		models.IntentStatusDetected,
		models.IntentStatusProposed,
		models.IntentStatusApproved,
		models.IntentStatusExecuting,
	}
	return r.intents.ListByStatuses(ctx, ready, limit)
}

func (r *intentRegistry) Get(ctx context.Context, intentID uuid.UUID) (*models.Intent, error) {
	return r.intents.GetByID(ctx, intentID)
}
