package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter-engine/pkg/models"
	"github.com/arbiterhq/arbiter-engine/pkg/repositories"
)

// GuardrailCounters is a point-in-time snapshot of the engine's shared mutable
// state. Evaluation is a pure function of (action, intent, settings, counters):
// identical inputs always produce the identical violation list.
type GuardrailCounters struct {
	ExecutingNow    int     `json:"executing_now"`
	BudgetSpent     float64 `json:"budget_spent"`
	ActionsInWindow int     `json:"actions_in_window"`
}

// GuardrailState holds the live counters behind GuardrailCounters snapshots.
// Check-then-start is a single reserve-or-reject operation: two actions racing
// for the last execution slot cannot both win.
type GuardrailState struct {
	mu          sync.Mutex
	executing   int
	budgetSpent float64
	window      []time.Time
}

// NewGuardrailState creates zeroed counters.
func NewGuardrailState() *GuardrailState {
	return &GuardrailState{}
}

// Snapshot captures the counters for a deterministic evaluation.
func (s *GuardrailState) Snapshot(window time.Duration) GuardrailCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return GuardrailCounters{
		ExecutingNow:    s.executing,
		BudgetSpent:     s.budgetSpent,
		ActionsInWindow: s.countInWindowLocked(time.Now().Add(-window)),
	}
}

// ReserveExecution atomically claims an execution slot if one is free under the
// limit. The caller must pair a successful reserve with ReleaseExecution.
func (s *GuardrailState) ReserveExecution(limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > 0 && s.executing >= limit {
		return false
	}
	s.executing++
	return true
}

// ReleaseExecution returns a previously reserved slot.
func (s *GuardrailState) ReleaseExecution() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.executing > 0 {
		s.executing--
	}
}

// ReserveBudget atomically commits cost against the ceiling, rejecting the
// spend that would cross it. A ceiling of zero disables the check. The caller
// refunds a reservation that never reaches execution.
func (s *GuardrailState) ReserveBudget(cost, ceiling float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ceiling > 0 && s.budgetSpent+cost > ceiling {
		return false
	}
	s.budgetSpent += cost
	return true
}

// RefundBudget returns a reserved spend whose action never started.
func (s *GuardrailState) RefundBudget(cost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgetSpent -= cost
	if s.budgetSpent < 0 {
		s.budgetSpent = 0
	}
}

// ReserveRateSlot atomically stamps the rate window at t if the window is still
// under the limit. A limit of zero disables the check.
func (s *GuardrailState) ReserveRateSlot(limit int, window time.Duration, t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > 0 && s.countInWindowLocked(t.Add(-window)) >= limit {
		return false
	}
	s.window = append(s.window, t)
	return true
}

func (s *GuardrailState) countInWindowLocked(cutoff time.Time) int {
	// Compact expired stamps while counting.
	kept := s.window[:0]
	for _, t := range s.window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.window = kept
	return len(kept)
}

// Guardrail defaults applied when the settings catalog has no explicit value.
const (
	defaultMaxConcurrent   = 4
	defaultBudgetCeiling   = 100
	defaultRateLimitWindow = 3600
	defaultRateLimitMax    = 50
	defaultActionCost      = 1

	// Below this confidence an action draws an advisory risk warning.
	lowConfidenceFloor = 0.4
)

// rateWindow reads the configured rate-limit accounting window.
func rateWindow(settings *models.SettingsSnapshot) time.Duration {
	secs := settings.Number(models.SettingKeyRateLimitWindow, defaultRateLimitWindow)
	if secs <= 0 {
		secs = defaultRateLimitWindow
	}
	return time.Duration(secs) * time.Second
}

// GuardrailEvaluator is the rule engine that produces violations for a proposed
// action, plus the persistence and resolution surface for violation rows.
type GuardrailEvaluator interface {
	// Evaluate runs every rule against the action. Deterministic; performs no
	// writes and never consults hidden state.
	Evaluate(action *models.Action, intent *models.Intent, settings *models.SettingsSnapshot, counters GuardrailCounters) []*models.GuardrailViolation

	// Persist appends the violations to the ledger.
	Persist(ctx context.Context, violations []*models.GuardrailViolation) error

	// Resolve marks one violation resolved with the acting operator.
	Resolve(ctx context.Context, violationID uuid.UUID) (*models.GuardrailViolation, error)

	// HasUnresolvedBlock reports whether an unresolved block-severity violation
	// vetoes the action.
	HasUnresolvedBlock(ctx context.Context, actionID uuid.UUID) (bool, error)

	// ListByAction returns an action's violations.
	ListByAction(ctx context.Context, actionID uuid.UUID, unresolvedOnly bool) ([]*models.GuardrailViolation, error)

	// List returns recent violations engine-wide.
	List(ctx context.Context, unresolvedOnly bool, limit int) ([]*models.GuardrailViolation, error)
}

type guardrailEvaluator struct {
	violations repositories.ViolationRepository
	audit      AuditService
	logger     *zap.Logger
}

// NewGuardrailEvaluator creates a new GuardrailEvaluator.
func NewGuardrailEvaluator(violations repositories.ViolationRepository, audit AuditService, logger *zap.Logger) GuardrailEvaluator {
	return &guardrailEvaluator{
		violations: violations,
		audit:      audit,
		logger:     logger.Named("guardrails"),
	}
}

var _ GuardrailEvaluator = (*guardrailEvaluator)(nil)

func (g *guardrailEvaluator) Evaluate(action *models.Action, intent *models.Intent, settings *models.SettingsSnapshot, counters GuardrailCounters) []*models.GuardrailViolation {
	var out []*models.GuardrailViolation
	actionID := action.ID

	// Budget ceiling.
	ceiling := settings.Number(models.SettingKeyBudgetCeiling, defaultBudgetCeiling)
	cost := actionCost(action)
	if counters.BudgetSpent+cost > ceiling {
		out = append(out, &models.GuardrailViolation{
			ActionID:      &actionID,
			GuardrailType: models.GuardrailTypeBudget,
			GuardrailKey:  models.SettingKeyBudgetCeiling,
			Severity:      models.SeverityBlock,
			ViolationDetails: map[string]any{
				"budget_spent": counters.BudgetSpent,
				"action_cost":  cost,
				"ceiling":      ceiling,
			},
		})
	}

	// Concurrent execution ceiling.
	maxConcurrent := int(settings.Number(models.SettingKeyMaxConcurrent, defaultMaxConcurrent))
	if maxConcurrent > 0 && counters.ExecutingNow >= maxConcurrent {
		out = append(out, &models.GuardrailViolation{
			ActionID:      &actionID,
			GuardrailType: models.GuardrailTypeConcurrentLimit,
			GuardrailKey:  models.SettingKeyMaxConcurrent,
			Severity:      models.SeverityBlock,
			ViolationDetails: map[string]any{
				"executing_now": counters.ExecutingNow,
				"limit":         maxConcurrent,
			},
		})
	}

	// Rate limit per window.
	rateMax := int(settings.Number(models.SettingKeyRateLimitMax, defaultRateLimitMax))
	if rateMax > 0 && counters.ActionsInWindow >= rateMax {
		out = append(out, &models.GuardrailViolation{
			ActionID:      &actionID,
			GuardrailType: models.GuardrailTypeRateLimit,
			GuardrailKey:  models.SettingKeyRateLimitMax,
			Severity:      models.SeverityBlock,
			ViolationDetails: map[string]any{
				"actions_in_window": counters.ActionsInWindow,
				"limit":             rateMax,
			},
		})
	}

	// Scope boundary: an action may not touch entities outside its intent's
	// declared scope. Taxonomy mutations get the narrower taxonomy_boundary type.
	if intent != nil && !intent.InScope(action.TargetEntityType) {
		gtype := models.GuardrailTypeScopeLock
		if action.ActionType == models.ActionTypeAddTaxonomyNode ||
			action.ActionType == models.ActionTypeAddOntologyRelation {
			gtype = models.GuardrailTypeTaxonomyBoundary
		}
		out = append(out, &models.GuardrailViolation{
			ActionID:      &actionID,
			GuardrailType: gtype,
			GuardrailKey:  "intent_scope",
			Severity:      models.SeverityBlock,
			ViolationDetails: map[string]any{
				"target_entity_type": action.TargetEntityType,
				"declared_scope":     intent.ScopeEntityTypes,
			},
		})
	}

	// Production lock vetoes production-touching actions at any autonomy level.
	if action.ActionType.TouchesProduction() && settings.Toggle(models.SettingKeyProductionLock, false) {
		out = append(out, &models.GuardrailViolation{
			ActionID:      &actionID,
			GuardrailType: models.GuardrailTypeProductionLock,
			GuardrailKey:  models.SettingKeyProductionLock,
			Severity:      models.SeverityBlock,
			ViolationDetails: map[string]any{
				"action_type": action.ActionType,
			},
		})
	}

	// Advisory: low-confidence intents flag risk without blocking.
	if intent != nil && intent.ConfidenceScore < lowConfidenceFloor {
		out = append(out, &models.GuardrailViolation{
			ActionID:      &actionID,
			GuardrailType: models.GuardrailTypeRisk,
			GuardrailKey:  "confidence_floor",
			Severity:      models.SeverityWarning,
			ViolationDetails: map[string]any{
				"confidence_score": intent.ConfidenceScore,
				"floor":            lowConfidenceFloor,
			},
		})
	}

	// Advisory: drift-remediation actions flag when the detected drift score is
	// high enough that the projection may already be stale.
	if intent != nil && intent.IntentType == models.IntentTypeDriftRemediation {
		if score, ok := intent.Context["drift_score"].(float64); ok && score > 0.8 {
			out = append(out, &models.GuardrailViolation{
				ActionID:      &actionID,
				GuardrailType: models.GuardrailTypeDrift,
				GuardrailKey:  "drift_score",
				Severity:      models.SeverityWarning,
				ViolationDetails: map[string]any{
					"drift_score": score,
				},
			})
		}
	}

	return out
}

// actionCost reads the action's declared cost, defaulting when absent.
func actionCost(action *models.Action) float64 {
	if raw, ok := action.Parameters["estimated_cost"]; ok {
		if v, ok := raw.(float64); ok && v >= 0 {
			return v
		}
	}
	return defaultActionCost
}

func (g *guardrailEvaluator) Persist(ctx context.Context, violations []*models.GuardrailViolation) error {
	if len(violations) == 0 {
		return nil
	}
	if err := g.violations.CreateBatch(ctx, violations); err != nil {
		g.logger.Error("Failed to persist violations",
			zap.Int("count", len(violations)),
			zap.Error(err))
		return fmt.Errorf("failed to persist violations: %w", err)
	}
	for _, v := range violations {
		g.logger.Warn("Guardrail violation",
			zap.String("violation_id", v.ID.String()),
			zap.String("guardrail_type", string(v.GuardrailType)),
			zap.String("severity", string(v.Severity)))
	}
	return nil
}

func (g *guardrailEvaluator) Resolve(ctx context.Context, violationID uuid.UUID) (*models.GuardrailViolation, error) {
	actor := models.ActorOrSystem(ctx)
	violation, err := g.violations.Resolve(ctx, violationID, actor.Actor)
	if err != nil {
		return nil, err
	}

	g.logger.Info("Resolved violation",
		zap.String("violation_id", violationID.String()),
		zap.String("resolved_by", actor.Actor))
	g.audit.Record(ctx, models.AuditEntityTypeViolation, violationID.String(), models.AuditActionResolve,
		map[string]models.FieldChange{
			"resolved": {Old: false, New: true},
		})

	return violation, nil
}

func (g *guardrailEvaluator) HasUnresolvedBlock(ctx context.Context, actionID uuid.UUID) (bool, error) {
	return g.violations.HasUnresolvedBlock(ctx, actionID)
}

func (g *guardrailEvaluator) ListByAction(ctx context.Context, actionID uuid.UUID, unresolvedOnly bool) ([]*models.GuardrailViolation, error) {
	return g.violations.ListByAction(ctx, actionID, unresolvedOnly)
}

func (g *guardrailEvaluator) List(ctx context.Context, unresolvedOnly bool, limit int) ([]*models.GuardrailViolation, error) {
	return g.violations.List(ctx, unresolvedOnly, limit)
}

// HasBlocking reports whether any violation in the list is block severity.
func HasBlocking(violations []*models.GuardrailViolation) bool {
	for _, v := range violations {
		if v.IsBlocking() {
			return true
		}
	}
	return false
}
