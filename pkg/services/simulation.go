package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter-engine/pkg/executors"
	"github.com/arbiterhq/arbiter-engine/pkg/models"
)

// SimulationEngine produces dry-run before/after projections for actions. A
// simulation never mutates real state; its verdict gates execution.
type SimulationEngine interface {
	// Simulate projects the action against current state and re-checks
	// guardrails. Passed is true iff the dry run raised no block-severity
	// violation and no consistency failure.
	Simulate(ctx context.Context, action *models.Action, intent *models.Intent, settings *models.SettingsSnapshot, counters GuardrailCounters) *models.SimulationResult

	// Required reports whether simulation is mandatory for the action under
	// the active autonomy level. The only bypass is full autonomy combined
	// with a low-risk action type; guardrails still run synchronously then.
	Required(settings *models.SettingsSnapshot, t models.ActionType) bool
}

type simulationEngine struct {
	registry   *executors.Registry
	guardrails GuardrailEvaluator
	logger     *zap.Logger
}

// NewSimulationEngine creates a new SimulationEngine.
func NewSimulationEngine(registry *executors.Registry, guardrails GuardrailEvaluator, logger *zap.Logger) SimulationEngine {
	return &simulationEngine{
		registry:   registry,
		guardrails: guardrails,
		logger:     logger.Named("simulation"),
	}
}

var _ SimulationEngine = (*simulationEngine)(nil)

func (s *simulationEngine) Simulate(ctx context.Context, action *models.Action, intent *models.Intent, settings *models.SettingsSnapshot, counters GuardrailCounters) *models.SimulationResult {
	result := &models.SimulationResult{
		ParamsRevision: action.ParamsRevision,
		SimulatedAt:    time.Now(),
	}

	// Dry-run guardrail re-check. These do not persist; they feed the verdict.
	recheck := s.guardrails.Evaluate(action, intent, settings, counters)
	blocked := false
	for _, v := range recheck {
		if v.Severity == models.SeverityBlock {
			blocked = true
			result.Violations = append(result.Violations,
				fmt.Sprintf("%s: %s", v.GuardrailType, v.GuardrailKey))
		} else {
			result.Risks = append(result.Risks,
				fmt.Sprintf("%s: %s", v.GuardrailType, v.GuardrailKey))
		}
	}

	before, after, risks, err := s.project(ctx, action)
	if err != nil {
		// A projection failure is a consistency failure: the action cannot be
		// applied to the state it claims to target.
		result.Passed = false
		result.Violations = append(result.Violations, fmt.Sprintf("consistency: %v", err))
		s.logger.Info("Simulation failed on projection",
			zap.String("action_id", action.ID.String()),
			zap.Error(err))
		return result
	}
	result.Before = before
	result.After = after
	result.Risks = append(result.Risks, risks...)

	result.Passed = !blocked
	s.logger.Info("Simulated action",
		zap.String("action_id", action.ID.String()),
		zap.Bool("passed", result.Passed),
		zap.Int("risks", len(result.Risks)))
	return result
}

// project asks the action's executor for a preview. Executors without preview
// support get a generic parameter projection.
func (s *simulationEngine) project(ctx context.Context, action *models.Action) (map[string]any, map[string]any, []string, error) {
	exec, ok := s.registry.Get(action.ActionType)
	if !ok {
		return nil, nil, nil, fmt.Errorf("no executor registered for %s", action.ActionType)
	}
	if p, ok := exec.(executors.Previewer); ok {
		return p.Preview(ctx, action)
	}

	before := map[string]any{
		"target_entity_type": action.TargetEntityType,
		"target_entity_id":   action.TargetEntityID,
	}
	after := map[string]any{
		"target_entity_type": action.TargetEntityType,
		"target_entity_id":   action.TargetEntityID,
		"applied_parameters": action.Parameters,
	}
	return before, after, nil, nil
}

func (s *simulationEngine) Required(settings *models.SettingsSnapshot, t models.ActionType) bool {
	if settings.AutonomyLevel() == models.AutonomyFullAutonomous && t.LowRiskAutoSimulatable() {
		return false
	}
	return true
}
