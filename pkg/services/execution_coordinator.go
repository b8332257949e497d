package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter-engine/pkg/apperrors"
	"github.com/arbiterhq/arbiter-engine/pkg/executors"
	"github.com/arbiterhq/arbiter-engine/pkg/logging"
	"github.com/arbiterhq/arbiter-engine/pkg/models"
	"github.com/arbiterhq/arbiter-engine/pkg/repositories"
	"github.com/arbiterhq/arbiter-engine/pkg/retry"
)

// SequenceOutcome summarizes one pass over an intent's action sequence.
type SequenceOutcome struct {
	// GuardrailsTriggered counts violations persisted during the pass.
	GuardrailsTriggered int
	// Halted is true when the pass stopped before completing every action:
	// an approval is pending, a simulation failed, or an execution failed.
	Halted bool
	// Completed is true when every action in the sequence is completed.
	Completed bool
}

// ExecutionCoordinator drives actions through guardrails, simulation, the
// approval gate and execution, strictly by sequence order within an intent.
type ExecutionCoordinator interface {
	// ExecuteSequence advances an intent's actions in order. It stops at the
	// first action that parks at the approval gate or halts the sequence, and
	// marks the parent intent completed when every action finishes.
	ExecuteSequence(ctx context.Context, intent *models.Intent, settings *models.SettingsSnapshot) (SequenceOutcome, error)

	// ExecuteAction drives one approved action through (stale) simulation and
	// execution. The block-violation veto is re-checked immediately before the
	// executing transition.
	ExecuteAction(ctx context.Context, action *models.Action, intent *models.Intent, settings *models.SettingsSnapshot) (*models.Action, error)
}

// ExecutionCoordinatorDeps carries the coordinator's collaborators.
type ExecutionCoordinatorDeps struct {
	Actions     repositories.ActionRepository
	Intents     IntentRegistry
	Guardrails  GuardrailEvaluator
	Simulation  SimulationEngine
	Gate        ApprovalGate
	Registry    *executors.Registry
	State       *GuardrailState
	RetryConfig *retry.Config
	// Timeout bounds one executor call for the given action type.
	Timeout func(actionType string) time.Duration
	Logger  *zap.Logger
}

type executionCoordinator struct {
	actions    repositories.ActionRepository
	intents    IntentRegistry
	guardrails GuardrailEvaluator
	simulation SimulationEngine
	gate       ApprovalGate
	registry   *executors.Registry
	state      *GuardrailState
	retryCfg   *retry.Config
	timeout    func(actionType string) time.Duration
	logger     *zap.Logger
}

// NewExecutionCoordinator creates a new ExecutionCoordinator.
func NewExecutionCoordinator(deps ExecutionCoordinatorDeps) ExecutionCoordinator {
	return &executionCoordinator{
		actions:    deps.Actions,
		intents:    deps.Intents,
		guardrails: deps.Guardrails,
		simulation: deps.Simulation,
		gate:       deps.Gate,
		registry:   deps.Registry,
		state:      deps.State,
		retryCfg:   deps.RetryConfig,
		timeout:    deps.Timeout,
		logger:     deps.Logger.Named("execution-coordinator"),
	}
}

var _ ExecutionCoordinator = (*executionCoordinator)(nil)

func (c *executionCoordinator) ExecuteSequence(ctx context.Context, intent *models.Intent, settings *models.SettingsSnapshot) (SequenceOutcome, error) {
	var outcome SequenceOutcome

	actions, err := c.actions.ListByIntent(ctx, intent.ID)
	if err != nil {
		return outcome, fmt.Errorf("failed to list actions: %w", err)
	}
	if len(actions) == 0 {
		return outcome, nil
	}

	if intent.Status == models.IntentStatusApproved {
		updated, err := c.intents.MarkExecuting(ctx, intent.ID)
		if err != nil {
			return outcome, err
		}
		intent = updated
	}

	completed := 0
	for _, action := range actions {
		switch action.Status {
		case models.ActionStatusCompleted:
			completed++
			continue
		case models.ActionStatusCancelled, models.ActionStatusRolledBack,
			models.ActionStatusFailed, models.ActionStatusSimulationFailed:
			// A halted action blocks everything after it until re-planned.
			outcome.Halted = true
			return outcome, nil
		case models.ActionStatusAwaitingApproval:
			// Parked at the gate. The sequence resumes after the decision.
			outcome.Halted = true
			return outcome, nil
		}

		if action.Status == models.ActionStatusPending {
			triggered, verdict, err := c.gateAction(ctx, action, intent, settings)
			outcome.GuardrailsTriggered += triggered
			if err != nil {
				return outcome, err
			}
			if verdict == VerdictRequireManual {
				outcome.Halted = true
				return outcome, nil
			}
		}

		result, err := c.ExecuteAction(ctx, action, intent, settings)
		if err != nil {
			outcome.Halted = true
			if errors.Is(err, apperrors.ErrSimulationFailed) ||
				errors.Is(err, apperrors.ErrExecutionFailed) ||
				errors.Is(err, apperrors.ErrGuardrailBlocked) {
				// Fail-fast: nothing after this action runs until an operator
				// or a re-plan intervenes.
				return outcome, nil
			}
			return outcome, err
		}
		if result.Status == models.ActionStatusCompleted {
			completed++
		}
	}

	if completed == len(actions) {
		if _, err := c.intents.MarkCompleted(ctx, intent.ID); err != nil {
			return outcome, err
		}
		outcome.Completed = true
	}
	return outcome, nil
}

// gateAction runs guardrails on a pending action and applies the autonomy
// policy. Auto-approved actions proceed immediately; everything else parks at
// awaiting_approval.
func (c *executionCoordinator) gateAction(ctx context.Context, action *models.Action, intent *models.Intent, settings *models.SettingsSnapshot) (int, ApprovalVerdict, error) {
	counters := c.state.Snapshot(rateWindow(settings))
	violations := c.guardrails.Evaluate(action, intent, settings, counters)
	if err := c.guardrails.Persist(ctx, violations); err != nil {
		return 0, VerdictRequireManual, err
	}

	hasBlock := HasBlocking(violations)
	verdict := c.gate.Decide(intent.Priority, hasBlock, settings.AutonomyLevel())
	if action.RequiresApproval || verdict == VerdictRequireManual {
		action.Status = models.ActionStatusAwaitingApproval
		if err := c.actions.Update(ctx, action); err != nil {
			return len(violations), VerdictRequireManual, err
		}
		c.logger.Info("Action awaiting manual approval",
			zap.String("action_id", action.ID.String()),
			zap.Bool("has_block", hasBlock))
		return len(violations), VerdictRequireManual, nil
	}

	actor := models.SystemActor
	now := time.Now()
	action.Status = models.ActionStatusApproved
	action.ApprovedBy = &actor
	action.ApprovedAt = &now
	if err := c.actions.Update(ctx, action); err != nil {
		return len(violations), VerdictRequireManual, err
	}
	return len(violations), VerdictAutoApprove, nil
}

func (c *executionCoordinator) ExecuteAction(ctx context.Context, action *models.Action, intent *models.Intent, settings *models.SettingsSnapshot) (*models.Action, error) {
	if action.Status != models.ActionStatusApproved &&
		action.Status != models.ActionStatusSimulationPassed &&
		action.Status != models.ActionStatusSimulating {
		return nil, fmt.Errorf("%w: cannot execute action in status %s",
			apperrors.ErrInvalidTransition, action.Status)
	}

	// Absolute veto: an unresolved block violation stops execution no matter
	// how the action was approved.
	blocked, err := c.guardrails.HasUnresolvedBlock(ctx, action.ID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, fmt.Errorf("%w: action %s has an unresolved block violation",
			apperrors.ErrGuardrailBlocked, action.ID)
	}

	// An action stranded in simulating never received its verdict; the
	// projection re-runs from scratch instead of erroring every pass.
	stranded := action.Status == models.ActionStatusSimulating

	if !action.HasFreshSimulation() {
		if stranded || c.simulation.Required(settings, action.ActionType) {
			if err := c.simulate(ctx, action, intent, settings); err != nil {
				return action, err
			}
		} else {
			// Bypass path: guardrails still run synchronously.
			counters := c.state.Snapshot(rateWindow(settings))
			violations := c.guardrails.Evaluate(action, intent, settings, counters)
			if err := c.guardrails.Persist(ctx, violations); err != nil {
				return nil, err
			}
			if HasBlocking(violations) {
				return nil, fmt.Errorf("%w: guardrails blocked unsimulated action %s",
					apperrors.ErrGuardrailBlocked, action.ID)
			}
		}
	}

	return c.execute(ctx, action, intent, settings)
}

// simulate runs the dry-run projection and records its verdict on the action.
func (c *executionCoordinator) simulate(ctx context.Context, action *models.Action, intent *models.Intent, settings *models.SettingsSnapshot) error {
	if action.Status != models.ActionStatusSimulating {
		action.Status = models.ActionStatusSimulating
		if err := c.actions.Update(ctx, action); err != nil {
			return err
		}
	}

	counters := c.state.Snapshot(rateWindow(settings))
	result := c.simulation.Simulate(ctx, action, intent, settings, counters)
	action.SimulationResult = result

	if result.Passed {
		action.Status = models.ActionStatusSimulationPassed
		return c.actions.Update(ctx, action)
	}

	action.Status = models.ActionStatusSimulationFailed
	msg := fmt.Sprintf("simulation failed: %d violations, %d risks",
		len(result.Violations), len(result.Risks))
	action.ErrorMessage = &msg
	if err := c.actions.Update(ctx, action); err != nil {
		return err
	}
	return fmt.Errorf("%w: action %s", apperrors.ErrSimulationFailed, action.ID)
}

// execute performs the real side effect under the concurrency semaphore, with
// bounded retries for transient failures and an at-most-once rollback attempt
// after a hard failure.
func (c *executionCoordinator) execute(ctx context.Context, action *models.Action, intent *models.Intent, settings *models.SettingsSnapshot) (*models.Action, error) {
	executor, ok := c.registry.Get(action.ActionType)
	if !ok {
		return nil, fmt.Errorf("%w: no executor registered for %s",
			apperrors.ErrExecutionFailed, action.ActionType)
	}

	// Reserve-or-reject: claiming the slot and checking the limit is one
	// atomic step, so two actions cannot both take the last slot.
	limit := int(settings.Number(models.SettingKeyMaxConcurrent, defaultMaxConcurrent))
	if !c.state.ReserveExecution(limit) {
		actionID := action.ID
		violation := &models.GuardrailViolation{
			ActionID:      &actionID,
			GuardrailType: models.GuardrailTypeConcurrentLimit,
			GuardrailKey:  models.SettingKeyMaxConcurrent,
			Severity:      models.SeverityBlock,
			ViolationDetails: map[string]any{
				"limit": limit,
			},
		}
		if err := c.guardrails.Persist(ctx, []*models.GuardrailViolation{violation}); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: no execution slot available for action %s",
			apperrors.ErrGuardrailBlocked, action.ID)
	}
	defer c.state.ReleaseExecution()

	// Budget and rate follow the same reserve-or-reject discipline: the spend
	// and the window stamp land atomically with their limit checks, so two
	// actions racing for the last of the budget cannot both start.
	ceiling := settings.Number(models.SettingKeyBudgetCeiling, defaultBudgetCeiling)
	cost := actionCost(action)
	if !c.state.ReserveBudget(cost, ceiling) {
		actionID := action.ID
		violation := &models.GuardrailViolation{
			ActionID:      &actionID,
			GuardrailType: models.GuardrailTypeBudget,
			GuardrailKey:  models.SettingKeyBudgetCeiling,
			Severity:      models.SeverityBlock,
			ViolationDetails: map[string]any{
				"action_cost": cost,
				"ceiling":     ceiling,
			},
		}
		if err := c.guardrails.Persist(ctx, []*models.GuardrailViolation{violation}); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: budget ceiling reached for action %s",
			apperrors.ErrGuardrailBlocked, action.ID)
	}

	rateMax := int(settings.Number(models.SettingKeyRateLimitMax, defaultRateLimitMax))
	if !c.state.ReserveRateSlot(rateMax, rateWindow(settings), time.Now()) {
		c.state.RefundBudget(cost)
		actionID := action.ID
		violation := &models.GuardrailViolation{
			ActionID:      &actionID,
			GuardrailType: models.GuardrailTypeRateLimit,
			GuardrailKey:  models.SettingKeyRateLimitMax,
			Severity:      models.SeverityBlock,
			ViolationDetails: map[string]any{
				"limit": rateMax,
			},
		}
		if err := c.guardrails.Persist(ctx, []*models.GuardrailViolation{violation}); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: rate limit reached for action %s",
			apperrors.ErrGuardrailBlocked, action.ID)
	}

	action.Status = models.ActionStatusExecuting
	if err := c.actions.Update(ctx, action); err != nil {
		c.state.RefundBudget(cost)
		return nil, err
	}

	c.logger.Info("Executing action",
		zap.String("action_id", action.ID.String()),
		zap.String("action_type", string(action.ActionType)),
		zap.Any("parameters", logging.SanitizeParams(action.Parameters)))

	var result *models.ExecutionResult
	timeout := c.timeout(string(action.ActionType))
	attempts, execErr := retry.DoIfTransient(ctx, c.retryCfg, func() error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		var err error
		result, err = executor.Execute(callCtx, action)
		return err
	})

	if execErr == nil {
		result.Attempts = attempts
		action.ExecutionResult = result
		action.Status = models.ActionStatusCompleted
		if err := c.actions.Update(ctx, action); err != nil {
			return nil, err
		}
		c.logger.Info("Action completed",
			zap.String("action_id", action.ID.String()),
			zap.Int("attempts", attempts))
		return action, nil
	}

	msg := logging.SanitizeError(execErr)
	action.ErrorMessage = &msg
	action.Status = models.ActionStatusFailed
	if err := c.actions.Update(ctx, action); err != nil {
		return nil, err
	}
	c.logger.Error("Action failed",
		zap.String("action_id", action.ID.String()),
		zap.Int("attempts", attempts),
		zap.Error(execErr))

	c.rollback(ctx, action, executor, execErr)

	return action, fmt.Errorf("%w: action %s: %v", apperrors.ErrExecutionFailed, action.ID, execErr)
}

// rollback invokes the registered inverse at most once. Rollback failure keeps
// the action failed and surfaces both errors in the error message.
func (c *executionCoordinator) rollback(ctx context.Context, action *models.Action, executor executors.Executor, execErr error) {
	rb, ok := executor.(executors.Rollbacker)
	if !ok {
		return
	}

	if rbErr := rb.Rollback(ctx, action); rbErr != nil {
		msg := fmt.Sprintf("execution failed: %s; rollback failed: %s",
			logging.SanitizeError(execErr), logging.SanitizeError(rbErr))
		action.ErrorMessage = &msg
		if err := c.actions.Update(ctx, action); err != nil {
			c.logger.Error("Failed to record rollback failure",
				zap.String("action_id", action.ID.String()),
				zap.Error(err))
		}
		c.logger.Error("Rollback failed",
			zap.String("action_id", action.ID.String()),
			zap.Error(rbErr))
		return
	}

	action.Status = models.ActionStatusRolledBack
	if err := c.actions.Update(ctx, action); err != nil {
		c.logger.Error("Failed to record rollback",
			zap.String("action_id", action.ID.String()),
			zap.Error(err))
		return
	}
	c.logger.Info("Rolled back action", zap.String("action_id", action.ID.String()))
}
