package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter-engine/pkg/apperrors"
	"github.com/arbiterhq/arbiter-engine/pkg/executors"
	"github.com/arbiterhq/arbiter-engine/pkg/models"
	"github.com/arbiterhq/arbiter-engine/pkg/retry"
)

// stubExecutor counts calls and fails with a configured error.
type stubExecutor struct {
	mu        sync.Mutex
	execCalls int
	execErr   error
}

func (s *stubExecutor) Execute(ctx context.Context, action *models.Action) (*models.ExecutionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execCalls++
	if s.execErr != nil {
		return nil, s.execErr
	}
	return &models.ExecutionResult{
		Output:      map[string]any{"applied": true},
		Message:     "done",
		CompletedAt: time.Now(),
	}, nil
}

func (s *stubExecutor) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execCalls
}

// rollbackExecutor adds a counted inverse to stubExecutor.
type rollbackExecutor struct {
	stubExecutor
	rollbackCalls int
	rollbackErr   error
}

var _ executors.Rollbacker = (*rollbackExecutor)(nil)

func (s *rollbackExecutor) Rollback(ctx context.Context, action *models.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbackCalls++
	return s.rollbackErr
}

func (s *rollbackExecutor) rollbacks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbackCalls
}

type coordFixture struct {
	intents     *mockIntentRepo
	actions     *mockActionRepo
	violations  *mockViolationRepo
	registry    IntentRegistry
	guardrails  GuardrailEvaluator
	state       *GuardrailState
	coordinator ExecutionCoordinator
}

func newCoordFixture(t *testing.T, execRegistry *executors.Registry) *coordFixture {
	t.Helper()
	logger := zap.NewNop()
	intents := newMockIntentRepo()
	actions := newMockActionRepo()
	violations := newMockViolationRepo()
	state := NewGuardrailState()

	guardrails := NewGuardrailEvaluator(violations, noopAudit{}, logger)
	simulation := NewSimulationEngine(execRegistry, guardrails, logger)
	gate := NewApprovalGate(actions, noopAudit{}, logger)
	registry := NewIntentRegistry(IntentRegistryDeps{
		Intents:     intents,
		Actions:     actions,
		Audit:       noopAudit{},
		DedupWindow: time.Hour,
		Logger:      logger,
	})

	coordinator := NewExecutionCoordinator(ExecutionCoordinatorDeps{
		Actions:    actions,
		Intents:    registry,
		Guardrails: guardrails,
		Simulation: simulation,
		Gate:       gate,
		Registry:   execRegistry,
		State:      state,
		RetryConfig: &retry.Config{
			MaxRetries:   2,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   1.5,
		},
		Timeout: func(string) time.Duration { return time.Second },
		Logger:  logger,
	})

	return &coordFixture{
		intents:     intents,
		actions:     actions,
		violations:  violations,
		registry:    registry,
		guardrails:  guardrails,
		state:       state,
		coordinator: coordinator,
	}
}

func (f *coordFixture) seedIntent(t *testing.T, status models.IntentStatus) *models.Intent {
	t.Helper()
	intent := &models.Intent{
		IntentType:   models.IntentTypeGapCoverage,
		SourceSignal: "signal",
		Priority:     models.PriorityMedium,
		Status:       status,
	}
	require.NoError(t, f.intents.Create(context.Background(), intent))
	return intent
}

func (f *coordFixture) seedAction(t *testing.T, intent *models.Intent, actionType models.ActionType, status models.ActionStatus, order int) *models.Action {
	t.Helper()
	action := &models.Action{
		IntentID:      intent.ID,
		ActionType:    actionType,
		Status:        status,
		SequenceOrder: order,
	}
	require.NoError(t, f.actions.Create(context.Background(), action))
	return action
}

func TestExecuteSequence_FullAutonomyRunsToCompletion(t *testing.T) {
	exec := &stubExecutor{}
	execRegistry := executors.NewRegistry()
	execRegistry.Register(models.ActionTypeCreateUseCase, exec)
	execRegistry.Register(models.ActionTypeCreateSkeleton, exec)

	f := newCoordFixture(t, execRegistry)
	intent := f.seedIntent(t, models.IntentStatusApproved)
	a1 := f.seedAction(t, intent, models.ActionTypeCreateUseCase, models.ActionStatusPending, 0)
	a2 := f.seedAction(t, intent, models.ActionTypeCreateSkeleton, models.ActionStatusPending, 1)

	settings := snapshotWith(models.AutonomyFullAutonomous)
	outcome, err := f.coordinator.ExecuteSequence(context.Background(), intent, settings)
	require.NoError(t, err)
	assert.True(t, outcome.Completed)
	assert.False(t, outcome.Halted)
	assert.Equal(t, 2, exec.calls())

	for _, planned := range []*models.Action{a1, a2} {
		got, err := f.actions.GetByID(context.Background(), planned.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ActionStatusCompleted, got.Status)
		require.NotNil(t, got.SimulationResult, "simulation must run before execution")
		assert.True(t, got.SimulationResult.Passed)
		require.NotNil(t, got.ApprovedBy)
		assert.Equal(t, models.SystemActor, *got.ApprovedBy)
	}

	gotIntent, err := f.intents.GetByID(context.Background(), intent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IntentStatusCompleted, gotIntent.Status)
}

func TestExecuteSequence_ParksAtGateUnderAdvisory(t *testing.T) {
	execRegistry := executors.NewRegistry()
	execRegistry.Register(models.ActionTypeCreateUseCase, &stubExecutor{})

	f := newCoordFixture(t, execRegistry)
	intent := f.seedIntent(t, models.IntentStatusApproved)
	action := f.seedAction(t, intent, models.ActionTypeCreateUseCase, models.ActionStatusPending, 0)

	settings := snapshotWith(models.AutonomyAdvisory)
	outcome, err := f.coordinator.ExecuteSequence(context.Background(), intent, settings)
	require.NoError(t, err)
	assert.True(t, outcome.Halted)
	assert.False(t, outcome.Completed)

	got, err := f.actions.GetByID(context.Background(), action.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusAwaitingApproval, got.Status)
	assert.Nil(t, got.ApprovedBy)
}

func TestExecuteSequence_SimulationFailureHaltsLaterActions(t *testing.T) {
	exec := &stubExecutor{}
	execRegistry := executors.NewRegistry()
	execRegistry.Register(models.ActionTypeCreateUseCase, exec)
	// adjust_threshold stays unregistered so its projection fails.
	execRegistry.Register(models.ActionTypeGenerateReport, exec)

	f := newCoordFixture(t, execRegistry)
	intent := f.seedIntent(t, models.IntentStatusApproved)
	a1 := f.seedAction(t, intent, models.ActionTypeCreateUseCase, models.ActionStatusPending, 0)
	a2 := f.seedAction(t, intent, models.ActionTypeAdjustThreshold, models.ActionStatusPending, 1)
	a3 := f.seedAction(t, intent, models.ActionTypeGenerateReport, models.ActionStatusPending, 2)

	settings := snapshotWith(models.AutonomySemiAutonomous)
	outcome, err := f.coordinator.ExecuteSequence(context.Background(), intent, settings)
	require.NoError(t, err)
	assert.True(t, outcome.Halted)

	got1, err := f.actions.GetByID(context.Background(), a1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusCompleted, got1.Status, "the action before the failure keeps its result")

	got2, err := f.actions.GetByID(context.Background(), a2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusSimulationFailed, got2.Status)
	require.NotNil(t, got2.SimulationResult)
	assert.False(t, got2.SimulationResult.Passed)
	assert.NotNil(t, got2.ErrorMessage)

	got3, err := f.actions.GetByID(context.Background(), a3.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusPending, got3.Status, "nothing after the failure may run")
	assert.Equal(t, 1, exec.calls())

	// A halted sequence stays halted until someone re-plans.
	current, err := f.registry.Get(context.Background(), intent.ID)
	require.NoError(t, err)
	outcome, err = f.coordinator.ExecuteSequence(context.Background(), current, settings)
	require.NoError(t, err)
	assert.True(t, outcome.Halted)
	assert.Equal(t, 1, exec.calls())
}

func TestExecuteAction_UnresolvedBlockVetoes(t *testing.T) {
	execRegistry := executors.NewRegistry()
	execRegistry.Register(models.ActionTypeCreateUseCase, &stubExecutor{})

	f := newCoordFixture(t, execRegistry)
	intent := f.seedIntent(t, models.IntentStatusExecuting)
	action := f.seedAction(t, intent, models.ActionTypeCreateUseCase, models.ActionStatusApproved, 0)

	actionID := action.ID
	require.NoError(t, f.violations.Create(context.Background(), &models.GuardrailViolation{
		ActionID:      &actionID,
		GuardrailType: models.GuardrailTypeBudget,
		GuardrailKey:  models.SettingKeyBudgetCeiling,
		Severity:      models.SeverityBlock,
	}))

	_, err := f.coordinator.ExecuteAction(context.Background(), action, intent, snapshotWith(models.AutonomyFullAutonomous))
	assert.ErrorIs(t, err, apperrors.ErrGuardrailBlocked)

	got, err := f.actions.GetByID(context.Background(), action.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusApproved, got.Status, "a vetoed action never starts")
}

func TestExecuteAction_NoFreeSlotRejectsBeforeExecuting(t *testing.T) {
	exec := &stubExecutor{}
	execRegistry := executors.NewRegistry()
	execRegistry.Register(models.ActionTypeCreateUseCase, exec)

	f := newCoordFixture(t, execRegistry)
	intent := f.seedIntent(t, models.IntentStatusExecuting)
	action := f.seedAction(t, intent, models.ActionTypeCreateUseCase, models.ActionStatusApproved, 0)

	// A fresh passed simulation lets the action go straight to the semaphore.
	action.SimulationResult = &models.SimulationResult{
		Passed:         true,
		ParamsRevision: action.ParamsRevision,
		SimulatedAt:    time.Now(),
	}
	require.NoError(t, f.actions.Update(context.Background(), action))

	settings := snapshotWith(models.AutonomyFullAutonomous,
		numberSetting(models.SettingKeyMaxConcurrent, 1, models.SettingCategoryGuardrails),
	)
	require.True(t, f.state.ReserveExecution(1), "occupy the only slot")

	_, err := f.coordinator.ExecuteAction(context.Background(), action, intent, settings)
	assert.ErrorIs(t, err, apperrors.ErrGuardrailBlocked)
	assert.Equal(t, 0, exec.calls())

	got, err := f.actions.GetByID(context.Background(), action.ID)
	require.NoError(t, err)
	assert.NotEqual(t, models.ActionStatusExecuting, got.Status)

	persisted, err := f.violations.ListByAction(context.Background(), action.ID, true)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, models.GuardrailTypeConcurrentLimit, persisted[0].GuardrailType)
}

func TestExecuteAction_BudgetCeilingRejectsAtStart(t *testing.T) {
	exec := &stubExecutor{}
	execRegistry := executors.NewRegistry()
	execRegistry.Register(models.ActionTypeCreateUseCase, exec)

	f := newCoordFixture(t, execRegistry)
	settings := snapshotWith(models.AutonomyFullAutonomous,
		numberSetting(models.SettingKeyBudgetCeiling, 100, models.SettingCategoryGuardrails),
	)

	// Both actions carry fresh passed simulations taken while nothing was
	// spent, so the ceiling must hold at execution time, not projection time.
	seed := func() (*models.Intent, *models.Action) {
		intent := f.seedIntent(t, models.IntentStatusExecuting)
		action := &models.Action{
			IntentID:   intent.ID,
			ActionType: models.ActionTypeCreateUseCase,
			Status:     models.ActionStatusApproved,
			Parameters: map[string]any{"estimated_cost": 60.0},
		}
		require.NoError(t, f.actions.Create(context.Background(), action))
		action.SimulationResult = &models.SimulationResult{
			Passed:         true,
			ParamsRevision: action.ParamsRevision,
			SimulatedAt:    time.Now(),
		}
		require.NoError(t, f.actions.Update(context.Background(), action))
		return intent, action
	}
	intent1, a1 := seed()
	intent2, a2 := seed()

	result, err := f.coordinator.ExecuteAction(context.Background(), a1, intent1, settings)
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusCompleted, result.Status)

	_, err = f.coordinator.ExecuteAction(context.Background(), a2, intent2, settings)
	assert.ErrorIs(t, err, apperrors.ErrGuardrailBlocked)
	assert.Equal(t, 1, exec.calls(), "the second spend would cross the ceiling")
	assert.Equal(t, 60.0, f.state.Snapshot(time.Hour).BudgetSpent)

	persisted, err := f.violations.ListByAction(context.Background(), a2.ID, true)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, models.GuardrailTypeBudget, persisted[0].GuardrailType)

	got, err := f.actions.GetByID(context.Background(), a2.ID)
	require.NoError(t, err)
	assert.NotEqual(t, models.ActionStatusExecuting, got.Status)
}

func TestExecuteAction_RateWindowComesFromSettings(t *testing.T) {
	exec := &stubExecutor{}
	execRegistry := executors.NewRegistry()
	execRegistry.Register(models.ActionTypeGenerateReport, exec)

	f := newCoordFixture(t, execRegistry)
	intent := f.seedIntent(t, models.IntentStatusExecuting)
	a1 := f.seedAction(t, intent, models.ActionTypeGenerateReport, models.ActionStatusApproved, 0)
	a2 := f.seedAction(t, intent, models.ActionTypeGenerateReport, models.ActionStatusApproved, 1)

	// One execution already landed ten seconds ago.
	require.True(t, f.state.ReserveRateSlot(0, time.Hour, time.Now().Add(-10*time.Second)))

	wide := snapshotWith(models.AutonomyFullAutonomous,
		numberSetting(models.SettingKeyRateLimitMax, 1, models.SettingCategoryGuardrails),
		numberSetting(models.SettingKeyRateLimitWindow, 60, models.SettingCategoryGuardrails),
	)
	_, err := f.coordinator.ExecuteAction(context.Background(), a1, intent, wide)
	assert.ErrorIs(t, err, apperrors.ErrGuardrailBlocked, "the stamp sits inside a 60s window")
	assert.Equal(t, 0, exec.calls())

	persisted, err := f.violations.ListByAction(context.Background(), a1.ID, true)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, models.GuardrailTypeRateLimit, persisted[0].GuardrailType)

	narrow := snapshotWith(models.AutonomyFullAutonomous,
		numberSetting(models.SettingKeyRateLimitMax, 1, models.SettingCategoryGuardrails),
		numberSetting(models.SettingKeyRateLimitWindow, 5, models.SettingCategoryGuardrails),
	)
	result, err := f.coordinator.ExecuteAction(context.Background(), a2, intent, narrow)
	require.NoError(t, err, "a 5s window has already forgotten the stamp")
	assert.Equal(t, models.ActionStatusCompleted, result.Status)
}

func TestExecuteSequence_RecoversActionStrandedInSimulating(t *testing.T) {
	exec := &stubExecutor{}
	execRegistry := executors.NewRegistry()
	execRegistry.Register(models.ActionTypeCreateUseCase, exec)

	f := newCoordFixture(t, execRegistry)
	intent := f.seedIntent(t, models.IntentStatusExecuting)
	// A crash mid-simulation leaves the action with no verdict recorded.
	action := f.seedAction(t, intent, models.ActionTypeCreateUseCase, models.ActionStatusSimulating, 0)

	settings := snapshotWith(models.AutonomyFullAutonomous)
	outcome, err := f.coordinator.ExecuteSequence(context.Background(), intent, settings)
	require.NoError(t, err)
	assert.True(t, outcome.Completed)

	got, err := f.actions.GetByID(context.Background(), action.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusCompleted, got.Status)
	require.NotNil(t, got.SimulationResult, "the projection re-ran before execution")
	assert.True(t, got.SimulationResult.Passed)
	assert.Equal(t, 1, exec.calls())
}

func TestExecuteSequence_RequiresApprovalParksUnderFullAutonomy(t *testing.T) {
	execRegistry := executors.NewRegistry()
	execRegistry.Register(models.ActionTypeDeployAgent, &stubExecutor{})

	f := newCoordFixture(t, execRegistry)
	intent := f.seedIntent(t, models.IntentStatusApproved)
	action := f.seedAction(t, intent, models.ActionTypeDeployAgent, models.ActionStatusPending, 0)
	action.RequiresApproval = true
	require.NoError(t, f.actions.Update(context.Background(), action))

	outcome, err := f.coordinator.ExecuteSequence(context.Background(), intent, snapshotWith(models.AutonomyFullAutonomous))
	require.NoError(t, err)
	assert.True(t, outcome.Halted)

	got, err := f.actions.GetByID(context.Background(), action.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusAwaitingApproval, got.Status,
		"an action flagged for review waits for an operator at any autonomy level")
}

func TestExecuteAction_TransientFailureRetriesThenRollsBack(t *testing.T) {
	exec := &rollbackExecutor{}
	exec.execErr = retry.Transient(errors.New("connection refused"))
	execRegistry := executors.NewRegistry()
	execRegistry.Register(models.ActionTypeDeployAgent, exec)

	f := newCoordFixture(t, execRegistry)
	intent := f.seedIntent(t, models.IntentStatusExecuting)
	action := f.seedAction(t, intent, models.ActionTypeDeployAgent, models.ActionStatusApproved, 0)

	_, err := f.coordinator.ExecuteAction(context.Background(), action, intent, snapshotWith(models.AutonomyFullAutonomous))
	assert.ErrorIs(t, err, apperrors.ErrExecutionFailed)
	assert.Equal(t, 3, exec.calls(), "initial attempt plus two retries")
	assert.Equal(t, 1, exec.rollbacks(), "rollback runs exactly once")

	got, err := f.actions.GetByID(context.Background(), action.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusRolledBack, got.Status)
	assert.NotNil(t, got.ErrorMessage)
}

func TestExecuteAction_RollbackFailureKeepsFailedStatus(t *testing.T) {
	exec := &rollbackExecutor{rollbackErr: errors.New("inverse not applicable")}
	exec.execErr = retry.Permanent(errors.New("target missing"))
	execRegistry := executors.NewRegistry()
	execRegistry.Register(models.ActionTypeDeployAgent, exec)

	f := newCoordFixture(t, execRegistry)
	intent := f.seedIntent(t, models.IntentStatusExecuting)
	action := f.seedAction(t, intent, models.ActionTypeDeployAgent, models.ActionStatusApproved, 0)

	_, err := f.coordinator.ExecuteAction(context.Background(), action, intent, snapshotWith(models.AutonomyFullAutonomous))
	assert.ErrorIs(t, err, apperrors.ErrExecutionFailed)
	assert.Equal(t, 1, exec.calls(), "permanent errors are not retried")
	assert.Equal(t, 1, exec.rollbacks())

	got, err := f.actions.GetByID(context.Background(), action.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "rollback failed")
}

func TestExecuteAction_LowRiskBypassSkipsSimulation(t *testing.T) {
	exec := &stubExecutor{}
	execRegistry := executors.NewRegistry()
	execRegistry.Register(models.ActionTypeGenerateReport, exec)

	f := newCoordFixture(t, execRegistry)
	intent := f.seedIntent(t, models.IntentStatusExecuting)
	action := f.seedAction(t, intent, models.ActionTypeGenerateReport, models.ActionStatusApproved, 0)

	result, err := f.coordinator.ExecuteAction(context.Background(), action, intent, snapshotWith(models.AutonomyFullAutonomous))
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusCompleted, result.Status)
	assert.Nil(t, result.SimulationResult, "the low-risk bypass records no simulation")
	assert.Equal(t, 1, exec.calls())
}

func TestExecuteAction_InvalidStartingStatus(t *testing.T) {
	execRegistry := executors.NewRegistry()
	f := newCoordFixture(t, execRegistry)
	intent := f.seedIntent(t, models.IntentStatusExecuting)
	action := f.seedAction(t, intent, models.ActionTypeCreateUseCase, models.ActionStatusPending, 0)

	_, err := f.coordinator.ExecuteAction(context.Background(), action, intent, snapshotWith(models.AutonomyFullAutonomous))
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestConcurrentApproval_OneWinsOneConflicts(t *testing.T) {
	actions := newMockActionRepo()
	gate := NewApprovalGate(actions, noopAudit{}, zap.NewNop())

	action := &models.Action{
		ActionType: models.ActionTypeDeployAgent,
		Status:     models.ActionStatusAwaitingApproval,
	}
	require.NoError(t, actions.Create(context.Background(), action))

	// Rendezvous after the read so both approvers hold the same version.
	var barrier sync.WaitGroup
	barrier.Add(2)
	actions.afterGet = func() {
		barrier.Done()
		barrier.Wait()
	}

	results := make(chan error, 2)
	for _, operator := range []string{"alice@example.com", "bob@example.com"} {
		go func(who string) {
			ctx := models.WithManualActor(context.Background(), who)
			_, err := gate.ApproveAction(ctx, action.ID)
			results <- err
		}(operator)
	}

	var errs []error
	for i := 0; i < 2; i++ {
		errs = append(errs, <-results)
	}

	conflicts, successes := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, apperrors.ErrConcurrencyConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)

	actions.afterGet = nil
	got, err := actions.GetByID(context.Background(), action.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusApproved, got.Status)
	assert.NotNil(t, got.ApprovedBy)
}
