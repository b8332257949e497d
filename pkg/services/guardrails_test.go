package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter-engine/pkg/models"
)

func guardrailSettings(extra ...models.Setting) *models.SettingsSnapshot {
	return snapshotWith(models.AutonomySemiAutonomous, extra...)
}

func scopedIntent(confidence float64) *models.Intent {
	return &models.Intent{
		IntentType:       models.IntentTypeGapCoverage,
		Priority:         models.PriorityMedium,
		ConfidenceScore:  confidence,
		Status:           models.IntentStatusApproved,
		ScopeEntityTypes: []string{"use_case", "agent"},
	}
}

func TestGuardrails_Evaluate(t *testing.T) {
	evaluator := NewGuardrailEvaluator(newMockViolationRepo(), noopAudit{}, zap.NewNop())

	tests := []struct {
		name      string
		action    *models.Action
		intent    *models.Intent
		settings  *models.SettingsSnapshot
		counters  GuardrailCounters
		wantTypes []models.GuardrailType
		wantBlock bool
	}{
		{
			name:     "clean action",
			action:   &models.Action{ActionType: models.ActionTypeCreateUseCase, TargetEntityType: "use_case"},
			intent:   scopedIntent(0.8),
			settings: guardrailSettings(),
		},
		{
			name:   "budget ceiling exceeded",
			action: &models.Action{ActionType: models.ActionTypeCreateUseCase, TargetEntityType: "use_case"},
			intent: scopedIntent(0.8),
			settings: guardrailSettings(
				numberSetting(models.SettingKeyBudgetCeiling, 10, models.SettingCategoryGuardrails),
			),
			counters:  GuardrailCounters{BudgetSpent: 9.5},
			wantTypes: []models.GuardrailType{models.GuardrailTypeBudget},
			wantBlock: true,
		},
		{
			name:   "concurrency ceiling reached",
			action: &models.Action{ActionType: models.ActionTypeCreateUseCase, TargetEntityType: "use_case"},
			intent: scopedIntent(0.8),
			settings: guardrailSettings(
				numberSetting(models.SettingKeyMaxConcurrent, 2, models.SettingCategoryGuardrails),
			),
			counters:  GuardrailCounters{ExecutingNow: 2},
			wantTypes: []models.GuardrailType{models.GuardrailTypeConcurrentLimit},
			wantBlock: true,
		},
		{
			name:   "rate limit reached",
			action: &models.Action{ActionType: models.ActionTypeCreateUseCase, TargetEntityType: "use_case"},
			intent: scopedIntent(0.8),
			settings: guardrailSettings(
				numberSetting(models.SettingKeyRateLimitMax, 5, models.SettingCategoryGuardrails),
			),
			counters:  GuardrailCounters{ActionsInWindow: 5},
			wantTypes: []models.GuardrailType{models.GuardrailTypeRateLimit},
			wantBlock: true,
		},
		{
			name:      "target outside declared scope",
			action:    &models.Action{ActionType: models.ActionTypeCreateUseCase, TargetEntityType: "threshold"},
			intent:    scopedIntent(0.8),
			settings:  guardrailSettings(),
			wantTypes: []models.GuardrailType{models.GuardrailTypeScopeLock},
			wantBlock: true,
		},
		{
			name:      "taxonomy mutation outside scope",
			action:    &models.Action{ActionType: models.ActionTypeAddTaxonomyNode, TargetEntityType: "taxonomy"},
			intent:    scopedIntent(0.8),
			settings:  guardrailSettings(),
			wantTypes: []models.GuardrailType{models.GuardrailTypeTaxonomyBoundary},
			wantBlock: true,
		},
		{
			name:   "production lock engaged",
			action: &models.Action{ActionType: models.ActionTypeDeployAgent, TargetEntityType: "agent"},
			intent: scopedIntent(0.8),
			settings: guardrailSettings(
				toggleSetting(models.SettingKeyProductionLock, true, models.SettingCategoryGuardrails),
			),
			wantTypes: []models.GuardrailType{models.GuardrailTypeProductionLock},
			wantBlock: true,
		},
		{
			name:      "low confidence warns without blocking",
			action:    &models.Action{ActionType: models.ActionTypeCreateUseCase, TargetEntityType: "use_case"},
			intent:    scopedIntent(0.3),
			settings:  guardrailSettings(),
			wantTypes: []models.GuardrailType{models.GuardrailTypeRisk},
		},
		{
			name:   "high drift warns without blocking",
			action: &models.Action{ActionType: models.ActionTypeAdjustThreshold, TargetEntityType: "use_case"},
			intent: func() *models.Intent {
				i := scopedIntent(0.8)
				i.IntentType = models.IntentTypeDriftRemediation
				i.Context = map[string]any{"drift_score": 0.9}
				return i
			}(),
			settings:  guardrailSettings(),
			wantTypes: []models.GuardrailType{models.GuardrailTypeDrift},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			violations := evaluator.Evaluate(tt.action, tt.intent, tt.settings, tt.counters)

			var gotTypes []models.GuardrailType
			for _, v := range violations {
				gotTypes = append(gotTypes, v.GuardrailType)
			}
			assert.Equal(t, tt.wantTypes, gotTypes)
			assert.Equal(t, tt.wantBlock, HasBlocking(violations))
		})
	}
}

func TestGuardrails_Evaluate_Deterministic(t *testing.T) {
	evaluator := NewGuardrailEvaluator(newMockViolationRepo(), noopAudit{}, zap.NewNop())

	action := &models.Action{
		ActionType:       models.ActionTypeDeployAgent,
		TargetEntityType: "agent",
		Parameters:       map[string]any{"estimated_cost": 20.0},
	}
	intent := scopedIntent(0.3)
	settings := guardrailSettings(
		numberSetting(models.SettingKeyBudgetCeiling, 25, models.SettingCategoryGuardrails),
		toggleSetting(models.SettingKeyProductionLock, true, models.SettingCategoryGuardrails),
	)
	counters := GuardrailCounters{ExecutingNow: 1, BudgetSpent: 10, ActionsInWindow: 3}

	first := evaluator.Evaluate(action, intent, settings, counters)
	second := evaluator.Evaluate(action, intent, settings, counters)
	assert.Equal(t, first, second, "identical inputs must produce the identical violation list")
}

func TestGuardrails_EvaluateUsesDeclaredCost(t *testing.T) {
	evaluator := NewGuardrailEvaluator(newMockViolationRepo(), noopAudit{}, zap.NewNop())
	settings := guardrailSettings(
		numberSetting(models.SettingKeyBudgetCeiling, 50, models.SettingCategoryGuardrails),
	)
	intent := scopedIntent(0.8)

	cheap := &models.Action{
		ActionType:       models.ActionTypeCreateUseCase,
		TargetEntityType: "use_case",
		Parameters:       map[string]any{"estimated_cost": 1.0},
	}
	expensive := &models.Action{
		ActionType:       models.ActionTypeCreateUseCase,
		TargetEntityType: "use_case",
		Parameters:       map[string]any{"estimated_cost": 30.0},
	}
	counters := GuardrailCounters{BudgetSpent: 45}

	assert.Empty(t, evaluator.Evaluate(cheap, intent, settings, counters))
	blocked := evaluator.Evaluate(expensive, intent, settings, counters)
	require.Len(t, blocked, 1)
	assert.Equal(t, models.GuardrailTypeBudget, blocked[0].GuardrailType)
}

func TestGuardrails_PersistAndResolve(t *testing.T) {
	repo := newMockViolationRepo()
	audit := &recordingAudit{}
	evaluator := NewGuardrailEvaluator(repo, audit, zap.NewNop())

	action := &models.Action{ID: uuid.New(), ActionType: models.ActionTypeDeployAgent, TargetEntityType: "agent"}
	intent := scopedIntent(0.8)
	settings := guardrailSettings(
		toggleSetting(models.SettingKeyProductionLock, true, models.SettingCategoryGuardrails),
	)

	violations := evaluator.Evaluate(action, intent, settings, GuardrailCounters{})
	require.Len(t, violations, 1)
	require.NoError(t, evaluator.Persist(context.Background(), violations))

	blocked, err := evaluator.HasUnresolvedBlock(context.Background(), action.ID)
	require.NoError(t, err)
	assert.True(t, blocked)

	ctx := models.WithManualActor(context.Background(), "operator@example.com")
	resolved, err := evaluator.Resolve(ctx, violations[0].ID)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	require.NotNil(t, resolved.ResolvedBy)
	assert.Equal(t, "operator@example.com", *resolved.ResolvedBy)

	blocked, err = evaluator.HasUnresolvedBlock(context.Background(), action.ID)
	require.NoError(t, err)
	assert.False(t, blocked)

	entries := audit.recorded()
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditEntityTypeViolation, entries[0].EntityType)
	assert.Equal(t, models.SourceManual, entries[0].Source)
}

func TestGuardrailState_ReserveExecution_RaceForLastSlot(t *testing.T) {
	state := NewGuardrailState()
	const limit = 3
	const contenders = 12

	var wg sync.WaitGroup
	results := make(chan bool, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- state.ReserveExecution(limit)
		}()
	}
	wg.Wait()
	close(results)

	won := 0
	for ok := range results {
		if ok {
			won++
		}
	}
	assert.Equal(t, limit, won, "exactly limit reservations may win")

	state.ReleaseExecution()
	assert.True(t, state.ReserveExecution(limit), "a released slot is reusable")
}

func TestGuardrailState_SnapshotCompactsWindow(t *testing.T) {
	state := NewGuardrailState()
	now := time.Now()
	// Limit zero disables the check, so every stamp lands.
	require.True(t, state.ReserveRateSlot(0, time.Hour, now.Add(-2*time.Hour)))
	require.True(t, state.ReserveRateSlot(0, time.Hour, now.Add(-30*time.Minute)))
	require.True(t, state.ReserveRateSlot(0, time.Hour, now))
	require.True(t, state.ReserveBudget(7, 0))

	counters := state.Snapshot(time.Hour)
	assert.Equal(t, 2, counters.ActionsInWindow)
	assert.Equal(t, 7.0, counters.BudgetSpent)
	assert.Equal(t, 0, counters.ExecutingNow)
}

func TestGuardrailState_ReserveBudget_RaceForCeiling(t *testing.T) {
	state := NewGuardrailState()
	const ceiling = 100.0
	const cost = 60.0

	var wg sync.WaitGroup
	results := make(chan bool, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- state.ReserveBudget(cost, ceiling)
		}()
	}
	wg.Wait()
	close(results)

	won := 0
	for ok := range results {
		if ok {
			won++
		}
	}
	assert.Equal(t, 1, won, "only one spend fits under the ceiling")
	assert.Equal(t, cost, state.Snapshot(time.Hour).BudgetSpent)

	state.RefundBudget(cost)
	assert.True(t, state.ReserveBudget(cost, ceiling), "a refunded spend frees the ceiling")
}

func TestGuardrailState_ReserveRateSlot_ExpiredStampsFreeTheWindow(t *testing.T) {
	state := NewGuardrailState()
	now := time.Now()
	require.True(t, state.ReserveRateSlot(1, time.Hour, now.Add(-30*time.Minute)))

	assert.False(t, state.ReserveRateSlot(1, time.Hour, now), "the window is full")
	assert.True(t, state.ReserveRateSlot(1, 10*time.Minute, now), "a shorter window ignores the old stamp")
}
