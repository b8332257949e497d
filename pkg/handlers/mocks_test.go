package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter-engine/pkg/apperrors"
	"github.com/arbiterhq/arbiter-engine/pkg/models"
	"github.com/arbiterhq/arbiter-engine/pkg/repositories"
	"github.com/arbiterhq/arbiter-engine/pkg/services"
)

// mockIntentRegistry implements services.IntentRegistry for handler testing.
type mockIntentRegistry struct {
	intents   map[uuid.UUID]*models.Intent
	ingested  *models.Intent
	created   bool
	decideErr error
	lastActor models.ActorContext
}

var _ services.IntentRegistry = (*mockIntentRegistry)(nil)

func newMockIntentRegistry(intents ...*models.Intent) *mockIntentRegistry {
	m := &mockIntentRegistry{intents: make(map[uuid.UUID]*models.Intent), created: true}
	for _, i := range intents {
		m.intents[i.ID] = i
	}
	return m
}

func (m *mockIntentRegistry) Ingest(ctx context.Context, req services.IngestRequest) (*models.Intent, bool, error) {
	m.lastActor = models.ActorOrSystem(ctx)
	if !models.IsValidIntentType(req.IntentType) {
		return nil, false, errors.New("unknown intent type")
	}
	if m.ingested == nil {
		m.ingested = &models.Intent{
			ID:           uuid.New(),
			IntentType:   req.IntentType,
			SourceSignal: req.SourceSignal,
			Status:       models.IntentStatusDetected,
			Version:      1,
			CreatedAt:    time.Now(),
			UpdatedAt:    time.Now(),
		}
	}
	return m.ingested, m.created, nil
}

func (m *mockIntentRegistry) Evaluate(_ context.Context, intentID uuid.UUID) (*models.Intent, error) {
	return m.get(intentID)
}

func (m *mockIntentRegistry) Decide(ctx context.Context, intentID uuid.UUID, decision services.IntentDecision, reason string) (*models.Intent, error) {
	m.lastActor = models.ActorOrSystem(ctx)
	if m.decideErr != nil {
		return nil, m.decideErr
	}
	intent, err := m.get(intentID)
	if err != nil {
		return nil, err
	}
	switch decision {
	case services.IntentDecisionApprove:
		intent.Status = models.IntentStatusApproved
	case services.IntentDecisionReject:
		intent.Status = models.IntentStatusRejected
	}
	if reason != "" {
		intent.DecisionReason = &reason
	}
	actor := m.lastActor.Actor
	intent.DecidedBy = &actor
	return intent, nil
}

func (m *mockIntentRegistry) MarkExecuting(_ context.Context, intentID uuid.UUID) (*models.Intent, error) {
	return m.get(intentID)
}

func (m *mockIntentRegistry) MarkCompleted(_ context.Context, intentID uuid.UUID) (*models.Intent, error) {
	return m.get(intentID)
}

func (m *mockIntentRegistry) MarkFailed(_ context.Context, intentID uuid.UUID, _ string) (*models.Intent, error) {
	return m.get(intentID)
}

func (m *mockIntentRegistry) Expire(_ context.Context) (int, error) { return 0, nil }

func (m *mockIntentRegistry) List(_ context.Context, status models.IntentStatus, limit int) ([]*models.Intent, error) {
	var out []*models.Intent
	for _, i := range m.intents {
		if status != "" && i.Status != status {
			continue
		}
		out = append(out, i)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockIntentRegistry) ListReady(_ context.Context, _ int) ([]*models.Intent, error) {
	return nil, nil
}

func (m *mockIntentRegistry) Get(_ context.Context, intentID uuid.UUID) (*models.Intent, error) {
	return m.get(intentID)
}

func (m *mockIntentRegistry) get(intentID uuid.UUID) (*models.Intent, error) {
	intent, ok := m.intents[intentID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return intent, nil
}

// mockActionStore implements repositories.ActionRepository for handler testing.
type mockActionStore struct {
	actions map[uuid.UUID]*models.Action
}

var _ repositories.ActionRepository = (*mockActionStore)(nil)

func newMockActionStore(actions ...*models.Action) *mockActionStore {
	m := &mockActionStore{actions: make(map[uuid.UUID]*models.Action)}
	for _, a := range actions {
		m.actions[a.ID] = a
	}
	return m
}

func (m *mockActionStore) Create(_ context.Context, action *models.Action) error {
	m.actions[action.ID] = action
	return nil
}

func (m *mockActionStore) CreateBatch(_ context.Context, actions []*models.Action) error {
	for _, a := range actions {
		m.actions[a.ID] = a
	}
	return nil
}

func (m *mockActionStore) GetByID(_ context.Context, id uuid.UUID) (*models.Action, error) {
	action, ok := m.actions[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return action, nil
}

func (m *mockActionStore) ListByIntent(_ context.Context, intentID uuid.UUID) ([]*models.Action, error) {
	var out []*models.Action
	for _, a := range m.actions {
		if a.IntentID == intentID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockActionStore) ListByStatus(_ context.Context, status models.ActionStatus, limit int) ([]*models.Action, error) {
	var out []*models.Action
	for _, a := range m.actions {
		if a.Status != status {
			continue
		}
		out = append(out, a)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockActionStore) Update(_ context.Context, action *models.Action) error {
	m.actions[action.ID] = action
	return nil
}

func (m *mockActionStore) CountByStatus(_ context.Context) (map[models.ActionStatus]int, error) {
	counts := make(map[models.ActionStatus]int)
	for _, a := range m.actions {
		counts[a.Status]++
	}
	return counts, nil
}

func (m *mockActionStore) CountCompletedSince(_ context.Context, cutoff time.Time) (int, error) {
	count := 0
	for _, a := range m.actions {
		if a.Status == models.ActionStatusCompleted && !a.UpdatedAt.Before(cutoff) {
			count++
		}
	}
	return count, nil
}

// mockApprovalGate implements services.ApprovalGate for handler testing.
type mockApprovalGate struct {
	actions    map[uuid.UUID]*models.Action
	approveErr error
	rejectErr  error
	lastActor  models.ActorContext
	lastReason string
}

var _ services.ApprovalGate = (*mockApprovalGate)(nil)

func (m *mockApprovalGate) Decide(_ models.Priority, hasBlock bool, _ models.AutonomyLevel) services.ApprovalVerdict {
	if hasBlock {
		return services.VerdictRequireManual
	}
	return services.VerdictAutoApprove
}

func (m *mockApprovalGate) ApproveAction(ctx context.Context, actionID uuid.UUID) (*models.Action, error) {
	m.lastActor = models.ActorOrSystem(ctx)
	if m.approveErr != nil {
		return nil, m.approveErr
	}
	action, ok := m.actions[actionID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	action.Status = models.ActionStatusApproved
	actor := m.lastActor.Actor
	action.ApprovedBy = &actor
	return action, nil
}

func (m *mockApprovalGate) RejectAction(ctx context.Context, actionID uuid.UUID, reason string) (*models.Action, error) {
	m.lastActor = models.ActorOrSystem(ctx)
	m.lastReason = reason
	if m.rejectErr != nil {
		return nil, m.rejectErr
	}
	action, ok := m.actions[actionID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	action.Status = models.ActionStatusFailed
	return action, nil
}

// mockActionPlanner implements services.ActionPlanner for handler testing.
type mockActionPlanner struct {
	actions   map[uuid.UUID]*models.Action
	replanErr error
}

var _ services.ActionPlanner = (*mockActionPlanner)(nil)

func (m *mockActionPlanner) Derive(_ context.Context, _ uuid.UUID) ([]*models.Action, error) {
	return nil, nil
}

func (m *mockActionPlanner) Replan(_ context.Context, actionID uuid.UUID, parameters map[string]any) (*models.Action, error) {
	if m.replanErr != nil {
		return nil, m.replanErr
	}
	action, ok := m.actions[actionID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	action.Status = models.ActionStatusPending
	action.Parameters = parameters
	action.ParamsRevision++
	return action, nil
}

// mockGuardrails implements services.GuardrailEvaluator for handler testing.
type mockGuardrails struct {
	violations map[uuid.UUID]*models.GuardrailViolation
	resolveErr error
	lastActor  models.ActorContext
}

var _ services.GuardrailEvaluator = (*mockGuardrails)(nil)

func newMockGuardrails(violations ...*models.GuardrailViolation) *mockGuardrails {
	m := &mockGuardrails{violations: make(map[uuid.UUID]*models.GuardrailViolation)}
	for _, v := range violations {
		m.violations[v.ID] = v
	}
	return m
}

func (m *mockGuardrails) Evaluate(_ *models.Action, _ *models.Intent, _ *models.SettingsSnapshot, _ services.GuardrailCounters) []*models.GuardrailViolation {
	return nil
}

func (m *mockGuardrails) Persist(_ context.Context, violations []*models.GuardrailViolation) error {
	for _, v := range violations {
		m.violations[v.ID] = v
	}
	return nil
}

func (m *mockGuardrails) Resolve(ctx context.Context, violationID uuid.UUID) (*models.GuardrailViolation, error) {
	m.lastActor = models.ActorOrSystem(ctx)
	if m.resolveErr != nil {
		return nil, m.resolveErr
	}
	violation, ok := m.violations[violationID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	now := time.Now()
	violation.Resolved = true
	violation.ResolvedAt = &now
	actor := m.lastActor.Actor
	violation.ResolvedBy = &actor
	return violation, nil
}

func (m *mockGuardrails) HasUnresolvedBlock(_ context.Context, _ uuid.UUID) (bool, error) {
	return false, nil
}

func (m *mockGuardrails) ListByAction(_ context.Context, actionID uuid.UUID, unresolvedOnly bool) ([]*models.GuardrailViolation, error) {
	var out []*models.GuardrailViolation
	for _, v := range m.violations {
		if v.ActionID == nil || *v.ActionID != actionID {
			continue
		}
		if unresolvedOnly && v.Resolved {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (m *mockGuardrails) List(_ context.Context, unresolvedOnly bool, limit int) ([]*models.GuardrailViolation, error) {
	var out []*models.GuardrailViolation
	for _, v := range m.violations {
		if unresolvedOnly && v.Resolved {
			continue
		}
		out = append(out, v)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// mockSettingsService implements services.SettingsService for handler testing.
type mockSettingsService struct {
	settings  map[string]*models.Setting
	updateErr error
	lastActor models.ActorContext
}

var _ services.SettingsService = (*mockSettingsService)(nil)

func newMockSettingsService(settings ...*models.Setting) *mockSettingsService {
	m := &mockSettingsService{settings: make(map[string]*models.Setting)}
	for _, s := range settings {
		m.settings[s.SettingKey] = s
	}
	return m
}

func (m *mockSettingsService) GetAll(_ context.Context) ([]models.Setting, error) {
	var out []models.Setting
	for _, s := range m.settings {
		out = append(out, *s)
	}
	return out, nil
}

func (m *mockSettingsService) Get(_ context.Context, key string) (*models.Setting, error) {
	setting, ok := m.settings[key]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return setting, nil
}

func (m *mockSettingsService) Snapshot(_ context.Context) (*models.SettingsSnapshot, error) {
	var all []models.Setting
	for _, s := range m.settings {
		all = append(all, *s)
	}
	return models.NewSettingsSnapshot(all), nil
}

func (m *mockSettingsService) Update(ctx context.Context, key string, rawValue json.RawMessage) (*models.Setting, error) {
	m.lastActor = models.ActorOrSystem(ctx)
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	setting, ok := m.settings[key]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	value, err := models.DecodeSettingValue(setting.SettingType, rawValue)
	if err != nil {
		return nil, err
	}
	setting.Value = value
	actor := m.lastActor.Actor
	setting.UpdatedBy = &actor
	setting.Version++
	return setting, nil
}

// mockDashboard implements services.DashboardService for handler testing.
type mockDashboard struct {
	summary *services.DashboardSummary
	err     error
}

var _ services.DashboardService = (*mockDashboard)(nil)

func (m *mockDashboard) Summary(_ context.Context) (*services.DashboardSummary, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.summary, nil
}

// mockOrchestrator implements services.Orchestrator for handler testing.
type mockOrchestrator struct {
	entry    *models.ScanLogEntry
	err      error
	lastType models.ScanType
}

var _ services.Orchestrator = (*mockOrchestrator)(nil)

func (m *mockOrchestrator) RunCycle(_ context.Context, scanType models.ScanType) (*models.ScanLogEntry, error) {
	m.lastType = scanType
	if m.err != nil {
		return nil, m.err
	}
	return m.entry, nil
}

// mockScanLedger implements services.ScanLedger for handler testing.
type mockScanLedger struct {
	entries map[uuid.UUID]*models.ScanLogEntry
}

var _ services.ScanLedger = (*mockScanLedger)(nil)

func newMockScanLedger(entries ...*models.ScanLogEntry) *mockScanLedger {
	m := &mockScanLedger{entries: make(map[uuid.UUID]*models.ScanLogEntry)}
	for _, e := range entries {
		m.entries[e.ID] = e
	}
	return m
}

func (m *mockScanLedger) BeginCycle(_ context.Context, scanType models.ScanType) (*models.ScanLogEntry, error) {
	entry := &models.ScanLogEntry{ID: uuid.New(), ScanType: scanType, StartedAt: time.Now()}
	m.entries[entry.ID] = entry
	return entry, nil
}

func (m *mockScanLedger) EndCycle(_ context.Context, _ uuid.UUID, _ models.ScanCounts, _ error) error {
	return nil
}

func (m *mockScanLedger) Get(_ context.Context, entryID uuid.UUID) (*models.ScanLogEntry, error) {
	entry, ok := m.entries[entryID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return entry, nil
}

func (m *mockScanLedger) ListRecent(_ context.Context, limit int) ([]*models.ScanLogEntry, error) {
	var out []*models.ScanLogEntry
	for _, e := range m.entries {
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// mockAuditReader implements services.AuditService for handler testing.
type mockAuditReader struct {
	entries []*models.AuditLogEntry
}

var _ services.AuditService = (*mockAuditReader)(nil)

func (m *mockAuditReader) Record(_ context.Context, _, _, _ string, _ map[string]models.FieldChange) {
}

func (m *mockAuditReader) ListByEntity(_ context.Context, entityType, entityID string) ([]*models.AuditLogEntry, error) {
	var out []*models.AuditLogEntry
	for _, e := range m.entries {
		if e.EntityType == entityType && e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockAuditReader) ListRecent(_ context.Context, limit int) ([]*models.AuditLogEntry, error) {
	if len(m.entries) > limit {
		return m.entries[:limit], nil
	}
	return m.entries, nil
}

func (m *mockAuditReader) Close() {}
