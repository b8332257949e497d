package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter-engine/pkg/apperrors"
	"github.com/arbiterhq/arbiter-engine/pkg/models"
	"github.com/arbiterhq/arbiter-engine/pkg/repositories"
)

// ---- intent repository ----

type mockIntentRepo struct {
	mu      sync.Mutex
	intents map[uuid.UUID]*models.Intent
}

func newMockIntentRepo() *mockIntentRepo {
	return &mockIntentRepo{intents: make(map[uuid.UUID]*models.Intent)}
}

var _ repositories.IntentRepository = (*mockIntentRepo)(nil)

func copyIntent(i *models.Intent) *models.Intent {
	c := *i
	return &c
}

func (m *mockIntentRepo) Create(ctx context.Context, intent *models.Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if intent.ID == uuid.Nil {
		intent.ID = uuid.New()
	}
	intent.Version = 1
	intent.CreatedAt = time.Now()
	intent.UpdatedAt = intent.CreatedAt
	if intent.Status == "" {
		intent.Status = models.IntentStatusDetected
	}
	m.intents[intent.ID] = copyIntent(intent)
	return nil
}

func (m *mockIntentRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[id]
	if !ok {
		return nil, fmt.Errorf("intent %s: %w", id, apperrors.ErrNotFound)
	}
	return copyIntent(intent), nil
}

func (m *mockIntentRepo) FindDuplicate(ctx context.Context, sourceSignal string, intentType models.IntentType, since time.Time) (*models.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, intent := range m.intents {
		if intent.SourceSignal == sourceSignal && intent.IntentType == intentType &&
			intent.CreatedAt.After(since) && !intent.Status.IsTerminal() {
			return copyIntent(intent), nil
		}
	}
	return nil, nil
}

func (m *mockIntentRepo) List(ctx context.Context, status models.IntentStatus, limit int) ([]*models.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Intent
	for _, intent := range m.intents {
		if status == "" || intent.Status == status {
			out = append(out, copyIntent(intent))
		}
	}
	return out, nil
}

func (m *mockIntentRepo) ListByStatuses(ctx context.Context, statuses []models.IntentStatus, limit int) ([]*models.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Intent
	for _, intent := range m.intents {
		for _, s := range statuses {
			if intent.Status == s {
				out = append(out, copyIntent(intent))
				break
			}
		}
	}
	return out, nil
}

func (m *mockIntentRepo) ListExpired(ctx context.Context, now time.Time) ([]*models.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Intent
	for _, intent := range m.intents {
		if intent.IsExpired(now) {
			out = append(out, copyIntent(intent))
		}
	}
	return out, nil
}

func (m *mockIntentRepo) Update(ctx context.Context, intent *models.Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.intents[intent.ID]
	if !ok {
		return fmt.Errorf("intent %s: %w", intent.ID, apperrors.ErrNotFound)
	}
	if current.Version != intent.Version {
		return fmt.Errorf("intent %s: %w", intent.ID, apperrors.ErrConcurrencyConflict)
	}
	intent.Version++
	intent.UpdatedAt = time.Now()
	m.intents[intent.ID] = copyIntent(intent)
	return nil
}

func (m *mockIntentRepo) CountByStatus(ctx context.Context) (map[models.IntentStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[models.IntentStatus]int)
	for _, intent := range m.intents {
		out[intent.Status]++
	}
	return out, nil
}

func (m *mockIntentRepo) AverageConfidence(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum, n := 0.0, 0
	for _, intent := range m.intents {
		if !intent.Status.IsTerminal() {
			sum += intent.ConfidenceScore
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}

// ---- action repository ----

type mockActionRepo struct {
	mu      sync.Mutex
	actions map[uuid.UUID]*models.Action

	// afterGet, when set, runs after each GetByID outside the lock. Tests use
	// it as a rendezvous point to force a stale read.
	afterGet func()
}

func newMockActionRepo() *mockActionRepo {
	return &mockActionRepo{actions: make(map[uuid.UUID]*models.Action)}
}

var _ repositories.ActionRepository = (*mockActionRepo)(nil)

func copyAction(a *models.Action) *models.Action {
	c := *a
	return &c
}

func (m *mockActionRepo) Create(ctx context.Context, action *models.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createLocked(action)
	return nil
}

func (m *mockActionRepo) createLocked(action *models.Action) {
	if action.ID == uuid.Nil {
		action.ID = uuid.New()
	}
	action.Version = 1
	if action.ParamsRevision == 0 {
		action.ParamsRevision = 1
	}
	action.CreatedAt = time.Now()
	action.UpdatedAt = action.CreatedAt
	m.actions[action.ID] = copyAction(action)
}

func (m *mockActionRepo) CreateBatch(ctx context.Context, actions []*models.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range actions {
		m.createLocked(a)
	}
	return nil
}

func (m *mockActionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Action, error) {
	m.mu.Lock()
	action, ok := m.actions[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("action %s: %w", id, apperrors.ErrNotFound)
	}
	out := copyAction(action)
	m.mu.Unlock()
	if m.afterGet != nil {
		m.afterGet()
	}
	return out, nil
}

func (m *mockActionRepo) ListByIntent(ctx context.Context, intentID uuid.UUID) ([]*models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Action
	for _, a := range m.actions {
		if a.IntentID == intentID {
			out = append(out, copyAction(a))
		}
	}
	// Insertion order is not stable in a map; sort by sequence.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].SequenceOrder < out[i].SequenceOrder {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (m *mockActionRepo) ListByStatus(ctx context.Context, status models.ActionStatus, limit int) ([]*models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Action
	for _, a := range m.actions {
		if a.Status == status {
			out = append(out, copyAction(a))
		}
	}
	return out, nil
}

func (m *mockActionRepo) Update(ctx context.Context, action *models.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.actions[action.ID]
	if !ok {
		return fmt.Errorf("action %s: %w", action.ID, apperrors.ErrNotFound)
	}
	if current.Version != action.Version {
		return fmt.Errorf("action %s: %w", action.ID, apperrors.ErrConcurrencyConflict)
	}
	action.Version++
	action.UpdatedAt = time.Now()
	m.actions[action.ID] = copyAction(action)
	return nil
}

func (m *mockActionRepo) CountByStatus(ctx context.Context) (map[models.ActionStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[models.ActionStatus]int)
	for _, a := range m.actions {
		out[a.Status]++
	}
	return out, nil
}

func (m *mockActionRepo) CountCompletedSince(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.actions {
		if a.Status == models.ActionStatusCompleted && !a.UpdatedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

// ---- violation repository ----

type mockViolationRepo struct {
	mu         sync.Mutex
	violations map[uuid.UUID]*models.GuardrailViolation
}

func newMockViolationRepo() *mockViolationRepo {
	return &mockViolationRepo{violations: make(map[uuid.UUID]*models.GuardrailViolation)}
}

var _ repositories.ViolationRepository = (*mockViolationRepo)(nil)

func copyViolation(v *models.GuardrailViolation) *models.GuardrailViolation {
	c := *v
	return &c
}

func (m *mockViolationRepo) Create(ctx context.Context, v *models.GuardrailViolation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	v.CreatedAt = time.Now()
	m.violations[v.ID] = copyViolation(v)
	return nil
}

func (m *mockViolationRepo) CreateBatch(ctx context.Context, violations []*models.GuardrailViolation) error {
	for _, v := range violations {
		if err := m.Create(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockViolationRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.GuardrailViolation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.violations[id]
	if !ok {
		return nil, fmt.Errorf("violation %s: %w", id, apperrors.ErrNotFound)
	}
	return copyViolation(v), nil
}

func (m *mockViolationRepo) ListByAction(ctx context.Context, actionID uuid.UUID, unresolvedOnly bool) ([]*models.GuardrailViolation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.GuardrailViolation
	for _, v := range m.violations {
		if v.ActionID != nil && *v.ActionID == actionID && (!unresolvedOnly || !v.Resolved) {
			out = append(out, copyViolation(v))
		}
	}
	return out, nil
}

func (m *mockViolationRepo) List(ctx context.Context, unresolvedOnly bool, limit int) ([]*models.GuardrailViolation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.GuardrailViolation
	for _, v := range m.violations {
		if !unresolvedOnly || !v.Resolved {
			out = append(out, copyViolation(v))
		}
	}
	return out, nil
}

func (m *mockViolationRepo) Resolve(ctx context.Context, id uuid.UUID, resolvedBy string) (*models.GuardrailViolation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.violations[id]
	if !ok {
		return nil, fmt.Errorf("violation %s: %w", id, apperrors.ErrNotFound)
	}
	if v.Resolved {
		return nil, fmt.Errorf("violation %s: %w", id, apperrors.ErrAlreadyDecided)
	}
	now := time.Now()
	v.Resolved = true
	v.ResolvedBy = &resolvedBy
	v.ResolvedAt = &now
	return copyViolation(v), nil
}

func (m *mockViolationRepo) CountUnresolved(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, v := range m.violations {
		if !v.Resolved {
			n++
		}
	}
	return n, nil
}

func (m *mockViolationRepo) HasUnresolvedBlock(ctx context.Context, actionID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.violations {
		if v.ActionID != nil && *v.ActionID == actionID && v.IsBlocking() {
			return true, nil
		}
	}
	return false, nil
}

// ---- setting repository ----

type mockSettingRepo struct {
	mu       sync.Mutex
	settings map[string]*models.Setting
}

func newMockSettingRepo(settings ...models.Setting) *mockSettingRepo {
	m := &mockSettingRepo{settings: make(map[string]*models.Setting)}
	for _, s := range settings {
		s := s
		if s.Version == 0 {
			s.Version = 1
		}
		m.settings[s.SettingKey] = &s
	}
	return m
}

var _ repositories.SettingRepository = (*mockSettingRepo)(nil)

func (m *mockSettingRepo) GetAll(ctx context.Context) ([]models.Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Setting, 0, len(m.settings))
	for _, s := range m.settings {
		out = append(out, *s)
	}
	return out, nil
}

func (m *mockSettingRepo) Get(ctx context.Context, key string) (*models.Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[key]
	if !ok {
		return nil, fmt.Errorf("setting %s: %w", key, apperrors.ErrNotFound)
	}
	c := *s
	return &c, nil
}

func (m *mockSettingRepo) Update(ctx context.Context, setting *models.Setting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.settings[setting.SettingKey]
	if !ok {
		return fmt.Errorf("setting %s: %w", setting.SettingKey, apperrors.ErrNotFound)
	}
	if current.Version != setting.Version {
		return fmt.Errorf("setting %s: %w", setting.SettingKey, apperrors.ErrConcurrencyConflict)
	}
	setting.Version++
	setting.UpdatedAt = time.Now()
	c := *setting
	m.settings[setting.SettingKey] = &c
	return nil
}

// ---- scan log repository ----

type mockScanLogRepo struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*models.ScanLogEntry
}

func newMockScanLogRepo() *mockScanLogRepo {
	return &mockScanLogRepo{entries: make(map[uuid.UUID]*models.ScanLogEntry)}
}

var _ repositories.ScanLogRepository = (*mockScanLogRepo)(nil)

func (m *mockScanLogRepo) Create(ctx context.Context, entry *models.ScanLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = time.Now()
	}
	c := *entry
	m.entries[entry.ID] = &c
	return nil
}

func (m *mockScanLogRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.ScanLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("scan log entry %s: %w", id, apperrors.ErrNotFound)
	}
	c := *e
	return &c, nil
}

func (m *mockScanLogRepo) Finalize(ctx context.Context, id uuid.UUID, counts models.ScanCounts, errorMessage *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return false, fmt.Errorf("scan log entry %s: %w", id, apperrors.ErrNotFound)
	}
	if e.CompletedAt != nil {
		return false, nil
	}
	now := time.Now()
	e.CompletedAt = &now
	e.IntentsDetected = counts.IntentsDetected
	e.ActionsCreated = counts.ActionsCreated
	e.GuardrailsTriggered = counts.GuardrailsTriggered
	e.ErrorMessage = errorMessage
	return true, nil
}

func (m *mockScanLogRepo) ListRecent(ctx context.Context, limit int) ([]*models.ScanLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ScanLogEntry
	for _, e := range m.entries {
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

// ---- audit repository ----

type mockAuditRepo struct {
	mu      sync.Mutex
	entries []*models.AuditLogEntry
	failing bool
}

func newMockAuditRepo() *mockAuditRepo {
	return &mockAuditRepo{}
}

var _ repositories.AuditRepository = (*mockAuditRepo)(nil)

func (m *mockAuditRepo) Create(ctx context.Context, entry *models.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return fmt.Errorf("audit store unavailable")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = time.Now()
	c := *entry
	m.entries = append(m.entries, &c)
	return nil
}

func (m *mockAuditRepo) ListByEntity(ctx context.Context, entityType, entityID string) ([]*models.AuditLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AuditLogEntry
	for _, e := range m.entries {
		if e.EntityType == entityType && e.EntityID == entityID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *mockAuditRepo) ListRecent(ctx context.Context, limit int) ([]*models.AuditLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.AuditLogEntry, 0, len(m.entries))
	for _, e := range m.entries {
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

func (m *mockAuditRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// ---- audit ----

// noopAudit satisfies AuditService for tests that do not assert on audit writes.
type noopAudit struct{}

var _ AuditService = (*noopAudit)(nil)

func (noopAudit) Record(ctx context.Context, entityType, entityID, action string, changes map[string]models.FieldChange) {
}

func (noopAudit) ListByEntity(ctx context.Context, entityType, entityID string) ([]*models.AuditLogEntry, error) {
	return nil, nil
}

func (noopAudit) ListRecent(ctx context.Context, limit int) ([]*models.AuditLogEntry, error) {
	return nil, nil
}

func (noopAudit) Close() {}

// recordingAudit captures audit entries for assertions.
type recordingAudit struct {
	mu      sync.Mutex
	entries []models.AuditLogEntry
}

var _ AuditService = (*recordingAudit)(nil)

func (r *recordingAudit) Record(ctx context.Context, entityType, entityID, action string, changes map[string]models.FieldChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	actor := models.ActorOrSystem(ctx)
	r.entries = append(r.entries, models.AuditLogEntry{
		EntityType:    entityType,
		EntityID:      entityID,
		Action:        action,
		Source:        actor.Source,
		Actor:         actor.Actor,
		ChangedFields: changes,
	})
}

func (r *recordingAudit) ListByEntity(ctx context.Context, entityType, entityID string) ([]*models.AuditLogEntry, error) {
	return nil, nil
}

func (r *recordingAudit) ListRecent(ctx context.Context, limit int) ([]*models.AuditLogEntry, error) {
	return nil, nil
}

func (r *recordingAudit) Close() {}

func (r *recordingAudit) recorded() []models.AuditLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.AuditLogEntry(nil), r.entries...)
}

// ---- settings fixtures ----

func floatPtr(v float64) *float64 { return &v }

func autonomySetting(level models.AutonomyLevel) models.Setting {
	return models.Setting{
		SettingKey:  models.SettingKeyAutonomyLevel,
		SettingType: models.SettingTypeSelect,
		Category:    models.SettingCategoryAutonomy,
		Value: models.SelectSetting{
			Value:   string(level),
			Options: []string{"advisory", "semi_autonomous", "full_autonomous"},
		},
	}
}

func numberSetting(key string, value float64, category models.SettingCategory) models.Setting {
	return models.Setting{
		SettingKey:  key,
		SettingType: models.SettingTypeNumber,
		Category:    category,
		Value:       models.NumberSetting{Value: value, Min: floatPtr(0)},
	}
}

func toggleSetting(key string, enabled bool, category models.SettingCategory) models.Setting {
	return models.Setting{
		SettingKey:  key,
		SettingType: models.SettingTypeToggle,
		Category:    category,
		Value:       models.ToggleSetting{Enabled: enabled},
	}
}

func snapshotWith(level models.AutonomyLevel, extra ...models.Setting) *models.SettingsSnapshot {
	settings := append([]models.Setting{autonomySetting(level)}, extra...)
	return models.NewSettingsSnapshot(settings)
}
