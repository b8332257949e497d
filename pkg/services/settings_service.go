package services

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter-engine/pkg/apperrors"
	"github.com/arbiterhq/arbiter-engine/pkg/models"
	"github.com/arbiterhq/arbiter-engine/pkg/repositories"
)

// SettingsService provides read and validated-update access to the governance
// settings catalog. The engine itself only ever reads; mutation happens here,
// driven by an explicit operator request.
type SettingsService interface {
	// GetAll returns every setting.
	GetAll(ctx context.Context) ([]models.Setting, error)

	// Get returns one setting by key.
	Get(ctx context.Context, key string) (*models.Setting, error)

	// Snapshot loads all settings into a consistent read-only view.
	Snapshot(ctx context.Context) (*models.SettingsSnapshot, error)

	// Update replaces a setting's value after validating it against the
	// declared type and bounds. The new value must decode as the same variant
	// the setting was created with.
	Update(ctx context.Context, key string, rawValue json.RawMessage) (*models.Setting, error)
}

type settingsService struct {
	repo   repositories.SettingRepository
	audit  AuditService
	logger *zap.Logger
}

// NewSettingsService creates a new SettingsService.
func NewSettingsService(repo repositories.SettingRepository, audit AuditService, logger *zap.Logger) SettingsService {
	return &settingsService{
		repo:   repo,
		audit:  audit,
		logger: logger.Named("settings-service"),
	}
}

var _ SettingsService = (*settingsService)(nil)

func (s *settingsService) GetAll(ctx context.Context) ([]models.Setting, error) {
	settings, err := s.repo.GetAll(ctx)
	if err != nil {
		s.logger.Error("Failed to load settings", zap.Error(err))
		return nil, err
	}
	return settings, nil
}

func (s *settingsService) Get(ctx context.Context, key string) (*models.Setting, error) {
	return s.repo.Get(ctx, key)
}

func (s *settingsService) Snapshot(ctx context.Context) (*models.SettingsSnapshot, error) {
	settings, err := s.repo.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot settings: %w", err)
	}
	return models.NewSettingsSnapshot(settings), nil
}

func (s *settingsService) Update(ctx context.Context, key string, rawValue json.RawMessage) (*models.Setting, error) {
	setting, err := s.repo.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	value, err := models.DecodeSettingValue(setting.SettingType, rawValue)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidSetting, err)
	}
	if err := value.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidSetting, err)
	}
	if key == models.SettingKeyAutonomyLevel {
		sel, ok := value.(models.SelectSetting)
		if !ok || !models.IsValidAutonomyLevel(models.AutonomyLevel(sel.Value)) {
			return nil, fmt.Errorf("%w: invalid autonomy level", apperrors.ErrInvalidSetting)
		}
	}

	previous := setting.Value
	actor := models.ActorOrSystem(ctx)
	setting.Value = value
	updatedBy := actor.Actor
	setting.UpdatedBy = &updatedBy

	if err := s.repo.Update(ctx, setting); err != nil {
		s.logger.Error("Failed to update setting",
			zap.String("setting_key", key),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("Updated setting",
		zap.String("setting_key", key),
		zap.String("actor", actor.Actor))
	s.audit.Record(ctx, models.AuditEntityTypeSetting, key, models.AuditActionUpdate,
		map[string]models.FieldChange{
			"value": {Old: previous, New: value},
		})

	return setting, nil
}
