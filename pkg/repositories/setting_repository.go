package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arbiterhq/arbiter-engine/pkg/apperrors"
	"github.com/arbiterhq/arbiter-engine/pkg/database"
	"github.com/arbiterhq/arbiter-engine/pkg/models"
)

// SettingRepository provides data access for engine settings.
type SettingRepository interface {
	// GetAll returns every setting.
	GetAll(ctx context.Context) ([]models.Setting, error)

	// Get retrieves a setting by key.
	Get(ctx context.Context, key string) (*models.Setting, error)

	// Update persists a new value predicated on the version the caller read.
	Update(ctx context.Context, setting *models.Setting) error
}

type settingRepository struct {
	db *database.DB
}

// NewSettingRepository creates a new SettingRepository.
func NewSettingRepository(db *database.DB) SettingRepository {
	return &settingRepository{db: db}
}

var _ SettingRepository = (*settingRepository)(nil)

const settingColumns = `setting_key, setting_type, category, value, updated_by, updated_at, version`

func (r *settingRepository) GetAll(ctx context.Context) ([]models.Setting, error) {
	rows, err := r.db.Query(ctx, `SELECT `+settingColumns+` FROM settings ORDER BY setting_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	var settings []models.Setting
	for rows.Next() {
		setting, err := scanSetting(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		settings = append(settings, *setting)
	}
	return settings, rows.Err()
}

func (r *settingRepository) Get(ctx context.Context, key string) (*models.Setting, error) {
	query := `SELECT ` + settingColumns + ` FROM settings WHERE setting_key = $1`
	setting, err := scanSetting(r.db.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("setting %q: %w", key, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}
	return setting, nil
}

func (r *settingRepository) Update(ctx context.Context, setting *models.Setting) error {
	valueJSON, err := json.Marshal(setting.Value)
	if err != nil {
		return fmt.Errorf("failed to marshal setting value: %w", err)
	}

	query := `
		UPDATE settings
		SET value = $3, updated_by = $4, updated_at = $5, version = version + 1
		WHERE setting_key = $1 AND version = $2`

	now := time.Now()
	tag, err := r.db.Exec(ctx, query,
		setting.SettingKey,
		setting.Version,
		valueJSON,
		setting.UpdatedBy,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to update setting: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.Get(ctx, setting.SettingKey); getErr != nil {
			return getErr
		}
		return fmt.Errorf("setting %q: %w", setting.SettingKey, apperrors.ErrConcurrencyConflict)
	}

	setting.Version++
	setting.UpdatedAt = now
	return nil
}

func scanSetting(row pgx.Row) (*models.Setting, error) {
	var s models.Setting
	var valueRaw []byte

	err := row.Scan(
		&s.SettingKey,
		&s.SettingType,
		&s.Category,
		&valueRaw,
		&s.UpdatedBy,
		&s.UpdatedAt,
		&s.Version,
	)
	if err != nil {
		return nil, err
	}

	value, err := models.DecodeSettingValue(s.SettingType, valueRaw)
	if err != nil {
		return nil, err
	}
	s.Value = value
	return &s, nil
}
