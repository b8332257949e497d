package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/arbiterhq/arbiter-engine/pkg/apperrors"
	"github.com/arbiterhq/arbiter-engine/pkg/database"
	"github.com/arbiterhq/arbiter-engine/pkg/models"
)

// IntentRepository provides data access for intents.
type IntentRepository interface {
	// Create inserts a new intent.
	Create(ctx context.Context, intent *models.Intent) error

	// GetByID retrieves an intent by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Intent, error)

	// FindDuplicate returns a live intent with the same source signal and
	// intent type created inside the dedup window, if one exists.
	FindDuplicate(ctx context.Context, sourceSignal string, intentType models.IntentType, since time.Time) (*models.Intent, error)

	// List returns intents filtered by status (empty = all), newest first.
	List(ctx context.Context, status models.IntentStatus, limit int) ([]*models.Intent, error)

	// ListByStatuses returns intents in any of the given statuses, oldest first.
	ListByStatuses(ctx context.Context, statuses []models.IntentStatus, limit int) ([]*models.Intent, error)

	// ListExpired returns non-terminal intents whose expiry has passed.
	ListExpired(ctx context.Context, now time.Time) ([]*models.Intent, error)

	// Update persists the intent predicated on the version the caller read.
	// Returns apperrors.ErrConcurrencyConflict if another writer won the race.
	Update(ctx context.Context, intent *models.Intent) error

	// CountByStatus returns counts of intents grouped by status.
	CountByStatus(ctx context.Context) (map[models.IntentStatus]int, error)

	// AverageConfidence returns the mean confidence across live intents.
	AverageConfidence(ctx context.Context) (float64, error)
}

type intentRepository struct {
	db *database.DB
}

// NewIntentRepository creates a new IntentRepository.
func NewIntentRepository(db *database.DB) IntentRepository {
	return &intentRepository{db: db}
}

var _ IntentRepository = (*intentRepository)(nil)

const intentColumns = `id, intent_type, source_signal, priority, confidence_score, status,
	context, recommended_actions, scope_entity_types, decided_by, decided_at,
	decision_reason, expires_at, version, created_at, updated_at`

func (r *intentRepository) Create(ctx context.Context, intent *models.Intent) error {
	if intent.ID == uuid.Nil {
		intent.ID = uuid.New()
	}
	now := time.Now()
	intent.CreatedAt = now
	intent.UpdatedAt = now
	intent.Version = 1

	contextJSON, err := jsonbMap(intent.Context)
	if err != nil {
		return err
	}
	recommendedJSON, err := jsonbValue(intent.RecommendedActions)
	if err != nil {
		return err
	}
	scopeJSON, err := jsonbValue(intent.ScopeEntityTypes)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO intents (
			id, intent_type, source_signal, priority, confidence_score, status,
			context, recommended_actions, scope_entity_types, expires_at,
			version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err = r.db.Exec(ctx, query,
		intent.ID,
		intent.IntentType,
		intent.SourceSignal,
		intent.Priority,
		intent.ConfidenceScore,
		intent.Status,
		contextJSON,
		recommendedJSON,
		scopeJSON,
		intent.ExpiresAt,
		intent.Version,
		intent.CreatedAt,
		intent.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create intent: %w", err)
	}

	return nil
}

func (r *intentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Intent, error) {
	query := `SELECT ` + intentColumns + ` FROM intents WHERE id = $1`
	intent, err := scanIntent(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("intent %s: %w", id, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get intent: %w", err)
	}
	return intent, nil
}

func (r *intentRepository) FindDuplicate(ctx context.Context, sourceSignal string, intentType models.IntentType, since time.Time) (*models.Intent, error) {
	query := `SELECT ` + intentColumns + `
		FROM intents
		WHERE source_signal = $1 AND intent_type = $2 AND created_at >= $3
			AND status NOT IN ('rejected', 'expired', 'cancelled', 'failed')
		ORDER BY created_at DESC
		LIMIT 1`

	intent, err := scanIntent(r.db.QueryRow(ctx, query, sourceSignal, intentType, since))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find duplicate intent: %w", err)
	}
	return intent, nil
}

func (r *intentRepository) List(ctx context.Context, status models.IntentStatus, limit int) ([]*models.Intent, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows pgx.Rows
	var err error
	if status == "" {
		query := `SELECT ` + intentColumns + ` FROM intents ORDER BY created_at DESC LIMIT $1`
		rows, err = r.db.Query(ctx, query, limit)
	} else {
		query := `SELECT ` + intentColumns + ` FROM intents WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
		rows, err = r.db.Query(ctx, query, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list intents: %w", err)
	}
	defer rows.Close()

	return collectIntents(rows)
}

func (r *intentRepository) ListByStatuses(ctx context.Context, statuses []models.IntentStatus, limit int) ([]*models.Intent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + intentColumns + `
		FROM intents WHERE status = ANY($1) ORDER BY created_at ASC LIMIT $2`
	rows, err := r.db.Query(ctx, query, statuses, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list intents by statuses: %w", err)
	}
	defer rows.Close()

	return collectIntents(rows)
}

func (r *intentRepository) ListExpired(ctx context.Context, now time.Time) ([]*models.Intent, error) {
	query := `SELECT ` + intentColumns + `
		FROM intents
		WHERE expires_at IS NOT NULL AND expires_at < $1
			AND status NOT IN ('rejected', 'completed', 'failed', 'cancelled', 'expired')`
	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired intents: %w", err)
	}
	defer rows.Close()

	return collectIntents(rows)
}

func (r *intentRepository) Update(ctx context.Context, intent *models.Intent) error {
	contextJSON, err := jsonbMap(intent.Context)
	if err != nil {
		return err
	}
	recommendedJSON, err := jsonbValue(intent.RecommendedActions)
	if err != nil {
		return err
	}
	scopeJSON, err := jsonbValue(intent.ScopeEntityTypes)
	if err != nil {
		return err
	}

	query := `
		UPDATE intents SET
			priority = $3, confidence_score = $4, status = $5, context = $6,
			recommended_actions = $7, scope_entity_types = $8, decided_by = $9,
			decided_at = $10, decision_reason = $11, expires_at = $12,
			version = version + 1, updated_at = $13
		WHERE id = $1 AND version = $2`

	now := time.Now()
	tag, err := r.db.Exec(ctx, query,
		intent.ID,
		intent.Version,
		intent.Priority,
		intent.ConfidenceScore,
		intent.Status,
		contextJSON,
		recommendedJSON,
		scopeJSON,
		intent.DecidedBy,
		intent.DecidedAt,
		intent.DecisionReason,
		intent.ExpiresAt,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to update intent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the row is gone or another writer bumped the version.
		if _, getErr := r.GetByID(ctx, intent.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("intent %s: %w", intent.ID, apperrors.ErrConcurrencyConflict)
	}

	intent.Version++
	intent.UpdatedAt = now
	return nil
}

func (r *intentRepository) CountByStatus(ctx context.Context) (map[models.IntentStatus]int, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM intents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count intents: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.IntentStatus]int)
	for rows.Next() {
		var status models.IntentStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan intent count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (r *intentRepository) AverageConfidence(ctx context.Context) (float64, error) {
	query := `SELECT COALESCE(AVG(confidence_score), 0)
		FROM intents
		WHERE status NOT IN ('rejected', 'completed', 'failed', 'cancelled', 'expired')`
	var avg float64
	if err := r.db.QueryRow(ctx, query).Scan(&avg); err != nil {
		return 0, fmt.Errorf("failed to average confidence: %w", err)
	}
	return avg, nil
}

func scanIntent(row pgx.Row) (*models.Intent, error) {
	var intent models.Intent
	var contextRaw, recommendedRaw, scopeRaw []byte

	err := row.Scan(
		&intent.ID,
		&intent.IntentType,
		&intent.SourceSignal,
		&intent.Priority,
		&intent.ConfidenceScore,
		&intent.Status,
		&contextRaw,
		&recommendedRaw,
		&scopeRaw,
		&intent.DecidedBy,
		&intent.DecidedAt,
		&intent.DecisionReason,
		&intent.ExpiresAt,
		&intent.Version,
		&intent.CreatedAt,
		&intent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if intent.Context, err = unmarshalMap(contextRaw); err != nil {
		return nil, err
	}
	if len(recommendedRaw) > 0 {
		if err := json.Unmarshal(recommendedRaw, &intent.RecommendedActions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal recommended actions: %w", err)
		}
	}
	if len(scopeRaw) > 0 {
		if err := json.Unmarshal(scopeRaw, &intent.ScopeEntityTypes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal scope: %w", err)
		}
	}

	return &intent, nil
}

func collectIntents(rows pgx.Rows) ([]*models.Intent, error) {
	var intents []*models.Intent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan intent: %w", err)
		}
		intents = append(intents, intent)
	}
	return intents, rows.Err()
}
