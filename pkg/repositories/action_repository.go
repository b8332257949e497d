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

// ActionRepository provides data access for actions.
type ActionRepository interface {
	// Create inserts a single action.
	Create(ctx context.Context, action *models.Action) error

	// CreateBatch inserts all actions in one transaction. Planning an intent is
	// all-or-nothing: either the full ordered set lands or none of it does.
	CreateBatch(ctx context.Context, actions []*models.Action) error

	// GetByID retrieves an action by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Action, error)

	// ListByIntent returns an intent's actions ordered by sequence.
	ListByIntent(ctx context.Context, intentID uuid.UUID) ([]*models.Action, error)

	// ListByStatus returns actions in the given status, oldest first.
	ListByStatus(ctx context.Context, status models.ActionStatus, limit int) ([]*models.Action, error)

	// Update persists the action predicated on the version the caller read.
	// Returns apperrors.ErrConcurrencyConflict if another writer won the race.
	Update(ctx context.Context, action *models.Action) error

	// CountByStatus returns counts of actions grouped by status.
	CountByStatus(ctx context.Context) (map[models.ActionStatus]int, error)

	// CountCompletedSince returns how many actions completed at or after the cutoff.
	CountCompletedSince(ctx context.Context, cutoff time.Time) (int, error)
}

type actionRepository struct {
	db *database.DB
}

// NewActionRepository creates a new ActionRepository.
func NewActionRepository(db *database.DB) ActionRepository {
	return &actionRepository{db: db}
}

var _ ActionRepository = (*actionRepository)(nil)

const actionColumns = `id, intent_id, action_type, target_entity_type, target_entity_id,
	parameters, status, requires_approval, approved_by, approved_at,
	simulation_result, execution_result, error_message, sequence_order,
	params_revision, version, created_at, updated_at`

const actionInsert = `
	INSERT INTO actions (
		id, intent_id, action_type, target_entity_type, target_entity_id,
		parameters, status, requires_approval, sequence_order, params_revision,
		version, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

func (r *actionRepository) Create(ctx context.Context, action *models.Action) error {
	args, err := prepareActionInsert(action)
	if err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, actionInsert, args...); err != nil {
		return fmt.Errorf("failed to create action: %w", err)
	}
	return nil
}

func (r *actionRepository) CreateBatch(ctx context.Context, actions []*models.Action) error {
	if len(actions) == 0 {
		return nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, action := range actions {
		args, err := prepareActionInsert(action)
		if err != nil {
			return err
		}
		batch.Queue(actionInsert, args...)
	}

	results := tx.SendBatch(ctx, batch)
	for range actions {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("failed to create action batch: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to close action batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit action batch: %w", err)
	}
	return nil
}

func prepareActionInsert(action *models.Action) ([]any, error) {
	if action.ID == uuid.Nil {
		action.ID = uuid.New()
	}
	now := time.Now()
	action.CreatedAt = now
	action.UpdatedAt = now
	action.Version = 1
	if action.ParamsRevision == 0 {
		action.ParamsRevision = 1
	}

	paramsJSON, err := jsonbMap(action.Parameters)
	if err != nil {
		return nil, err
	}

	return []any{
		action.ID,
		action.IntentID,
		action.ActionType,
		nullableString(action.TargetEntityType),
		nullableString(action.TargetEntityID),
		paramsJSON,
		action.Status,
		action.RequiresApproval,
		action.SequenceOrder,
		action.ParamsRevision,
		action.Version,
		action.CreatedAt,
		action.UpdatedAt,
	}, nil
}

func (r *actionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions WHERE id = $1`
	action, err := scanAction(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("action %s: %w", id, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	return action, nil
}

func (r *actionRepository) ListByIntent(ctx context.Context, intentID uuid.UUID) ([]*models.Action, error) {
	query := `SELECT ` + actionColumns + `
		FROM actions WHERE intent_id = $1 ORDER BY sequence_order ASC`
	rows, err := r.db.Query(ctx, query, intentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions for intent: %w", err)
	}
	defer rows.Close()

	return collectActions(rows)
}

func (r *actionRepository) ListByStatus(ctx context.Context, status models.ActionStatus, limit int) ([]*models.Action, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + actionColumns + `
		FROM actions WHERE status = $1 ORDER BY created_at ASC LIMIT $2`
	rows, err := r.db.Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions by status: %w", err)
	}
	defer rows.Close()

	return collectActions(rows)
}

func (r *actionRepository) Update(ctx context.Context, action *models.Action) error {
	paramsJSON, err := jsonbMap(action.Parameters)
	if err != nil {
		return err
	}
	simJSON, err := jsonbValue(action.SimulationResult)
	if err != nil {
		return err
	}
	execJSON, err := jsonbValue(action.ExecutionResult)
	if err != nil {
		return err
	}

	query := `
		UPDATE actions SET
			parameters = $3, status = $4, requires_approval = $5, approved_by = $6,
			approved_at = $7, simulation_result = $8, execution_result = $9,
			error_message = $10, params_revision = $11,
			version = version + 1, updated_at = $12
		WHERE id = $1 AND version = $2`

	now := time.Now()
	tag, err := r.db.Exec(ctx, query,
		action.ID,
		action.Version,
		paramsJSON,
		action.Status,
		action.RequiresApproval,
		action.ApprovedBy,
		action.ApprovedAt,
		simJSON,
		execJSON,
		action.ErrorMessage,
		action.ParamsRevision,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to update action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetByID(ctx, action.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("action %s: %w", action.ID, apperrors.ErrConcurrencyConflict)
	}

	action.Version++
	action.UpdatedAt = now
	return nil
}

func (r *actionRepository) CountByStatus(ctx context.Context) (map[models.ActionStatus]int, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM actions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count actions: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.ActionStatus]int)
	for rows.Next() {
		var status models.ActionStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan action count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (r *actionRepository) CountCompletedSince(ctx context.Context, cutoff time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM actions WHERE status = 'completed' AND updated_at >= $1`
	var count int
	if err := r.db.QueryRow(ctx, query, cutoff).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count completed actions: %w", err)
	}
	return count, nil
}

func scanAction(row pgx.Row) (*models.Action, error) {
	var action models.Action
	var targetType, targetID *string
	var paramsRaw, simRaw, execRaw []byte

	err := row.Scan(
		&action.ID,
		&action.IntentID,
		&action.ActionType,
		&targetType,
		&targetID,
		&paramsRaw,
		&action.Status,
		&action.RequiresApproval,
		&action.ApprovedBy,
		&action.ApprovedAt,
		&simRaw,
		&execRaw,
		&action.ErrorMessage,
		&action.SequenceOrder,
		&action.ParamsRevision,
		&action.Version,
		&action.CreatedAt,
		&action.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if targetType != nil {
		action.TargetEntityType = *targetType
	}
	if targetID != nil {
		action.TargetEntityID = *targetID
	}
	if action.Parameters, err = unmarshalMap(paramsRaw); err != nil {
		return nil, err
	}
	if len(simRaw) > 0 {
		var sim models.SimulationResult
		if err := json.Unmarshal(simRaw, &sim); err != nil {
			return nil, fmt.Errorf("failed to unmarshal simulation result: %w", err)
		}
		action.SimulationResult = &sim
	}
	if len(execRaw) > 0 {
		var exec models.ExecutionResult
		if err := json.Unmarshal(execRaw, &exec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution result: %w", err)
		}
		action.ExecutionResult = &exec
	}

	return &action, nil
}

func collectActions(rows pgx.Rows) ([]*models.Action, error) {
	var actions []*models.Action
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, action)
	}
	return actions, rows.Err()
}
