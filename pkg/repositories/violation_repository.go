package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/arbiterhq/arbiter-engine/pkg/apperrors"
	"github.com/arbiterhq/arbiter-engine/pkg/database"
	"github.com/arbiterhq/arbiter-engine/pkg/models"
)

// ViolationRepository provides data access for guardrail violations.
// Violations are append-only: resolution updates the resolved flag and actor
// in place but rows are never deleted.
type ViolationRepository interface {
	// Create inserts a single violation.
	Create(ctx context.Context, violation *models.GuardrailViolation) error

	// CreateBatch inserts multiple violations from one evaluation.
	CreateBatch(ctx context.Context, violations []*models.GuardrailViolation) error

	// GetByID retrieves a violation by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*models.GuardrailViolation, error)

	// ListByAction returns violations attached to an action, optionally only
	// the unresolved ones.
	ListByAction(ctx context.Context, actionID uuid.UUID, unresolvedOnly bool) ([]*models.GuardrailViolation, error)

	// List returns recent violations, optionally only unresolved ones.
	List(ctx context.Context, unresolvedOnly bool, limit int) ([]*models.GuardrailViolation, error)

	// Resolve marks a violation resolved with actor and timestamp. Resolving an
	// already-resolved violation returns apperrors.ErrAlreadyDecided.
	Resolve(ctx context.Context, id uuid.UUID, resolvedBy string) (*models.GuardrailViolation, error)

	// CountUnresolved returns how many violations are currently unresolved.
	CountUnresolved(ctx context.Context) (int, error)

	// HasUnresolvedBlock reports whether the action has any unresolved
	// block-severity violation.
	HasUnresolvedBlock(ctx context.Context, actionID uuid.UUID) (bool, error)
}

type violationRepository struct {
	db *database.DB
}

// NewViolationRepository creates a new ViolationRepository.
func NewViolationRepository(db *database.DB) ViolationRepository {
	return &violationRepository{db: db}
}

var _ ViolationRepository = (*violationRepository)(nil)

const violationColumns = `id, action_id, guardrail_type, guardrail_key, violation_details,
	severity, resolved, resolved_by, resolved_at, created_at`

const violationInsert = `
	INSERT INTO guardrail_violations (
		id, action_id, guardrail_type, guardrail_key, violation_details,
		severity, resolved, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

func (r *violationRepository) Create(ctx context.Context, violation *models.GuardrailViolation) error {
	args, err := prepareViolationInsert(violation)
	if err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, violationInsert, args...); err != nil {
		return fmt.Errorf("failed to create violation: %w", err)
	}
	return nil
}

func (r *violationRepository) CreateBatch(ctx context.Context, violations []*models.GuardrailViolation) error {
	if len(violations) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, v := range violations {
		args, err := prepareViolationInsert(v)
		if err != nil {
			return err
		}
		batch.Queue(violationInsert, args...)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()
	for range violations {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to create violation batch: %w", err)
		}
	}
	return nil
}

func prepareViolationInsert(v *models.GuardrailViolation) ([]any, error) {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	v.CreatedAt = time.Now()

	detailsJSON, err := jsonbMap(v.ViolationDetails)
	if err != nil {
		return nil, err
	}

	return []any{
		v.ID,
		v.ActionID,
		v.GuardrailType,
		v.GuardrailKey,
		detailsJSON,
		v.Severity,
		v.Resolved,
		v.CreatedAt,
	}, nil
}

func (r *violationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.GuardrailViolation, error) {
	query := `SELECT ` + violationColumns + ` FROM guardrail_violations WHERE id = $1`
	violation, err := scanViolation(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("violation %s: %w", id, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get violation: %w", err)
	}
	return violation, nil
}

func (r *violationRepository) ListByAction(ctx context.Context, actionID uuid.UUID, unresolvedOnly bool) ([]*models.GuardrailViolation, error) {
	query := `SELECT ` + violationColumns + `
		FROM guardrail_violations WHERE action_id = $1`
	if unresolvedOnly {
		query += ` AND resolved = FALSE`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, actionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations for action: %w", err)
	}
	defer rows.Close()

	return collectViolations(rows)
}

func (r *violationRepository) List(ctx context.Context, unresolvedOnly bool, limit int) ([]*models.GuardrailViolation, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + violationColumns + ` FROM guardrail_violations`
	if unresolvedOnly {
		query += ` WHERE resolved = FALSE`
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	defer rows.Close()

	return collectViolations(rows)
}

func (r *violationRepository) Resolve(ctx context.Context, id uuid.UUID, resolvedBy string) (*models.GuardrailViolation, error) {
	query := `
		UPDATE guardrail_violations
		SET resolved = TRUE, resolved_by = $2, resolved_at = $3
		WHERE id = $1 AND resolved = FALSE`

	now := time.Now()
	tag, err := r.db.Exec(ctx, query, id, resolvedBy, now)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve violation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		// Row exists but was already resolved.
		return existing, fmt.Errorf("violation %s: %w", id, apperrors.ErrAlreadyDecided)
	}

	return r.GetByID(ctx, id)
}

func (r *violationRepository) CountUnresolved(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM guardrail_violations WHERE resolved = FALSE`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unresolved violations: %w", err)
	}
	return count, nil
}

func (r *violationRepository) HasUnresolvedBlock(ctx context.Context, actionID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS (
		SELECT 1 FROM guardrail_violations
		WHERE action_id = $1 AND severity = 'block' AND resolved = FALSE
	)`
	var exists bool
	if err := r.db.QueryRow(ctx, query, actionID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check blocking violations: %w", err)
	}
	return exists, nil
}

func scanViolation(row pgx.Row) (*models.GuardrailViolation, error) {
	var v models.GuardrailViolation
	var detailsRaw []byte

	err := row.Scan(
		&v.ID,
		&v.ActionID,
		&v.GuardrailType,
		&v.GuardrailKey,
		&detailsRaw,
		&v.Severity,
		&v.Resolved,
		&v.ResolvedBy,
		&v.ResolvedAt,
		&v.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if v.ViolationDetails, err = unmarshalMap(detailsRaw); err != nil {
		return nil, err
	}
	return &v, nil
}

func collectViolations(rows pgx.Rows) ([]*models.GuardrailViolation, error) {
	var violations []*models.GuardrailViolation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		violations = append(violations, v)
	}
	return violations, rows.Err()
}
