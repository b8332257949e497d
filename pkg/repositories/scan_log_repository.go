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

// ScanLogRepository provides data access for the append-only scan ledger.
type ScanLogRepository interface {
	// Create inserts a new entry at cycle start (completed_at null).
	Create(ctx context.Context, entry *models.ScanLogEntry) error

	// GetByID retrieves an entry by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*models.ScanLogEntry, error)

	// Finalize closes an entry with final counts. The update is predicated on
	// completed_at being null, which makes finalizing idempotent: the second
	// call affects zero rows and reports false.
	Finalize(ctx context.Context, id uuid.UUID, counts models.ScanCounts, errorMessage *string) (bool, error)

	// ListRecent returns the newest entries first.
	ListRecent(ctx context.Context, limit int) ([]*models.ScanLogEntry, error)
}

type scanLogRepository struct {
	db *database.DB
}

// NewScanLogRepository creates a new ScanLogRepository.
func NewScanLogRepository(db *database.DB) ScanLogRepository {
	return &scanLogRepository{db: db}
}

var _ ScanLogRepository = (*scanLogRepository)(nil)

const scanLogColumns = `id, scan_type, started_at, completed_at, intents_detected,
	actions_created, guardrails_triggered, error_message`

func (r *scanLogRepository) Create(ctx context.Context, entry *models.ScanLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = time.Now()
	}

	query := `
		INSERT INTO scan_log (id, scan_type, started_at)
		VALUES ($1, $2, $3)`
	if _, err := r.db.Exec(ctx, query, entry.ID, entry.ScanType, entry.StartedAt); err != nil {
		return fmt.Errorf("failed to create scan log entry: %w", err)
	}
	return nil
}

func (r *scanLogRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ScanLogEntry, error) {
	query := `SELECT ` + scanLogColumns + ` FROM scan_log WHERE id = $1`
	entry, err := scanScanLog(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("scan log entry %s: %w", id, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get scan log entry: %w", err)
	}
	return entry, nil
}

func (r *scanLogRepository) Finalize(ctx context.Context, id uuid.UUID, counts models.ScanCounts, errorMessage *string) (bool, error) {
	query := `
		UPDATE scan_log SET
			completed_at = $2, intents_detected = $3, actions_created = $4,
			guardrails_triggered = $5, error_message = $6
		WHERE id = $1 AND completed_at IS NULL`

	tag, err := r.db.Exec(ctx, query,
		id,
		time.Now(),
		counts.IntentsDetected,
		counts.ActionsCreated,
		counts.GuardrailsTriggered,
		errorMessage,
	)
	if err != nil {
		return false, fmt.Errorf("failed to finalize scan log entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already finalized or missing; distinguish for the caller.
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	return true, nil
}

func (r *scanLogRepository) ListRecent(ctx context.Context, limit int) ([]*models.ScanLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + scanLogColumns + ` FROM scan_log ORDER BY started_at DESC LIMIT $1`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list scan log entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.ScanLogEntry
	for rows.Next() {
		entry, err := scanScanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scan log entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanScanLog(row pgx.Row) (*models.ScanLogEntry, error) {
	var e models.ScanLogEntry
	err := row.Scan(
		&e.ID,
		&e.ScanType,
		&e.StartedAt,
		&e.CompletedAt,
		&e.IntentsDetected,
		&e.ActionsCreated,
		&e.GuardrailsTriggered,
		&e.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
