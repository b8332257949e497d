package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/arbiterhq/arbiter-engine/pkg/database"
	"github.com/arbiterhq/arbiter-engine/pkg/models"
)

// AuditRepository provides append-only data access for audit log entries.
type AuditRepository interface {
	Create(ctx context.Context, entry *models.AuditLogEntry) error
	ListByEntity(ctx context.Context, entityType, entityID string) ([]*models.AuditLogEntry, error)
	ListRecent(ctx context.Context, limit int) ([]*models.AuditLogEntry, error)
}

type auditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) AuditRepository {
	return &auditRepository{db: db}
}

var _ AuditRepository = (*auditRepository)(nil)

const auditColumns = `id, entity_type, entity_id, action, source, actor, changed_fields, created_at`

func (r *auditRepository) Create(ctx context.Context, entry *models.AuditLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	changed, err := marshalChangedFields(entry.ChangedFields)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO audit_log (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = r.db.Exec(ctx, query,
		entry.ID,
		entry.EntityType,
		entry.EntityID,
		entry.Action,
		entry.Source,
		entry.Actor,
		changed,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit log entry: %w", err)
	}
	return nil
}

func (r *auditRepository) ListByEntity(ctx context.Context, entityType, entityID string) ([]*models.AuditLogEntry, error) {
	query := `
		SELECT ` + auditColumns + ` FROM audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit log entries: %w", err)
	}
	defer rows.Close()
	return collectAuditEntries(rows)
}

func (r *auditRepository) ListRecent(ctx context.Context, limit int) ([]*models.AuditLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + auditColumns + ` FROM audit_log ORDER BY created_at DESC LIMIT $1`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit log entries: %w", err)
	}
	defer rows.Close()
	return collectAuditEntries(rows)
}

func collectAuditEntries(rows pgx.Rows) ([]*models.AuditLogEntry, error) {
	var entries []*models.AuditLogEntry
	for rows.Next() {
		var e models.AuditLogEntry
		var changed []byte
		err := rows.Scan(
			&e.ID,
			&e.EntityType,
			&e.EntityID,
			&e.Action,
			&e.Source,
			&e.Actor,
			&changed,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log entry: %w", err)
		}
		if len(changed) > 0 {
			if err := json.Unmarshal(changed, &e.ChangedFields); err != nil {
				return nil, fmt.Errorf("failed to unmarshal changed fields: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func marshalChangedFields(fields map[string]models.FieldChange) ([]byte, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal changed fields: %w", err)
	}
	return data, nil
}
