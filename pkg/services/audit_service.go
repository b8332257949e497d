package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter-engine/pkg/models"
	"github.com/arbiterhq/arbiter-engine/pkg/repositories"
)

// AuditService records every mutating governance operation. Writes are
// asynchronous with at-least-once delivery: the caller enqueues and moves on,
// a background writer persists with bounded retries, and an audit failure
// never rolls back the governance decision it describes.
// It automatically extracts actor provenance from context.
type AuditService interface {
	// Record enqueues one audit entry. It never returns an error and never
	// blocks longer than it takes to buffer the entry.
	Record(ctx context.Context, entityType, entityID, action string, changes map[string]models.FieldChange)

	// ListByEntity returns the audit trail for one entity, newest first.
	ListByEntity(ctx context.Context, entityType, entityID string) ([]*models.AuditLogEntry, error)

	// ListRecent returns the newest entries across all entities.
	ListRecent(ctx context.Context, limit int) ([]*models.AuditLogEntry, error)

	// Close drains the queue and stops the background writer.
	Close()
}

type auditService struct {
	repo   repositories.AuditRepository
	logger *zap.Logger

	entries   chan *models.AuditLogEntry
	closeOnce sync.Once
	done      chan struct{}
}

const auditQueueDepth = 256

// NewAuditService creates a new AuditService and starts its background writer.
func NewAuditService(repo repositories.AuditRepository, logger *zap.Logger) AuditService {
	s := &auditService{
		repo:    repo,
		logger:  logger.Named("audit-service"),
		entries: make(chan *models.AuditLogEntry, auditQueueDepth),
		done:    make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

var _ AuditService = (*auditService)(nil)

func (s *auditService) Record(ctx context.Context, entityType, entityID, action string, changes map[string]models.FieldChange) {
	actor := models.ActorOrSystem(ctx)
	entry := &models.AuditLogEntry{
		EntityType:    entityType,
		EntityID:      entityID,
		Action:        action,
		Source:        actor.Source,
		Actor:         actor.Actor,
		ChangedFields: changes,
		CreatedAt:     time.Now(),
	}

	select {
	case s.entries <- entry:
	default:
		// Queue full. Fall back to a synchronous write rather than drop the
		// entry; at-least-once beats fast here.
		s.persist(entry)
	}
}

func (s *auditService) ListByEntity(ctx context.Context, entityType, entityID string) ([]*models.AuditLogEntry, error) {
	entries, err := s.repo.ListByEntity(ctx, entityType, entityID)
	if err != nil {
		s.logger.Error("Failed to list audit entries",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

func (s *auditService) ListRecent(ctx context.Context, limit int) ([]*models.AuditLogEntry, error) {
	entries, err := s.repo.ListRecent(ctx, limit)
	if err != nil {
		s.logger.Error("Failed to list recent audit entries", zap.Error(err))
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

func (s *auditService) Close() {
	s.closeOnce.Do(func() {
		close(s.entries)
		<-s.done
	})
}

func (s *auditService) writeLoop() {
	defer close(s.done)
	for entry := range s.entries {
		s.persist(entry)
	}
}

// persist writes one entry with a short bounded retry. Failures are logged and
// the entry is dropped only after the final attempt; the originating operation
// has long since completed either way.
func (s *auditService) persist(entry *models.AuditLogEntry) {
	const attempts = 3

	var err error
	for i := 0; i < attempts; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = s.repo.Create(ctx, entry)
		cancel()
		if err == nil {
			return
		}
		time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
	}

	s.logger.Error("Dropping audit entry after retries",
		zap.String("entity_type", entry.EntityType),
		zap.String("entity_id", entry.EntityID),
		zap.String("action", entry.Action),
		zap.Error(err))
}
