package services

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter-engine/pkg/models"
	"github.com/arbiterhq/arbiter-engine/pkg/repositories"
)

// ScanLedger records the outcome of each orchestration cycle. Entries are
// opened at cycle start and finalized exactly once at cycle end.
type ScanLedger interface {
	// BeginCycle opens a ledger entry for the cycle.
	BeginCycle(ctx context.Context, scanType models.ScanType) (*models.ScanLogEntry, error)

	// EndCycle finalizes the entry with counts and an optional error.
	// Idempotent: a second call after a successful finalize is a no-op.
	EndCycle(ctx context.Context, entryID uuid.UUID, counts models.ScanCounts, cycleErr error) error

	// Get returns one cycle record.
	Get(ctx context.Context, entryID uuid.UUID) (*models.ScanLogEntry, error)

	// ListRecent returns the newest cycle records.
	ListRecent(ctx context.Context, limit int) ([]*models.ScanLogEntry, error)
}

type scanLedger struct {
	repo   repositories.ScanLogRepository
	logger *zap.Logger
}

// NewScanLedger creates a new ScanLedger.
func NewScanLedger(repo repositories.ScanLogRepository, logger *zap.Logger) ScanLedger {
	return &scanLedger{
		repo:   repo,
		logger: logger.Named("scan-ledger"),
	}
}

var _ ScanLedger = (*scanLedger)(nil)

func (s *scanLedger) BeginCycle(ctx context.Context, scanType models.ScanType) (*models.ScanLogEntry, error) {
	if !models.IsValidScanType(scanType) {
		scanType = models.ScanTypeFull
	}
	entry := &models.ScanLogEntry{ScanType: scanType}
	if err := s.repo.Create(ctx, entry); err != nil {
		return nil, err
	}
	s.logger.Info("Began scan cycle",
		zap.String("scan_id", entry.ID.String()),
		zap.String("scan_type", string(scanType)))
	return entry, nil
}

func (s *scanLedger) EndCycle(ctx context.Context, entryID uuid.UUID, counts models.ScanCounts, cycleErr error) error {
	var errMsg *string
	if cycleErr != nil {
		msg := cycleErr.Error()
		errMsg = &msg
	}

	finalized, err := s.repo.Finalize(ctx, entryID, counts, errMsg)
	if err != nil {
		return err
	}
	if !finalized {
		s.logger.Debug("Scan cycle already finalized", zap.String("scan_id", entryID.String()))
		return nil
	}

	s.logger.Info("Ended scan cycle",
		zap.String("scan_id", entryID.String()),
		zap.Int("intents_detected", counts.IntentsDetected),
		zap.Int("actions_created", counts.ActionsCreated),
		zap.Int("guardrails_triggered", counts.GuardrailsTriggered),
		zap.Bool("errored", cycleErr != nil))
	return nil
}

func (s *scanLedger) Get(ctx context.Context, entryID uuid.UUID) (*models.ScanLogEntry, error) {
	return s.repo.GetByID(ctx, entryID)
}

func (s *scanLedger) ListRecent(ctx context.Context, limit int) ([]*models.ScanLogEntry, error) {
	return s.repo.ListRecent(ctx, limit)
}
