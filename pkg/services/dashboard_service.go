package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter-engine/pkg/models"
	"github.com/arbiterhq/arbiter-engine/pkg/repositories"
)

// DashboardSummary is the aggregate view the governance dashboard renders.
type DashboardSummary struct {
	ActiveIntents        int                  `json:"active_intents"`
	PendingApprovals     int                  `json:"pending_approvals"`
	UnresolvedViolations int                  `json:"unresolved_violations"`
	CompletionsToday     int                  `json:"completions_today"`
	MeanConfidence       float64              `json:"mean_confidence"`
	AutonomyLevel        models.AutonomyLevel `json:"autonomy_level"`
}

// DashboardService aggregates counts for the governance dashboard.
type DashboardService interface {
	Summary(ctx context.Context) (*DashboardSummary, error)
}

type dashboardService struct {
	intents    repositories.IntentRepository
	actions    repositories.ActionRepository
	violations repositories.ViolationRepository
	settings   SettingsService
	logger     *zap.Logger
}

// NewDashboardService creates a new DashboardService.
func NewDashboardService(
	intents repositories.IntentRepository,
	actions repositories.ActionRepository,
	violations repositories.ViolationRepository,
	settings SettingsService,
	logger *zap.Logger,
) DashboardService {
	return &dashboardService{
		intents:    intents,
		actions:    actions,
		violations: violations,
		settings:   settings,
		logger:     logger.Named("dashboard-service"),
	}
}

var _ DashboardService = (*dashboardService)(nil)

func (s *dashboardService) Summary(ctx context.Context) (*DashboardSummary, error) {
	intentCounts, err := s.intents.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	actionCounts, err := s.actions.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	unresolved, err := s.violations.CountUnresolved(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	completions, err := s.actions.CountCompletedSince(ctx, midnight)
	if err != nil {
		return nil, err
	}

	confidence, err := s.intents.AverageConfidence(ctx)
	if err != nil {
		return nil, err
	}

	snapshot, err := s.settings.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	active := 0
	for status, count := range intentCounts {
		if !status.IsTerminal() {
			active += count
		}
	}

	return &DashboardSummary{
		ActiveIntents:        active,
		PendingApprovals:     actionCounts[models.ActionStatusAwaitingApproval],
		UnresolvedViolations: unresolved,
		CompletionsToday:     completions,
		MeanConfidence:       confidence,
		AutonomyLevel:        snapshot.AutonomyLevel(),
	}, nil
}
