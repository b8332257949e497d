package executors

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter-engine/pkg/models"
	"github.com/arbiterhq/arbiter-engine/pkg/retry"
)

// generateReportExecutor produces a governance report from catalog tallies.
// Reports are additive artifacts and never rolled back.
type generateReportExecutor struct {
	catalog *Catalog
	logger  *zap.Logger
}

var _ Executor = (*generateReportExecutor)(nil)
var _ Previewer = (*generateReportExecutor)(nil)

func (e *generateReportExecutor) Execute(ctx context.Context, action *models.Action) (*models.ExecutionResult, error) {
	reportType := optionalStringParam(action, "report_type")
	if reportType == "" {
		reportType = "summary"
	}

	counts := e.catalog.Counts()
	summary := make(map[string]any, len(counts))
	for k, v := range counts {
		summary[k] = v
	}

	report := &Report{
		ID:          uuid.NewString(),
		ReportType:  reportType,
		GeneratedAt: time.Now(),
		Summary:     summary,
	}
	e.catalog.PutReport(report)

	e.logger.Info("generated report",
		zap.String("report_id", report.ID), zap.String("report_type", reportType))
	return &models.ExecutionResult{
		Output: map[string]any{
			"report_id":   report.ID,
			"report_type": reportType,
			"summary":     summary,
		},
		Message:     fmt.Sprintf("generated %s report", reportType),
		CompletedAt: time.Now(),
	}, nil
}

func (e *generateReportExecutor) Preview(ctx context.Context, action *models.Action) (map[string]any, map[string]any, []string, error) {
	counts := e.catalog.Counts()
	reports := counts["reports"]
	before := map[string]any{"reports": reports}
	after := map[string]any{"reports": reports + 1}
	return before, after, nil, nil
}

// submitMarketplaceExecutor hands a variant off to marketplace review. The
// hand-off crosses a system boundary and cannot be withdrawn, so there is no
// inverse.
type submitMarketplaceExecutor struct {
	catalog *Catalog
	logger  *zap.Logger
}

var _ Executor = (*submitMarketplaceExecutor)(nil)

func (e *submitMarketplaceExecutor) Execute(ctx context.Context, action *models.Action) (*models.ExecutionResult, error) {
	variantID, err := stringParam(action, "variant_id")
	if err != nil {
		return nil, err
	}

	sub := &Submission{
		ID:          uuid.NewString(),
		VariantID:   variantID,
		SubmittedAt: time.Now(),
	}
	if err := e.catalog.Submit(sub); err != nil {
		return nil, retry.Permanent(err)
	}

	e.logger.Info("submitted to marketplace",
		zap.String("submission_id", sub.ID), zap.String("variant_id", variantID))
	return &models.ExecutionResult{
		Output: map[string]any{
			"submission_id": sub.ID,
			"variant_id":    variantID,
		},
		Message:     fmt.Sprintf("submitted variant %s for marketplace review", variantID),
		CompletedAt: time.Now(),
	}, nil
}
