package executors

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter-engine/pkg/models"
)

// adjustThresholdExecutor changes a detection threshold. The forward pass
// records the prior value so the inverse can restore it.
type adjustThresholdExecutor struct {
	catalog *Catalog
	logger  *zap.Logger
}

var _ Executor = (*adjustThresholdExecutor)(nil)
var _ Rollbacker = (*adjustThresholdExecutor)(nil)
var _ Previewer = (*adjustThresholdExecutor)(nil)

func (e *adjustThresholdExecutor) Execute(ctx context.Context, action *models.Action) (*models.ExecutionResult, error) {
	key, err := stringParam(action, "threshold_key")
	if err != nil {
		return nil, err
	}
	value, err := floatParam(action, "value")
	if err != nil {
		return nil, err
	}

	previous, existed := e.catalog.SetThreshold(key, value)

	output := map[string]any{
		"threshold_key": key,
		"value":         value,
		"had_previous":  existed,
	}
	if existed {
		output["previous_value"] = previous
	}

	e.logger.Info("adjusted threshold",
		zap.String("threshold_key", key), zap.Float64("value", value))
	return &models.ExecutionResult{
		Output:      output,
		Message:     fmt.Sprintf("set threshold %s to %g", key, value),
		CompletedAt: time.Now(),
	}, nil
}

func (e *adjustThresholdExecutor) Rollback(ctx context.Context, action *models.Action) error {
	key, ok := outputString(action, "threshold_key")
	if !ok {
		return fmt.Errorf("execution result carries no threshold_key to roll back")
	}
	if action.ExecutionResult.Output["had_previous"] == true {
		if prev, ok := action.ExecutionResult.Output["previous_value"].(float64); ok {
			e.catalog.SetThreshold(key, prev)
			e.logger.Info("restored threshold", zap.String("threshold_key", key), zap.Float64("value", prev))
			return nil
		}
	}
	e.catalog.DeleteThreshold(key)
	e.logger.Info("removed threshold on rollback", zap.String("threshold_key", key))
	return nil
}

func (e *adjustThresholdExecutor) Preview(ctx context.Context, action *models.Action) (map[string]any, map[string]any, []string, error) {
	key, err := stringParam(action, "threshold_key")
	if err != nil {
		return nil, nil, nil, err
	}
	value, err := floatParam(action, "value")
	if err != nil {
		return nil, nil, nil, err
	}

	current, existed := e.catalog.Threshold(key)
	before := map[string]any{"threshold_key": key}
	if existed {
		before["value"] = current
	}
	after := map[string]any{"threshold_key": key, "value": value}

	var risks []string
	if !existed {
		risks = append(risks, "threshold does not exist yet and will be created")
	} else if current != 0 {
		change := (value - current) / current
		if change > 0.5 || change < -0.5 {
			risks = append(risks, fmt.Sprintf("threshold moves more than 50%% (%g -> %g)", current, value))
		}
	}
	return before, after, risks, nil
}

// updateConfigurationExecutor merges updates into a named configuration
// document; the inverse restores the pre-merge document.
type updateConfigurationExecutor struct {
	catalog *Catalog
	logger  *zap.Logger
}

var _ Executor = (*updateConfigurationExecutor)(nil)
var _ Rollbacker = (*updateConfigurationExecutor)(nil)
var _ Previewer = (*updateConfigurationExecutor)(nil)

func (e *updateConfigurationExecutor) Execute(ctx context.Context, action *models.Action) (*models.ExecutionResult, error) {
	name, err := stringParam(action, "config_name")
	if err != nil {
		return nil, err
	}
	updates, err := mapParam(action, "updates")
	if err != nil {
		return nil, err
	}

	previous := e.catalog.MergeConfiguration(name, updates)

	e.logger.Info("updated configuration",
		zap.String("config_name", name), zap.Int("keys_changed", len(updates)))
	return &models.ExecutionResult{
		Output: map[string]any{
			"config_name": name,
			"previous":    previous,
		},
		Message:     fmt.Sprintf("updated configuration %s (%d keys)", name, len(updates)),
		CompletedAt: time.Now(),
	}, nil
}

func (e *updateConfigurationExecutor) Rollback(ctx context.Context, action *models.Action) error {
	name, ok := outputString(action, "config_name")
	if !ok {
		return fmt.Errorf("execution result carries no config_name to roll back")
	}
	previous, _ := action.ExecutionResult.Output["previous"].(map[string]any)
	e.catalog.ReplaceConfiguration(name, previous)
	e.logger.Info("restored configuration", zap.String("config_name", name))
	return nil
}

func (e *updateConfigurationExecutor) Preview(ctx context.Context, action *models.Action) (map[string]any, map[string]any, []string, error) {
	name, err := stringParam(action, "config_name")
	if err != nil {
		return nil, nil, nil, err
	}
	updates, err := mapParam(action, "updates")
	if err != nil {
		return nil, nil, nil, err
	}

	current, _ := e.catalog.Configuration(name)
	projected := make(map[string]any, len(current)+len(updates))
	for k, v := range current {
		projected[k] = v
	}
	for k, v := range updates {
		projected[k] = v
	}

	var risks []string
	for k := range updates {
		if _, ok := current[k]; !ok {
			risks = append(risks, fmt.Sprintf("key %q is new to configuration %s", k, name))
		}
	}
	return map[string]any{"config": current}, map[string]any{"config": projected}, risks, nil
}
