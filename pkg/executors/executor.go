package executors

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter-engine/pkg/models"
	"github.com/arbiterhq/arbiter-engine/pkg/retry"
)

// Executor performs the real side effect for one action type.
type Executor interface {
	Execute(ctx context.Context, action *models.Action) (*models.ExecutionResult, error)
}

// Rollbacker is implemented by executors whose effect has a registered inverse.
// Executors that do not implement it are not rollbackable.
type Rollbacker interface {
	Rollback(ctx context.Context, action *models.Action) error
}

// Previewer is implemented by executors that can project before/after state
// without performing the side effect. The simulation engine uses it when
// available.
type Previewer interface {
	Preview(ctx context.Context, action *models.Action) (before, after map[string]any, risks []string, err error)
}

// Registry maps action types to their executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[models.ActionType]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[models.ActionType]Executor)}
}

// Register binds an executor to an action type, replacing any prior binding.
func (r *Registry) Register(t models.ActionType, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[t] = e
}

// Get returns the executor for an action type.
func (r *Registry) Get(t models.ActionType) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[t]
	return e, ok
}

// CanRollback reports whether the registered executor for the type has an inverse.
func (r *Registry) CanRollback(t models.ActionType) bool {
	e, ok := r.Get(t)
	if !ok {
		return false
	}
	_, ok = e.(Rollbacker)
	return ok
}

// DefaultRegistry builds a registry with the built-in executor for every
// action type, all operating on the given catalog.
func DefaultRegistry(catalog *Catalog, logger *zap.Logger) *Registry {
	r := NewRegistry()
	log := logger.Named("executors")

	r.Register(models.ActionTypeCreateUseCase, &createUseCaseExecutor{catalog: catalog, logger: log})
	r.Register(models.ActionTypeCreateSkeleton, &createSkeletonExecutor{catalog: catalog, logger: log})
	r.Register(models.ActionTypeCreateVariant, &createVariantExecutor{catalog: catalog, logger: log})
	r.Register(models.ActionTypeDeployAgent, &deployAgentExecutor{catalog: catalog, logger: log})
	r.Register(models.ActionTypeRecertifyAgent, &recertifyAgentExecutor{catalog: catalog, logger: log})
	r.Register(models.ActionTypeAdjustThreshold, &adjustThresholdExecutor{catalog: catalog, logger: log})
	r.Register(models.ActionTypeAddOntologyRelation, &addRelationExecutor{catalog: catalog, logger: log})
	r.Register(models.ActionTypeAddTaxonomyNode, &addTaxonomyNodeExecutor{catalog: catalog, logger: log})
	r.Register(models.ActionTypePauseDeployment, &pauseDeploymentExecutor{catalog: catalog, logger: log})
	r.Register(models.ActionTypeUpdateConfiguration, &updateConfigurationExecutor{catalog: catalog, logger: log})
	r.Register(models.ActionTypeSubmitMarketplace, &submitMarketplaceExecutor{catalog: catalog, logger: log})
	r.Register(models.ActionTypeGenerateReport, &generateReportExecutor{catalog: catalog, logger: log})

	return r
}

// stringParam extracts a required string parameter. A missing or empty value is
// a permanent error: retrying cannot fix bad parameters.
func stringParam(action *models.Action, key string) (string, error) {
	raw, ok := action.Parameters[key]
	if !ok {
		return "", retry.Permanent(fmt.Errorf("missing required parameter %q", key))
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", retry.Permanent(fmt.Errorf("parameter %q must be a non-empty string", key))
	}
	return s, nil
}

// optionalStringParam extracts an optional string parameter.
func optionalStringParam(action *models.Action, key string) string {
	if raw, ok := action.Parameters[key]; ok {
		if s, ok := raw.(string); ok {
			return s
		}
	}
	return ""
}

// floatParam extracts a required numeric parameter. JSON decoding yields
// float64 so that is the canonical carrier.
func floatParam(action *models.Action, key string) (float64, error) {
	raw, ok := action.Parameters[key]
	if !ok {
		return 0, retry.Permanent(fmt.Errorf("missing required parameter %q", key))
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	default:
		return 0, retry.Permanent(fmt.Errorf("parameter %q must be numeric", key))
	}
}

// mapParam extracts a required object parameter.
func mapParam(action *models.Action, key string) (map[string]any, error) {
	raw, ok := action.Parameters[key]
	if !ok {
		return nil, retry.Permanent(fmt.Errorf("missing required parameter %q", key))
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, retry.Permanent(fmt.Errorf("parameter %q must be an object", key))
	}
	return m, nil
}

// outputString reads a string back out of a recorded execution result, used by
// rollbacks that need what the forward pass captured.
func outputString(action *models.Action, key string) (string, bool) {
	if action.ExecutionResult == nil {
		return "", false
	}
	s, ok := action.ExecutionResult.Output[key].(string)
	return s, ok
}
