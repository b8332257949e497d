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

// createUseCaseExecutor adds a governed use case to the catalog. Rollback
// deletes the created entry.
type createUseCaseExecutor struct {
	catalog *Catalog
	logger  *zap.Logger
}

var _ Executor = (*createUseCaseExecutor)(nil)
var _ Rollbacker = (*createUseCaseExecutor)(nil)

func (e *createUseCaseExecutor) Execute(ctx context.Context, action *models.Action) (*models.ExecutionResult, error) {
	name, err := stringParam(action, "name")
	if err != nil {
		return nil, err
	}

	uc := &UseCase{
		ID:          uuid.NewString(),
		Name:        name,
		Description: optionalStringParam(action, "description"),
		TaxonomyID:  optionalStringParam(action, "taxonomy_id"),
		CreatedAt:   time.Now(),
	}
	if uc.TaxonomyID != "" {
		if _, ok := e.catalog.TaxonomyNode(uc.TaxonomyID); !ok {
			return nil, retry.Permanent(fmt.Errorf("taxonomy node %s not found", uc.TaxonomyID))
		}
	}
	if err := e.catalog.PutUseCase(uc); err != nil {
		return nil, retry.Permanent(err)
	}

	e.logger.Info("created use case", zap.String("use_case_id", uc.ID), zap.String("name", name))
	return &models.ExecutionResult{
		Output:      map[string]any{"use_case_id": uc.ID},
		Message:     fmt.Sprintf("created use case %q", name),
		CompletedAt: time.Now(),
	}, nil
}

func (e *createUseCaseExecutor) Rollback(ctx context.Context, action *models.Action) error {
	id, ok := outputString(action, "use_case_id")
	if !ok {
		return fmt.Errorf("execution result carries no use_case_id to roll back")
	}
	e.catalog.DeleteUseCase(id)
	e.logger.Info("rolled back use case creation", zap.String("use_case_id", id))
	return nil
}

// createSkeletonExecutor scaffolds an agent skeleton under an existing use case.
type createSkeletonExecutor struct {
	catalog *Catalog
	logger  *zap.Logger
}

var _ Executor = (*createSkeletonExecutor)(nil)
var _ Rollbacker = (*createSkeletonExecutor)(nil)

func (e *createSkeletonExecutor) Execute(ctx context.Context, action *models.Action) (*models.ExecutionResult, error) {
	useCaseID, err := stringParam(action, "use_case_id")
	if err != nil {
		return nil, err
	}
	name, err := stringParam(action, "name")
	if err != nil {
		return nil, err
	}

	sk := &Skeleton{
		ID:        uuid.NewString(),
		UseCaseID: useCaseID,
		Name:      name,
		CreatedAt: time.Now(),
	}
	if err := e.catalog.PutSkeleton(sk); err != nil {
		return nil, retry.Permanent(err)
	}

	e.logger.Info("created skeleton", zap.String("skeleton_id", sk.ID), zap.String("use_case_id", useCaseID))
	return &models.ExecutionResult{
		Output:      map[string]any{"skeleton_id": sk.ID},
		Message:     fmt.Sprintf("created skeleton %q", name),
		CompletedAt: time.Now(),
	}, nil
}

func (e *createSkeletonExecutor) Rollback(ctx context.Context, action *models.Action) error {
	id, ok := outputString(action, "skeleton_id")
	if !ok {
		return fmt.Errorf("execution result carries no skeleton_id to roll back")
	}
	e.catalog.DeleteSkeleton(id)
	e.logger.Info("rolled back skeleton creation", zap.String("skeleton_id", id))
	return nil
}

// createVariantExecutor instantiates a configured variant of a skeleton.
type createVariantExecutor struct {
	catalog *Catalog
	logger  *zap.Logger
}

var _ Executor = (*createVariantExecutor)(nil)
var _ Rollbacker = (*createVariantExecutor)(nil)

func (e *createVariantExecutor) Execute(ctx context.Context, action *models.Action) (*models.ExecutionResult, error) {
	skeletonID, err := stringParam(action, "skeleton_id")
	if err != nil {
		return nil, err
	}
	name, err := stringParam(action, "name")
	if err != nil {
		return nil, err
	}
	var cfg map[string]any
	if _, ok := action.Parameters["config"]; ok {
		if cfg, err = mapParam(action, "config"); err != nil {
			return nil, err
		}
	}

	v := &Variant{
		ID:         uuid.NewString(),
		SkeletonID: skeletonID,
		Name:       name,
		Config:     cfg,
		CreatedAt:  time.Now(),
	}
	if err := e.catalog.PutVariant(v); err != nil {
		return nil, retry.Permanent(err)
	}

	e.logger.Info("created variant", zap.String("variant_id", v.ID), zap.String("skeleton_id", skeletonID))
	return &models.ExecutionResult{
		Output:      map[string]any{"variant_id": v.ID},
		Message:     fmt.Sprintf("created variant %q", name),
		CompletedAt: time.Now(),
	}, nil
}

func (e *createVariantExecutor) Rollback(ctx context.Context, action *models.Action) error {
	id, ok := outputString(action, "variant_id")
	if !ok {
		return fmt.Errorf("execution result carries no variant_id to roll back")
	}
	e.catalog.DeleteVariant(id)
	e.logger.Info("rolled back variant creation", zap.String("variant_id", id))
	return nil
}

// addTaxonomyNodeExecutor grows the taxonomy tree by one node.
type addTaxonomyNodeExecutor struct {
	catalog *Catalog
	logger  *zap.Logger
}

var _ Executor = (*addTaxonomyNodeExecutor)(nil)
var _ Rollbacker = (*addTaxonomyNodeExecutor)(nil)
var _ Previewer = (*addTaxonomyNodeExecutor)(nil)

func (e *addTaxonomyNodeExecutor) Execute(ctx context.Context, action *models.Action) (*models.ExecutionResult, error) {
	label, err := stringParam(action, "label")
	if err != nil {
		return nil, err
	}

	node := &TaxonomyNode{
		ID:       uuid.NewString(),
		ParentID: optionalStringParam(action, "parent_id"),
		Label:    label,
	}
	if err := e.catalog.AddTaxonomyNode(node); err != nil {
		return nil, retry.Permanent(err)
	}

	e.logger.Info("added taxonomy node", zap.String("node_id", node.ID), zap.String("label", label))
	return &models.ExecutionResult{
		Output:      map[string]any{"node_id": node.ID},
		Message:     fmt.Sprintf("added taxonomy node %q", label),
		CompletedAt: time.Now(),
	}, nil
}

func (e *addTaxonomyNodeExecutor) Rollback(ctx context.Context, action *models.Action) error {
	id, ok := outputString(action, "node_id")
	if !ok {
		return fmt.Errorf("execution result carries no node_id to roll back")
	}
	if err := e.catalog.RemoveTaxonomyNode(id); err != nil {
		return fmt.Errorf("failed to remove taxonomy node: %w", err)
	}
	e.logger.Info("rolled back taxonomy node", zap.String("node_id", id))
	return nil
}

func (e *addTaxonomyNodeExecutor) Preview(ctx context.Context, action *models.Action) (map[string]any, map[string]any, []string, error) {
	label, err := stringParam(action, "label")
	if err != nil {
		return nil, nil, nil, err
	}
	parentID := optionalStringParam(action, "parent_id")

	var risks []string
	if parentID != "" {
		if _, ok := e.catalog.TaxonomyNode(parentID); !ok {
			return nil, nil, nil, retry.Permanent(fmt.Errorf("parent taxonomy node %s not found", parentID))
		}
	} else {
		risks = append(risks, "node will be added at taxonomy root")
	}

	nodes := e.catalog.Counts()["taxonomy_nodes"]
	before := map[string]any{"taxonomy_nodes": nodes}
	after := map[string]any{"taxonomy_nodes": nodes + 1, "new_label": label}
	return before, after, risks, nil
}

// addRelationExecutor links two entities in the ontology.
type addRelationExecutor struct {
	catalog *Catalog
	logger  *zap.Logger
}

var _ Executor = (*addRelationExecutor)(nil)
var _ Rollbacker = (*addRelationExecutor)(nil)

func (e *addRelationExecutor) Execute(ctx context.Context, action *models.Action) (*models.ExecutionResult, error) {
	subject, err := stringParam(action, "subject_id")
	if err != nil {
		return nil, err
	}
	predicate, err := stringParam(action, "predicate")
	if err != nil {
		return nil, err
	}
	object, err := stringParam(action, "object_id")
	if err != nil {
		return nil, err
	}

	rel := &OntologyRelation{SubjectID: subject, Predicate: predicate, ObjectID: object}
	if err := e.catalog.AddRelation(rel); err != nil {
		return nil, retry.Permanent(err)
	}

	e.logger.Info("added ontology relation",
		zap.String("subject", subject), zap.String("predicate", predicate), zap.String("object", object))
	return &models.ExecutionResult{
		Output: map[string]any{
			"subject_id": subject,
			"predicate":  predicate,
			"object_id":  object,
		},
		Message:     fmt.Sprintf("related %s -[%s]-> %s", subject, predicate, object),
		CompletedAt: time.Now(),
	}, nil
}

func (e *addRelationExecutor) Rollback(ctx context.Context, action *models.Action) error {
	subject, okS := outputString(action, "subject_id")
	predicate, okP := outputString(action, "predicate")
	object, okO := outputString(action, "object_id")
	if !okS || !okP || !okO {
		return fmt.Errorf("execution result carries no relation key to roll back")
	}
	e.catalog.RemoveRelation(subject, predicate, object)
	e.logger.Info("rolled back ontology relation",
		zap.String("subject", subject), zap.String("predicate", predicate), zap.String("object", object))
	return nil
}
