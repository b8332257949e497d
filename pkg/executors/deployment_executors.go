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

// deployAgentExecutor rolls an agent variant out to production. The inverse
// undeploys it.
type deployAgentExecutor struct {
	catalog *Catalog
	logger  *zap.Logger
}

var _ Executor = (*deployAgentExecutor)(nil)
var _ Rollbacker = (*deployAgentExecutor)(nil)
var _ Previewer = (*deployAgentExecutor)(nil)

func (e *deployAgentExecutor) Execute(ctx context.Context, action *models.Action) (*models.ExecutionResult, error) {
	agentID, err := stringParam(action, "agent_id")
	if err != nil {
		return nil, err
	}
	variantID := optionalStringParam(action, "variant_id")
	deployRef := uuid.NewString()

	if err := e.catalog.Deploy(agentID, variantID, deployRef); err != nil {
		return nil, retry.Permanent(err)
	}

	e.logger.Info("deployed agent",
		zap.String("agent_id", agentID), zap.String("deploy_ref", deployRef))
	return &models.ExecutionResult{
		Output: map[string]any{
			"agent_id":   agentID,
			"deploy_ref": deployRef,
		},
		Message:     fmt.Sprintf("deployed agent %s", agentID),
		CompletedAt: time.Now(),
	}, nil
}

func (e *deployAgentExecutor) Rollback(ctx context.Context, action *models.Action) error {
	agentID, ok := outputString(action, "agent_id")
	if !ok {
		return fmt.Errorf("execution result carries no agent_id to roll back")
	}
	e.catalog.Undeploy(agentID)
	e.logger.Info("rolled back deployment", zap.String("agent_id", agentID))
	return nil
}

func (e *deployAgentExecutor) Preview(ctx context.Context, action *models.Action) (map[string]any, map[string]any, []string, error) {
	agentID, err := stringParam(action, "agent_id")
	if err != nil {
		return nil, nil, nil, err
	}

	agent, known := e.catalog.Agent(agentID)
	before := map[string]any{
		"agent_id": agentID,
		"deployed": agent.Deployed,
		"paused":   agent.Paused,
	}
	after := map[string]any{
		"agent_id": agentID,
		"deployed": true,
		"paused":   false,
	}

	var risks []string
	if agent.Deployed && !agent.Paused {
		return nil, nil, nil, retry.Permanent(fmt.Errorf("agent %s is already deployed", agentID))
	}
	if !known {
		risks = append(risks, "agent has no prior deployment history")
	}
	if !agent.Certified {
		risks = append(risks, "agent is not certified")
	}
	return before, after, risks, nil
}

// pauseDeploymentExecutor suspends a running deployment; resume is the inverse.
type pauseDeploymentExecutor struct {
	catalog *Catalog
	logger  *zap.Logger
}

var _ Executor = (*pauseDeploymentExecutor)(nil)
var _ Rollbacker = (*pauseDeploymentExecutor)(nil)
var _ Previewer = (*pauseDeploymentExecutor)(nil)

func (e *pauseDeploymentExecutor) Execute(ctx context.Context, action *models.Action) (*models.ExecutionResult, error) {
	agentID, err := stringParam(action, "agent_id")
	if err != nil {
		return nil, err
	}

	if err := e.catalog.Pause(agentID); err != nil {
		return nil, retry.Permanent(err)
	}

	e.logger.Info("paused deployment", zap.String("agent_id", agentID))
	return &models.ExecutionResult{
		Output:      map[string]any{"agent_id": agentID},
		Message:     fmt.Sprintf("paused deployment of agent %s", agentID),
		CompletedAt: time.Now(),
	}, nil
}

func (e *pauseDeploymentExecutor) Rollback(ctx context.Context, action *models.Action) error {
	agentID, ok := outputString(action, "agent_id")
	if !ok {
		return fmt.Errorf("execution result carries no agent_id to roll back")
	}
	e.catalog.Resume(agentID)
	e.logger.Info("rolled back pause", zap.String("agent_id", agentID))
	return nil
}

func (e *pauseDeploymentExecutor) Preview(ctx context.Context, action *models.Action) (map[string]any, map[string]any, []string, error) {
	agentID, err := stringParam(action, "agent_id")
	if err != nil {
		return nil, nil, nil, err
	}

	agent, _ := e.catalog.Agent(agentID)
	if !agent.Deployed {
		return nil, nil, nil, retry.Permanent(fmt.Errorf("agent %s is not deployed", agentID))
	}
	before := map[string]any{"agent_id": agentID, "paused": agent.Paused}
	after := map[string]any{"agent_id": agentID, "paused": true}
	risks := []string{"live traffic to this agent will stop"}
	return before, after, risks, nil
}

// recertifyAgentExecutor re-runs certification for an agent. Certification
// stamps cannot be un-stamped, so there is no inverse.
type recertifyAgentExecutor struct {
	catalog *Catalog
	logger  *zap.Logger
}

var _ Executor = (*recertifyAgentExecutor)(nil)

func (e *recertifyAgentExecutor) Execute(ctx context.Context, action *models.Action) (*models.ExecutionResult, error) {
	agentID, err := stringParam(action, "agent_id")
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := e.catalog.Certify(agentID, now); err != nil {
		return nil, retry.Permanent(err)
	}

	e.logger.Info("recertified agent", zap.String("agent_id", agentID))
	return &models.ExecutionResult{
		Output: map[string]any{
			"agent_id":     agentID,
			"certified_at": now.Format(time.RFC3339),
		},
		Message:     fmt.Sprintf("recertified agent %s", agentID),
		CompletedAt: now,
	}, nil
}
