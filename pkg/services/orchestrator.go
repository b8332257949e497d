package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter-engine/pkg/models"
	"github.com/arbiterhq/arbiter-engine/pkg/services/workqueue"
)

// ErrCycleInProgress is returned when a scan cycle is requested while another
// one holds the cycle lock.
var ErrCycleInProgress = errors.New("scan cycle already in progress")

const (
	cycleLockKey = "arbiter-engine:scan-cycle-lock"
	cycleLockTTL = 10 * time.Minute

	// How many intents one cycle will pick up.
	cycleIntentLimit = 200
)

// Orchestrator drives one full governance cycle: ledger open, expiry sweep,
// concurrent per-intent pipelines, ledger close. At most one cycle runs at a
// time; the lock is shared through Redis when configured, process-local otherwise.
type Orchestrator interface {
	// RunCycle executes one cycle for the given scan type and returns the
	// finalized ledger entry.
	RunCycle(ctx context.Context, scanType models.ScanType) (*models.ScanLogEntry, error)
}

// OrchestratorDeps carries the orchestrator's collaborators.
type OrchestratorDeps struct {
	Ledger      ScanLedger
	Registry    IntentRegistry
	Planner     ActionPlanner
	Coordinator ExecutionCoordinator
	Gate        ApprovalGate
	Settings    SettingsService
	Pool        *workqueue.Pool
	// Redis is optional; when nil the cycle lock is process-local.
	Redis  *redis.Client
	Logger *zap.Logger
}

type orchestrator struct {
	ledger      ScanLedger
	registry    IntentRegistry
	planner     ActionPlanner
	coordinator ExecutionCoordinator
	gate        ApprovalGate
	settings    SettingsService
	pool        *workqueue.Pool
	redis       *redis.Client
	logger      *zap.Logger

	localLock sync.Mutex
	running   bool
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(deps OrchestratorDeps) Orchestrator {
	return &orchestrator{
		ledger:      deps.Ledger,
		registry:    deps.Registry,
		planner:     deps.Planner,
		coordinator: deps.Coordinator,
		gate:        deps.Gate,
		settings:    deps.Settings,
		pool:        deps.Pool,
		redis:       deps.Redis,
		logger:      deps.Logger.Named("orchestrator"),
	}
}

var _ Orchestrator = (*orchestrator)(nil)

// cycleCounts accumulates ledger tallies across concurrent pipelines.
type cycleCounts struct {
	mu         sync.Mutex
	detected   int
	actions    int
	guardrails int
}

func (c *cycleCounts) addDetected(n int) {
	c.mu.Lock()
	c.detected += n
	c.mu.Unlock()
}

func (c *cycleCounts) addActions(n int) {
	c.mu.Lock()
	c.actions += n
	c.mu.Unlock()
}

func (c *cycleCounts) addGuardrails(n int) {
	c.mu.Lock()
	c.guardrails += n
	c.mu.Unlock()
}

func (c *cycleCounts) snapshot() models.ScanCounts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.ScanCounts{
		IntentsDetected:     c.detected,
		ActionsCreated:      c.actions,
		GuardrailsTriggered: c.guardrails,
	}
}

func (o *orchestrator) RunCycle(ctx context.Context, scanType models.ScanType) (*models.ScanLogEntry, error) {
	release, err := o.acquireLock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	entry, err := o.ledger.BeginCycle(ctx, scanType)
	if err != nil {
		return nil, err
	}

	counts := &cycleCounts{}
	cycleErr := o.runPipelines(ctx, counts)

	if endErr := o.ledger.EndCycle(ctx, entry.ID, counts.snapshot(), cycleErr); endErr != nil {
		o.logger.Error("Failed to finalize scan cycle",
			zap.String("scan_id", entry.ID.String()),
			zap.Error(endErr))
	}

	final, err := o.ledger.Get(ctx, entry.ID)
	if err != nil {
		return entry, cycleErr
	}
	return final, cycleErr
}

func (o *orchestrator) runPipelines(ctx context.Context, counts *cycleCounts) error {
	// Engine-initiated transitions are attributed to the scheduler.
	ctx = models.WithSchedulerActor(ctx)

	if _, err := o.registry.Expire(ctx); err != nil {
		o.logger.Warn("Expiry sweep failed", zap.Error(err))
	}

	settings, err := o.settings.Snapshot(ctx)
	if err != nil {
		return err
	}

	intents, err := o.listReady(ctx, counts)
	if err != nil {
		return err
	}
	if len(intents) == 0 {
		return nil
	}

	tasks := make([]workqueue.Task, 0, len(intents))
	for _, intent := range intents {
		intent := intent
		tasks = append(tasks, workqueue.TaskFunc{
			TaskID:   intent.ID.String(),
			TaskName: fmt.Sprintf("intent-%s", intent.IntentType),
			Fn: func(taskCtx context.Context) error {
				return o.processIntent(taskCtx, intent.ID, settings, counts)
			},
		})
	}

	return o.pool.Run(ctx, tasks)
}

func (o *orchestrator) listReady(ctx context.Context, counts *cycleCounts) ([]*models.Intent, error) {
	intents, err := o.registry.ListReady(ctx, cycleIntentLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ready intents: %w", err)
	}
	for _, intent := range intents {
		if intent.Status == models.IntentStatusDetected {
			counts.addDetected(1)
		}
	}
	return intents, nil
}

// processIntent runs one intent's full pipeline for this cycle: evaluation,
// the intent-level gate, planning, then the action sequence.
func (o *orchestrator) processIntent(ctx context.Context, intentID uuid.UUID, settings *models.SettingsSnapshot, counts *cycleCounts) error {
	intent, err := o.registry.Get(ctx, intentID)
	if err != nil {
		return err
	}

	if intent.Status == models.IntentStatusDetected {
		intent, err = o.registry.Evaluate(ctx, intentID)
		if err != nil {
			return err
		}
	}

	if intent.Status == models.IntentStatusProposed {
		verdict := o.gate.Decide(intent.Priority, false, settings.AutonomyLevel())
		if verdict != VerdictAutoApprove {
			// Parked for a human decision; picked up again next cycle.
			return nil
		}
		intent, err = o.registry.Decide(ctx, intentID, IntentDecisionApprove, "auto-approved by autonomy policy")
		if err != nil {
			return err
		}
	}

	if intent.Status == models.IntentStatusApproved {
		planned, err := o.planner.Derive(ctx, intentID)
		if err != nil {
			return err
		}
		counts.addActions(len(planned))
	}

	outcome, err := o.coordinator.ExecuteSequence(ctx, intent, settings)
	counts.addGuardrails(outcome.GuardrailsTriggered)
	return err
}

// acquireLock claims the cycle lock, preferring the shared Redis lock so only
// one engine replica runs a cycle at a time.
func (o *orchestrator) acquireLock(ctx context.Context) (func(), error) {
	if o.redis != nil {
		token := uuid.NewString()
		ok, err := o.redis.SetNX(ctx, cycleLockKey, token, cycleLockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire cycle lock: %w", err)
		}
		if !ok {
			return nil, ErrCycleInProgress
		}
		return func() {
			// Best effort; the TTL cleans up after a crashed holder.
			if err := o.redis.Del(context.Background(), cycleLockKey).Err(); err != nil {
				o.logger.Warn("Failed to release cycle lock", zap.Error(err))
			}
		}, nil
	}

	o.localLock.Lock()
	if o.running {
		o.localLock.Unlock()
		return nil, ErrCycleInProgress
	}
	o.running = true
	o.localLock.Unlock()
	return func() {
		o.localLock.Lock()
		o.running = false
		o.localLock.Unlock()
	}, nil
}
