package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql (migrations)
	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter-engine/pkg/config"
	"github.com/arbiterhq/arbiter-engine/pkg/database"
	"github.com/arbiterhq/arbiter-engine/pkg/executors"
	"github.com/arbiterhq/arbiter-engine/pkg/handlers"
	"github.com/arbiterhq/arbiter-engine/pkg/logging"
	"github.com/arbiterhq/arbiter-engine/pkg/middleware"
	"github.com/arbiterhq/arbiter-engine/pkg/models"
	"github.com/arbiterhq/arbiter-engine/pkg/repositories"
	"github.com/arbiterhq/arbiter-engine/pkg/retry"
	"github.com/arbiterhq/arbiter-engine/pkg/services"
	"github.com/arbiterhq/arbiter-engine/pkg/services/workqueue"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("database", cfg.Database.Database),
		zap.String("database_host", cfg.Database.Host),
		zap.String("redis_host", cfg.Redis.Host),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Engine exited with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	// golang-migrate drives migrations through database/sql.
	sqlDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		return err
	}
	if err := database.RunMigrations(sqlDB, cfg.Database.MigrationsPath, logger); err != nil {
		_ = sqlDB.Close()
		return err
	}
	_ = sqlDB.Close()

	redisClient, err := database.NewRedisClient(&cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	// Repositories
	intentRepo := repositories.NewIntentRepository(db)
	actionRepo := repositories.NewActionRepository(db)
	violationRepo := repositories.NewViolationRepository(db)
	settingRepo := repositories.NewSettingRepository(db)
	scanLogRepo := repositories.NewScanLogRepository(db)
	auditRepo := repositories.NewAuditRepository(db)

	// Services
	audit := services.NewAuditService(auditRepo, logger)
	defer audit.Close()

	catalog := executors.NewCatalog()
	registry := executors.DefaultRegistry(catalog, logger)

	intents := services.NewIntentRegistry(services.IntentRegistryDeps{
		Intents:     intentRepo,
		Actions:     actionRepo,
		Audit:       audit,
		DedupWindow: cfg.Engine.DedupWindow(),
		DefaultTTL:  72 * time.Hour,
		Logger:      logger,
	})
	planner := services.NewActionPlanner(intentRepo, actionRepo, audit, logger)
	guardrails := services.NewGuardrailEvaluator(violationRepo, audit, logger)
	simulation := services.NewSimulationEngine(registry, guardrails, logger)
	gate := services.NewApprovalGate(actionRepo, audit, logger)
	settings := services.NewSettingsService(settingRepo, audit, logger)
	ledger := services.NewScanLedger(scanLogRepo, logger)
	dashboard := services.NewDashboardService(intentRepo, actionRepo, violationRepo, settings, logger)

	coordinator := services.NewExecutionCoordinator(services.ExecutionCoordinatorDeps{
		Actions:     actionRepo,
		Intents:     intents,
		Guardrails:  guardrails,
		Simulation:  simulation,
		Gate:        gate,
		Registry:    registry,
		State:       services.NewGuardrailState(),
		RetryConfig: &retry.Config{
			MaxRetries:   cfg.Engine.MaxExecutionRetries,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			JitterFactor: 0.1,
		},
		Timeout: cfg.Engine.ExecutorTimeout,
		Logger:  logger,
	})

	orchestrator := services.NewOrchestrator(services.OrchestratorDeps{
		Ledger:      ledger,
		Registry:    intents,
		Planner:     planner,
		Coordinator: coordinator,
		Gate:        gate,
		Settings:    settings,
		Pool:        workqueue.New(logger, workqueue.WithWorkers(cfg.Engine.IntentWorkers)),
		Redis:       redisClient,
		Logger:      logger,
	})

	// HTTP surface
	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)
	handlers.NewIntentsHandler(intents, actionRepo, logger).RegisterRoutes(mux)
	handlers.NewActionsHandler(actionRepo, gate, planner, guardrails, logger).RegisterRoutes(mux)
	handlers.NewViolationsHandler(guardrails, logger).RegisterRoutes(mux)
	handlers.NewSettingsHandler(settings, logger).RegisterRoutes(mux)
	handlers.NewDashboardHandler(dashboard, logger).RegisterRoutes(mux)
	handlers.NewScansHandler(orchestrator, ledger, logger).RegisterRoutes(mux)
	handlers.NewAuditHandler(audit, logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:    cfg.BindAddr + ":" + cfg.Port,
		Handler: middleware.RequestLogger(logger)(mux),
	}

	// Periodic scan cycles. Zero interval disables the scheduler.
	if cfg.Engine.ScanIntervalMinutes > 0 {
		go runScheduler(ctx, orchestrator, time.Duration(cfg.Engine.ScanIntervalMinutes)*time.Minute, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting arbiter-engine",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// runScheduler triggers a full scan cycle on a fixed interval until the
// context is cancelled. An overlapping cycle is skipped, not queued.
func runScheduler(ctx context.Context, orchestrator services.Orchestrator, interval time.Duration, logger *zap.Logger) {
	scheduler := logger.Named("scheduler")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycleCtx := models.WithSchedulerActor(ctx)
			entry, err := orchestrator.RunCycle(cycleCtx, models.ScanTypeFull)
			if err != nil {
				if errors.Is(err, services.ErrCycleInProgress) {
					scheduler.Debug("Skipping scheduled cycle, previous cycle still running")
					continue
				}
				scheduler.Error("Scheduled cycle failed", zap.Error(err))
				continue
			}
			scheduler.Info("Scheduled cycle finished",
				zap.Int("intents_detected", entry.IntentsDetected),
				zap.Int("actions_created", entry.ActionsCreated),
				zap.Int("guardrails_triggered", entry.GuardrailsTriggered),
			)
		}
	}
}
