package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/bifrosthq/bifrost/internal/authz"
	"github.com/bifrosthq/bifrost/internal/broker"
	"github.com/bifrosthq/bifrost/internal/domain/repositories"
	"github.com/bifrosthq/bifrost/internal/domain/services"
	"github.com/bifrosthq/bifrost/internal/events"
	"github.com/bifrosthq/bifrost/internal/pkg/config"
	"github.com/bifrosthq/bifrost/internal/pkg/database"
	"github.com/bifrosthq/bifrost/internal/pkg/logger"
	"github.com/bifrosthq/bifrost/internal/pkg/objectstore"
	pkgredis "github.com/bifrosthq/bifrost/internal/pkg/redis"
	"github.com/bifrosthq/bifrost/internal/pool"
	"github.com/bifrosthq/bifrost/internal/queue"
	"github.com/bifrosthq/bifrost/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Init(cfg.App.Environment, cfg.App.Debug)

	// The pool manager injects the worker id when it forks us. A missing id
	// means a standalone run, which is fine for development.
	workerID := os.Getenv(pool.EnvWorkerID)
	if workerID == "" {
		workerID = pool.NewWorkerID()
	}

	log.Info().
		Str("app", cfg.App.Name).
		Str("service", "worker").
		Str("worker_id", workerID).
		Msg("Starting worker")

	db, err := database.NewGormDB(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}

	redisClient, err := pkgredis.NewClient(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}

	ctx := context.Background()

	brk := broker.New(cfg.Broker, workerID)
	if err := brk.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to broker")
	}
	defer brk.Close()

	store, err := objectstore.New(ctx, cfg.S3)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open object store")
	}

	modules, err := worker.NewModuleLoader(redisClient, store, cfg.Worker.ModuleCacheTTL, cfg.Worker.ProgramCacheSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build module loader")
	}

	// Repositories and services
	workflowRepo := repositories.NewWorkflowRepository(db)
	accessRepo := repositories.NewWorkflowAccessRepository(db)
	roleRepo := repositories.NewRoleAssignmentRepository(db)
	userRepo := repositories.NewUserRepository(db)
	executionRepo := repositories.NewExecutionRepository(db)
	logRepo := repositories.NewExecutionLogRepository(db)

	catalogSvc := services.NewCatalogService(workflowRepo)
	executionSvc := services.NewExecutionService(executionRepo, logRepo)
	resolver := authz.NewResolver(accessRepo, roleRepo, userRepo)

	publisher := events.NewPublisher(redisClient)
	tracker := queue.NewTracker(redisClient, publisher)

	w := worker.New(workerID, cfg, brk, broker.NewPublisher(brk), worker.Deps{
		Executions: executionSvc,
		Catalog:    catalogSvc,
		Authz:      resolver,
		Pending:    queue.NewPendingStore(redisClient, cfg.Worker.PendingTTL),
		Tracker:    tracker,
		CancelFlag: queue.NewCancelFlag(redisClient),
		Inbox:      events.NewResultInbox(redisClient, cfg.Worker.SyncResultTTL),
		Publisher:  publisher,
		Logs:       logRepo,
		Modules:    modules,
		Registry:   pool.NewRegistry(redisClient, cfg.Pool.HeartbeatTTL),
	})

	w.Start(ctx)

	// The pool manager recycles us with SIGTERM; drain before exiting.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Str("worker_id", workerID).Msg("Shutting down worker...")
	w.Stop()
}
