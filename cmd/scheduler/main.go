package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/bifrosthq/bifrost/internal/admission"
	"github.com/bifrosthq/bifrost/internal/authz"
	"github.com/bifrosthq/bifrost/internal/broker"
	"github.com/bifrosthq/bifrost/internal/domain/repositories"
	"github.com/bifrosthq/bifrost/internal/domain/services"
	"github.com/bifrosthq/bifrost/internal/events"
	"github.com/bifrosthq/bifrost/internal/hooks"
	"github.com/bifrosthq/bifrost/internal/monitor"
	"github.com/bifrosthq/bifrost/internal/pkg/config"
	"github.com/bifrosthq/bifrost/internal/pkg/database"
	"github.com/bifrosthq/bifrost/internal/pkg/logger"
	pkgredis "github.com/bifrosthq/bifrost/internal/pkg/redis"
	"github.com/bifrosthq/bifrost/internal/pkg/tasks"
	"github.com/bifrosthq/bifrost/internal/pool"
	"github.com/bifrosthq/bifrost/internal/queue"
	"github.com/bifrosthq/bifrost/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Init(cfg.App.Environment, cfg.App.Debug)

	log.Info().
		Str("app", cfg.App.Name).
		Str("service", "scheduler").
		Msg("Starting scheduler service")

	db, err := database.NewGormDB(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}

	systemUser, err := database.EnsureSystemUser(db, cfg.Scheduler.SystemUserName)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure system user")
	}

	redisClient, err := pkgredis.NewClient(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	brk := broker.New(cfg.Broker, "bifrost-scheduler")
	if err := brk.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to broker")
	}
	defer brk.Close()

	// Repositories and services
	workflowRepo := repositories.NewWorkflowRepository(db)
	accessRepo := repositories.NewWorkflowAccessRepository(db)
	roleRepo := repositories.NewRoleAssignmentRepository(db)
	userRepo := repositories.NewUserRepository(db)
	executionRepo := repositories.NewExecutionRepository(db)
	logRepo := repositories.NewExecutionLogRepository(db)
	sourceRepo := repositories.NewEventSourceRepository(db)
	subscriptionRepo := repositories.NewEventSubscriptionRepository(db)
	eventRepo := repositories.NewEventRepository(db)
	deliveryRepo := repositories.NewEventDeliveryRepository(db)

	catalogSvc := services.NewCatalogService(workflowRepo)
	executionSvc := services.NewExecutionService(executionRepo, logRepo)
	resolver := authz.NewResolver(accessRepo, roleRepo, userRepo)

	publisher := events.NewPublisher(redisClient)
	tracker := queue.NewTracker(redisClient, publisher)
	pending := queue.NewPendingStore(redisClient, cfg.Worker.PendingTTL)
	cancelFlag := queue.NewCancelFlag(redisClient)
	registry := pool.NewRegistry(redisClient, cfg.Pool.HeartbeatTTL)

	gate := admission.NewGate(catalogSvc, executionSvc, resolver, pending, tracker, broker.NewPublisher(brk))

	// Cron fires and the pending-queue sweep
	sched := scheduler.New(cfg.Scheduler, redisClient, workflowRepo, gate, tracker, systemUser.ID)
	sched.Start(ctx)

	// Stuck execution recovery
	mon := monitor.New(cfg.Scheduler, executionSvc, registry, tracker, pending, cancelFlag, publisher)
	mon.Start(ctx)

	// Event delivery follow-through
	tasksClient := tasks.NewClient(&cfg.Redis)
	defer tasksClient.Close()

	dispatcher := hooks.NewDispatcher(
		cfg.Hooks,
		sourceRepo, subscriptionRepo, eventRepo, deliveryRepo,
		gate, tasksClient, systemUser.ID,
	)
	feedback := hooks.NewFeedback(redisClient, deliveryRepo, executionSvc, dispatcher)
	feedback.Start(ctx)

	renewal := hooks.NewRenewal(cfg.Scheduler, sourceRepo, tasksClient)
	renewal.Start(ctx)

	taskServer := tasks.NewServer(&cfg.Redis, 4)
	taskServer.HandleFunc(tasks.TypeDeliveryRetry, dispatcher.HandleDeliveryRetry)
	taskServer.HandleFunc(tasks.TypeSourceRenewal, renewal.HandleSourceRenewal)
	if err := taskServer.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start task server")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down scheduler service...")
	cancel()

	taskServer.Shutdown()
	renewal.Stop()
	feedback.Stop()
	mon.Stop()
	sched.Stop()
	log.Info().Msg("Scheduler service stopped")
}
