package main

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/bifrosthq/bifrost/internal/admission"
	"github.com/bifrosthq/bifrost/internal/api"
	"github.com/bifrosthq/bifrost/internal/authz"
	"github.com/bifrosthq/bifrost/internal/broker"
	"github.com/bifrosthq/bifrost/internal/domain/repositories"
	"github.com/bifrosthq/bifrost/internal/domain/services"
	"github.com/bifrosthq/bifrost/internal/events"
	"github.com/bifrosthq/bifrost/internal/hooks"
	"github.com/bifrosthq/bifrost/internal/pkg/config"
	"github.com/bifrosthq/bifrost/internal/pkg/crypto"
	"github.com/bifrosthq/bifrost/internal/pkg/database"
	"github.com/bifrosthq/bifrost/internal/pkg/logger"
	pkgredis "github.com/bifrosthq/bifrost/internal/pkg/redis"
	"github.com/bifrosthq/bifrost/internal/pkg/tasks"
	"github.com/bifrosthq/bifrost/internal/pool"
	"github.com/bifrosthq/bifrost/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Init(cfg.App.Environment, cfg.App.Debug)

	log.Info().
		Str("app", cfg.App.Name).
		Str("env", cfg.App.Environment).
		Msg("Starting API server")

	db, err := database.NewGormDB(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	if err := database.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	systemUser, err := database.EnsureSystemUser(db, cfg.Scheduler.SystemUserName)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure system user")
	}

	redisClient, err := pkgredis.NewClient(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}

	brk := broker.New(cfg.Broker, "bifrost-api")
	if err := brk.Connect(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to broker")
	}
	defer brk.Close()

	// Repositories
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

	// Services and the admission path
	catalogSvc := services.NewCatalogService(workflowRepo)
	executionSvc := services.NewExecutionService(executionRepo, logRepo)
	resolver := authz.NewResolver(accessRepo, roleRepo, userRepo)

	publisher := events.NewPublisher(redisClient)
	tracker := queue.NewTracker(redisClient, publisher)
	pending := queue.NewPendingStore(redisClient, cfg.Worker.PendingTTL)
	cancels := queue.NewCancelFlag(redisClient)
	inbox := events.NewResultInbox(redisClient, cfg.Worker.SyncResultTTL)

	gate := admission.NewGate(catalogSvc, executionSvc, resolver, pending, tracker, broker.NewPublisher(brk))

	// Event ingress
	tasksClient := tasks.NewClient(&cfg.Redis)
	defer tasksClient.Close()
	dispatcher := hooks.NewDispatcher(
		cfg.Hooks,
		sourceRepo, subscriptionRepo, eventRepo, deliveryRepo,
		gate, tasksClient, systemUser.ID,
	)

	jwtManager := crypto.NewJWTManager(crypto.JWTConfig{
		Secret: cfg.JWT.Secret,
		Expiry: cfg.JWT.AccessExpiry,
		Issuer: cfg.JWT.Issuer,
	})

	server := api.NewServer(cfg, &api.Deps{
		Gate:       gate,
		Catalog:    catalogSvc,
		Executions: executionSvc,
		Tracker:    tracker,
		Cancels:    cancels,
		Inbox:      inbox,
		Publisher:  publisher,
		Registry:   pool.NewRegistry(redisClient, cfg.Pool.HeartbeatTTL),
		Dispatcher: dispatcher,
		JWTManager: jwtManager,
		Redis:      redisClient,
		DB:         db,
	})

	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("Server error")
	}
}
