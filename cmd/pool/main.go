package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bifrosthq/bifrost/internal/events"
	"github.com/bifrosthq/bifrost/internal/pkg/config"
	"github.com/bifrosthq/bifrost/internal/pkg/logger"
	pkgredis "github.com/bifrosthq/bifrost/internal/pkg/redis"
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
		Str("service", "pool").
		Int("min_workers", cfg.Pool.MinWorkers).
		Int("max_workers", cfg.Pool.MaxWorkers).
		Msg("Starting worker pool manager")

	redisClient, err := pkgredis.NewClient(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}

	registry := pool.NewRegistry(redisClient, cfg.Pool.HeartbeatTTL)
	tracker := queue.NewTracker(redisClient, events.NewPublisher(redisClient))

	manager := pool.NewManager(cfg.Pool, registry, tracker)
	admin := pool.NewAdminServer(manager, cfg.Pool.AdminPort)

	ctx, cancel := context.WithCancel(context.Background())
	manager.Start(ctx)
	admin.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down pool manager...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := admin.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Admin server shutdown error")
	}

	manager.Stop()
	log.Info().Msg("Pool manager stopped")
}
