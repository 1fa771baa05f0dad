package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/bifrosthq/bifrost/internal/admission"
	"github.com/bifrosthq/bifrost/internal/api/handlers"
	"github.com/bifrosthq/bifrost/internal/api/middleware"
	"github.com/bifrosthq/bifrost/internal/api/websocket"
	"github.com/bifrosthq/bifrost/internal/domain/services"
	"github.com/bifrosthq/bifrost/internal/events"
	"github.com/bifrosthq/bifrost/internal/hooks"
	"github.com/bifrosthq/bifrost/internal/pkg/config"
	"github.com/bifrosthq/bifrost/internal/pkg/crypto"
	"github.com/bifrosthq/bifrost/internal/pkg/metrics"
	pkgredis "github.com/bifrosthq/bifrost/internal/pkg/redis"
	"github.com/bifrosthq/bifrost/internal/pool"
	"github.com/bifrosthq/bifrost/internal/queue"
)

// Deps carries everything the HTTP surface needs. The composition root in
// cmd/api builds these once and hands them over.
type Deps struct {
	Gate       *admission.Gate
	Catalog    *services.CatalogService
	Executions *services.ExecutionService
	Tracker    *queue.Tracker
	Cancels    *queue.CancelFlag
	Inbox      *events.ResultInbox
	Publisher  *events.Publisher
	Registry   *pool.Registry
	Dispatcher *hooks.Dispatcher
	JWTManager *crypto.JWTManager
	Redis      *pkgredis.Client
	DB         *gorm.DB
}

type Server struct {
	cfg        *config.Config
	router     *chi.Mux
	httpServer *http.Server
	wsHub      *websocket.Hub
	wsBridge   *websocket.Bridge
}

func NewServer(cfg *config.Config, deps *Deps) *Server {
	router := chi.NewRouter()

	wsHub := websocket.NewHub()
	wsBridge := websocket.NewBridge(deps.Redis, wsHub)

	// Global middleware
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.Logger())
	router.Use(metrics.MetricsMiddleware)
	router.Use(middleware.Recoverer())

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	})
	router.Use(corsHandler.Handler)

	// Handlers
	executionHandler := handlers.NewExecutionHandler(
		deps.Gate, deps.Catalog, deps.Executions,
		deps.Tracker, deps.Cancels, deps.Inbox, deps.Publisher,
		cfg.Worker,
	)
	queueHandler := handlers.NewQueueHandler(deps.Tracker)
	workerHandler := handlers.NewWorkerHandler(deps.Registry)
	hookHandler := handlers.NewHookHandler(deps.Dispatcher)
	healthHandler := handlers.NewHealthHandler(deps.DB, deps.Redis)
	wsHandler := handlers.NewWebSocketHandler(wsHub, cfg.Server.CORSOrigins)

	identity := middleware.NewIdentity(deps.JWTManager)
	rateLimiter := middleware.NewRateLimiter(deps.Redis)

	router.Route("/api", func(r chi.Router) {
		// Caller-facing routes
		r.Group(func(r chi.Router) {
			r.Use(identity.Resolve)
			r.Use(rateLimiter.Limit(cfg.Server.RateLimit, cfg.Server.RateLimitWindow))

			r.Post("/executions", executionHandler.Create)
			r.Post("/executions/sync", executionHandler.CreateSync)
			r.Get("/executions/{id}", executionHandler.Get)
			r.Get("/executions/{id}/logs", executionHandler.Logs)
			r.Post("/executions/{id}/cancel", executionHandler.Cancel)

			r.Get("/queue/depth", queueHandler.Depth)
			r.Get("/queue/position/{id}", queueHandler.Position)

			// Admin
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireSuperuser)
				r.Get("/workers", workerHandler.List)
				r.Post("/workers/{id}/recycle", workerHandler.Recycle)
			})
		})

		// Event ingress authenticates through the source's own adapter,
		// not the platform identity, and providers burst past any
		// per-caller budget.
		r.Post("/hooks/{source_id}", hookHandler.Ingress)
	})

	router.Get("/ws", wsHandler.HandleConnection)

	router.Get("/healthz", healthHandler.Live)
	router.Get("/readyz", healthHandler.Ready)
	router.Handle("/metrics", metrics.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &Server{
		cfg:        cfg,
		router:     router,
		httpServer: httpServer,
		wsHub:      wsHub,
		wsBridge:   wsBridge,
	}
}

// Start serves until SIGINT or SIGTERM, then drains.
func (s *Server) Start() error {
	s.wsBridge.Start()

	log.Info().Str("addr", s.httpServer.Addr).Msg("Starting HTTP server")
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.wsBridge.Stop()

	log.Info().Msg("Server stopped")
	return nil
}

func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) Hub() *websocket.Hub {
	return s.wsHub
}
