package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bifrosthq/bifrost/internal/pkg/metrics"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// AdminServer is the pool's operational surface: worker listing, on-demand
// recycle, health and Prometheus metrics. It binds its own port so worker
// management stays reachable when the public API is down.
type AdminServer struct {
	manager    *Manager
	httpServer *http.Server
}

func NewAdminServer(manager *Manager, port int) *AdminServer {
	s := &AdminServer{manager: manager}

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)

	router.Get("/workers", s.listWorkers)
	router.Post("/workers/{workerID}/recycle", s.recycleWorker)
	router.Handle("/metrics", metrics.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *AdminServer) Start() {
	go func() {
		log.Info().Str("addr", s.httpServer.Addr).Msg("Pool admin server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Pool admin server error")
		}
	}()
}

func (s *AdminServer) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *AdminServer) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.manager.Workers(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workers": workers,
		"count":   len(workers),
	})
}

func (s *AdminServer) recycleWorker(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	if err := s.manager.Recycle(workerID); err != nil {
		if errors.Is(err, ErrWorkerNotManaged) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":    "recycling",
		"worker_id": workerID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
