package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/bifrosthq/bifrost/internal/api/dto"
	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/bifrosthq/bifrost/internal/pool"
)

// WorkerHandler is the admin view onto the worker pool. The API process does
// not own the children; recycle requests travel through the slot registry
// and the pool manager acts on them on its next pass.
type WorkerHandler struct {
	registry *pool.Registry
}

func NewWorkerHandler(registry *pool.Registry) *WorkerHandler {
	return &WorkerHandler{registry: registry}
}

func (h *WorkerHandler) List(w http.ResponseWriter, r *http.Request) {
	slots, err := h.registry.List(r.Context())
	if err != nil {
		dto.InternalServerError(w, r, "Failed to list workers")
		return
	}
	dto.OK(w, r, dto.NewWorkerResponses(slots))
}

func (h *WorkerHandler) Recycle(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")
	if workerID == "" {
		dto.BadRequest(w, r, "Worker id is required")
		return
	}

	alive, err := h.registry.Alive(r.Context(), workerID)
	if err != nil {
		dto.InternalServerError(w, r, "Failed to check worker")
		return
	}
	if !alive {
		dto.NotFound(w, r, "Worker not found")
		return
	}

	if err := h.registry.MarkKilled(r.Context(), workerID); err != nil {
		dto.InternalServerError(w, r, "Failed to mark worker for recycle")
		return
	}

	log.Info().Str("worker_id", workerID).Msg("Worker marked for recycle")
	dto.Accepted(w, r, map[string]string{"worker_id": workerID, "state": models.WorkerStateKilled})
}
