package handlers

import (
	"errors"
	"net/http"

	"github.com/bifrosthq/bifrost/internal/api/dto"
	"github.com/bifrosthq/bifrost/internal/queue"
)

// QueueHandler exposes the pending queue's depth and per-execution position.
type QueueHandler struct {
	tracker *queue.Tracker
}

func NewQueueHandler(tracker *queue.Tracker) *QueueHandler {
	return &QueueHandler{tracker: tracker}
}

func (h *QueueHandler) Depth(w http.ResponseWriter, r *http.Request) {
	depth, err := h.tracker.Depth(r.Context())
	if err != nil {
		dto.InternalServerError(w, r, "Failed to read queue depth")
		return
	}
	dto.OK(w, r, dto.QueueDepthResponse{Depth: depth})
}

func (h *QueueHandler) Position(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	position, err := h.tracker.Position(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrNotQueued) {
			dto.NotFound(w, r, "Execution is not waiting in the queue")
			return
		}
		dto.InternalServerError(w, r, "Failed to read queue position")
		return
	}
	dto.OK(w, r, dto.QueuePositionResponse{ExecutionID: id, Position: position})
}
