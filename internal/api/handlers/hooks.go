package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bifrosthq/bifrost/internal/api/dto"
	"github.com/bifrosthq/bifrost/internal/hooks"
)

// Hook payloads are capped well above what any real provider sends.
const maxHookBodySize = 1 << 20

// HookHandler is the unauthenticated ingress for external event producers.
// Trust comes from the source's own verification adapter, not from the
// platform's identity middleware.
type HookHandler struct {
	dispatcher *hooks.Dispatcher
}

func NewHookHandler(dispatcher *hooks.Dispatcher) *HookHandler {
	return &HookHandler{dispatcher: dispatcher}
}

func (h *HookHandler) Ingress(w http.ResponseWriter, r *http.Request) {
	sourceID, err := uuid.Parse(chi.URLParam(r, "source_id"))
	if err != nil {
		dto.BadRequest(w, r, "Invalid source id")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxHookBodySize+1))
	if err != nil {
		dto.BadRequest(w, r, "Failed to read request body")
		return
	}
	if len(body) > maxHookBodySize {
		dto.ErrorResponse(w, r, http.StatusRequestEntityTooLarge, "Payload too large")
		return
	}

	result, err := h.dispatcher.HandleIngress(r.Context(), sourceID, r.Header, body)
	if err != nil {
		switch {
		case errors.Is(err, hooks.ErrSourceNotFound):
			dto.NotFound(w, r, "Event source not found")
		case errors.Is(err, hooks.ErrVerificationFailed):
			dto.Unauthorized(w, r, "Event verification failed")
		case errors.Is(err, hooks.ErrUnknownKind):
			dto.ErrorResponse(w, r, http.StatusUnprocessableEntity, "Event source kind is not supported")
		default:
			dto.InternalServerError(w, r, "Failed to process event")
		}
		return
	}

	dto.Accepted(w, r, result)
}
