package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/bifrosthq/bifrost/internal/admission"
	"github.com/bifrosthq/bifrost/internal/api/dto"
	"github.com/bifrosthq/bifrost/internal/api/middleware"
	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/bifrosthq/bifrost/internal/domain/services"
	"github.com/bifrosthq/bifrost/internal/events"
	"github.com/bifrosthq/bifrost/internal/pkg/config"
	"github.com/bifrosthq/bifrost/internal/pkg/crypto"
	"github.com/bifrosthq/bifrost/internal/pkg/validator"
	"github.com/bifrosthq/bifrost/internal/queue"
)

const maxLogPageSize = 1000

// ExecutionHandler admits executions and serves their durable state.
type ExecutionHandler struct {
	gate       *admission.Gate
	catalog    *services.CatalogService
	executions *services.ExecutionService
	tracker    *queue.Tracker
	cancels    *queue.CancelFlag
	inbox      *events.ResultInbox
	publisher  *events.Publisher
	workerCfg  config.WorkerConfig
}

func NewExecutionHandler(
	gate *admission.Gate,
	catalog *services.CatalogService,
	executions *services.ExecutionService,
	tracker *queue.Tracker,
	cancels *queue.CancelFlag,
	inbox *events.ResultInbox,
	publisher *events.Publisher,
	workerCfg config.WorkerConfig,
) *ExecutionHandler {
	return &ExecutionHandler{
		gate:       gate,
		catalog:    catalog,
		executions: executions,
		tracker:    tracker,
		cancels:    cancels,
		inbox:      inbox,
		publisher:  publisher,
		workerCfg:  workerCfg,
	}
}

// Create admits an execution. The body's sync flag decides whether the
// caller gets a ticket right away or waits for the terminal record.
func (h *ExecutionHandler) Create(w http.ResponseWriter, r *http.Request) {
	h.admit(w, r, false)
}

// CreateSync admits an execution and blocks until it settles.
func (h *ExecutionHandler) CreateSync(w http.ResponseWriter, r *http.Request) {
	h.admit(w, r, true)
}

func (h *ExecutionHandler) admit(w http.ResponseWriter, r *http.Request, forceSync bool) {
	var req dto.EnqueueExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		dto.BadRequest(w, r, "Invalid request body")
		return
	}
	if err := validator.Validate(&req); err != nil {
		dto.ValidationErrorResponse(w, r, err)
		return
	}

	ctx := r.Context()
	sync := forceSync || req.Sync
	ref := services.WorkflowRef{
		ID:           req.WorkflowID,
		Path:         req.ModulePath,
		FunctionName: req.FunctionName,
	}

	caller, signedIn := middleware.CallerFrom(ctx)

	// A workflow API key can only be verified against the workflow it
	// claims to unlock, so the key check happens here, after resolution.
	// The authorization rules downstream trust IsAPIKey as already
	// verified, which means a bad key must die right here.
	var workflow *models.Workflow
	if rawKey, present := middleware.RawAPIKeyFrom(ctx); present && !signedIn {
		wf, err := h.catalog.Resolve(ctx, ref)
		if err != nil {
			if errors.Is(err, services.ErrWorkflowNotFound) {
				dto.NotFound(w, r, "Workflow not found")
				return
			}
			dto.InternalServerError(w, r, "Failed to resolve workflow")
			return
		}
		if wf.APIKeyHash == nil || !crypto.CheckSecret(rawKey, *wf.APIKeyHash) {
			dto.Unauthorized(w, r, "Invalid API key")
			return
		}

		workflow = wf
		ref.ID = &wf.ID
		caller = queue.CallerContext{
			IsAPIKey: true,
			APIKeyID: &wf.ID,
			OrgID:    wf.OrganizationID,
		}
	}

	// Sync admission needs the id up front so the waiter can never race
	// the record it waits on.
	pinnedID := req.ExecutionID
	if sync && pinnedID == nil {
		id := uuid.New()
		pinnedID = &id
	}

	executionID, err := h.gate.Admit(ctx, admission.AdmitRequest{
		ExecutionID:   pinnedID,
		Workflow:      ref,
		Parameters:    req.Parameters,
		Caller:        caller,
		TriggerSource: h.triggerSource(&req, caller),
		Sync:          sync,
		CodeB64:       req.CodeB64,
	})
	if err != nil {
		h.admissionError(w, r, err)
		return
	}

	if !sync {
		position, posErr := h.tracker.Position(ctx, executionID)
		if posErr != nil && !errors.Is(posErr, queue.ErrNotQueued) {
			log.Warn().Err(posErr).Str("execution_id", executionID.String()).Msg("Queue position lookup failed")
		}
		dto.Accepted(w, r, dto.EnqueueResponse{
			ExecutionID:   executionID,
			Status:        models.StatusPending,
			QueuePosition: position,
		})
		return
	}

	h.waitSync(w, r, executionID, workflow, ref)
}

// waitSync blocks on the result inbox and answers with the terminal record.
func (h *ExecutionHandler) waitSync(w http.ResponseWriter, r *http.Request, executionID uuid.UUID, workflow *models.Workflow, ref services.WorkflowRef) {
	ctx := r.Context()

	if workflow == nil {
		wf, err := h.catalog.Resolve(ctx, ref)
		if err != nil {
			dto.InternalServerError(w, r, "Failed to resolve workflow")
			return
		}
		workflow = wf
	}

	// The wait outlives the server's write timeout, so stretch this
	// connection's deadline to the workflow budget plus slack.
	wait := workflow.Timeout() + h.workerCfg.SyncWaitExtra
	if err := http.NewResponseController(w).SetWriteDeadline(time.Now().Add(wait + 10*time.Second)); err != nil {
		log.Debug().Err(err).Msg("Could not extend write deadline for sync wait")
	}

	if _, err := h.inbox.Wait(ctx, executionID, wait); err != nil {
		if errors.Is(err, events.ErrResultTimeout) {
			dto.GatewayTimeout(w, r, fmt.Sprintf("Execution %s did not settle in time; poll GET /api/executions/%s", executionID, executionID))
			return
		}
		dto.InternalServerError(w, r, "Failed waiting for execution result")
		return
	}

	record, err := h.executions.GetByID(ctx, executionID)
	if err != nil {
		dto.InternalServerError(w, r, "Execution finished but the record could not be read")
		return
	}
	dto.OK(w, r, dto.NewExecutionResponse(record))
}

// Get serves the durable execution record.
func (h *ExecutionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	record, err := h.executions.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, services.ErrExecutionNotFound) {
			dto.NotFound(w, r, "Execution not found")
			return
		}
		dto.InternalServerError(w, r, "Failed to load execution")
		return
	}
	dto.OK(w, r, dto.NewExecutionResponse(record))
}

// Logs serves ordered log rows, optionally resuming after a sequence number.
func (h *ExecutionHandler) Logs(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var since int64
	if raw := r.URL.Query().Get("since_sequence"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			dto.BadRequest(w, r, "since_sequence must be a non-negative integer")
			return
		}
		since = parsed
	}

	limit := maxLogPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			dto.BadRequest(w, r, "limit must be a positive integer")
			return
		}
		if parsed < limit {
			limit = parsed
		}
	}

	if _, err := h.executions.GetByID(r.Context(), id); err != nil {
		if errors.Is(err, services.ErrExecutionNotFound) {
			dto.NotFound(w, r, "Execution not found")
			return
		}
		dto.InternalServerError(w, r, "Failed to load execution")
		return
	}

	logs, err := h.executions.Logs(r.Context(), id, since, limit)
	if err != nil {
		dto.InternalServerError(w, r, "Failed to load logs")
		return
	}
	dto.OK(w, r, dto.NewLogEntries(logs))
}

// Cancel moves a live execution to cancelling and leaves the marker the
// worker polls for. Repeating a cancel is harmless.
func (h *ExecutionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	err := h.executions.RequestCancel(ctx, id)
	switch {
	case err == nil:
		if markErr := h.cancels.Set(ctx, id); markErr != nil {
			log.Error().Err(markErr).Str("execution_id", id.String()).Msg("Failed to write cancel marker")
		}
		if pubErr := h.publisher.PublishStatus(ctx, id, models.StatusCancelling, "", ""); pubErr != nil {
			log.Warn().Err(pubErr).Str("execution_id", id.String()).Msg("Failed to publish cancelling event")
		}
		dto.Accepted(w, r, dto.EnqueueResponse{ExecutionID: id, Status: models.StatusCancelling})

	case errors.Is(err, services.ErrExecutionNotActive):
		// Already cancelling; the first request did the work.
		dto.Accepted(w, r, dto.EnqueueResponse{ExecutionID: id, Status: models.StatusCancelling})

	case errors.Is(err, services.ErrAlreadyTerminal):
		dto.Conflict(w, r, "Execution already finished")

	case errors.Is(err, services.ErrExecutionNotFound):
		dto.NotFound(w, r, "Execution not found")

	default:
		dto.InternalServerError(w, r, "Failed to cancel execution")
	}
}

// triggerSource picks the recorded trigger: the explicit one if given,
// otherwise inferred from how the caller arrived.
func (h *ExecutionHandler) triggerSource(req *dto.EnqueueExecutionRequest, caller queue.CallerContext) string {
	if req.TriggerSource != "" {
		return req.TriggerSource
	}
	if req.CodeB64 != nil {
		return models.TriggerInlineScript
	}
	if caller.IsAPIKey {
		return models.TriggerAPIKey
	}
	return models.TriggerUser
}

func (h *ExecutionHandler) admissionError(w http.ResponseWriter, r *http.Request, err error) {
	var paramErr *admission.ValidationError
	switch {
	case errors.As(err, &paramErr):
		dto.ParamErrorResponse(w, r, paramErr.Errors)
	case errors.Is(err, admission.ErrWorkflowNotFound):
		dto.NotFound(w, r, "Workflow not found")
	case errors.Is(err, admission.ErrNotAuthorized):
		dto.Forbidden(w, r, "Not authorized to execute this workflow")
	case errors.Is(err, admission.ErrAdmissionOverloaded):
		dto.ServiceUnavailable(w, r, "Execution backlog is full, try again later")
	case errors.Is(err, admission.ErrExecutionIDRequired):
		dto.BadRequest(w, r, "Sync admission requires an execution id")
	default:
		log.Error().Err(err).Msg("Admission failed")
		dto.InternalServerError(w, r, "Failed to admit execution")
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		dto.BadRequest(w, r, "Invalid execution id")
		return uuid.Nil, false
	}
	return id, true
}
