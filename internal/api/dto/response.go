package dto

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/bifrosthq/bifrost/internal/pkg/validator"
	"github.com/bifrosthq/bifrost/internal/pool"
)

// Response is the envelope every endpoint answers with.
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorData  `json:"error,omitempty"`
	Meta      interface{} `json:"meta,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// ErrorData carries a machine-readable code next to the human message.
type ErrorData struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// Error codes.
const (
	ErrCodeValidation   = "VALIDATION_ERROR"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeForbidden    = "FORBIDDEN"
	ErrCodeConflict     = "CONFLICT"
	ErrCodeBadRequest   = "BAD_REQUEST"
	ErrCodeInternal     = "INTERNAL_SERVER_ERROR"
	ErrCodeTooManyReq   = "TOO_MANY_REQUESTS"
	ErrCodeUnavailable  = "SERVICE_UNAVAILABLE"
	ErrCodeTimeout      = "TIMEOUT"
)

// ExecutionResponse is the public shape of one execution record.
type ExecutionResponse struct {
	ID            uuid.UUID              `json:"id"`
	WorkflowID    uuid.UUID              `json:"workflow_id"`
	WorkflowName  string                 `json:"workflow_name"`
	Status        string                 `json:"status"`
	TriggerSource string                 `json:"trigger_source"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	Result        map[string]interface{} `json:"result,omitempty"`
	Error         *string                `json:"error,omitempty"`
	ErrorType     *string                `json:"error_type,omitempty"`
	DurationMs    *int64                 `json:"duration_ms,omitempty"`
	WorkerID      *string                `json:"worker_id,omitempty"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// NewExecutionResponse converts a stored execution into its API shape.
func NewExecutionResponse(e *models.Execution) *ExecutionResponse {
	return &ExecutionResponse{
		ID:            e.ID,
		WorkflowID:    e.WorkflowID,
		WorkflowName:  e.WorkflowName,
		Status:        e.Status,
		TriggerSource: e.TriggerSource,
		Parameters:    e.Parameters,
		Result:        e.Result,
		Error:         e.Error,
		ErrorType:     e.ErrorType,
		DurationMs:    e.DurationMs,
		WorkerID:      e.WorkerID,
		StartedAt:     e.StartedAt,
		CompletedAt:   e.CompletedAt,
		CreatedAt:     e.CreatedAt,
	}
}

// EnqueueResponse answers an asynchronous admission.
type EnqueueResponse struct {
	ExecutionID   uuid.UUID `json:"execution_id"`
	Status        string    `json:"status"`
	QueuePosition int64     `json:"queue_position"`
}

// LogEntryResponse is one execution log line.
type LogEntryResponse struct {
	Sequence  int64                  `json:"sequence"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewLogEntries converts stored log rows.
func NewLogEntries(logs []models.ExecutionLog) []LogEntryResponse {
	out := make([]LogEntryResponse, 0, len(logs))
	for _, l := range logs {
		out = append(out, LogEntryResponse{
			Sequence:  l.Sequence,
			Level:     l.Level,
			Message:   l.Message,
			Metadata:  l.Metadata,
			Timestamp: l.Timestamp,
		})
	}
	return out
}

// QueueDepthResponse reports how many executions wait for a worker.
type QueueDepthResponse struct {
	Depth int64 `json:"depth"`
}

// QueuePositionResponse reports a 1-based place in the pending queue.
type QueuePositionResponse struct {
	ExecutionID uuid.UUID `json:"execution_id"`
	Position    int64     `json:"position"`
}

// WorkerResponse is the admin view of one pool slot.
type WorkerResponse struct {
	WorkerID           string     `json:"worker_id"`
	PID                int        `json:"pid"`
	State              string     `json:"state"`
	CurrentExecutionID *uuid.UUID `json:"current_execution_id,omitempty"`
	Completions        int64      `json:"completions"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// NewWorkerResponses converts registry slots.
func NewWorkerResponses(slots []*pool.Slot) []WorkerResponse {
	out := make([]WorkerResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, WorkerResponse{
			WorkerID:           s.WorkerID,
			PID:                s.PID,
			State:              s.State,
			CurrentExecutionID: s.CurrentExecutionID,
			Completions:        s.Completions,
			UpdatedAt:          time.Unix(s.UpdatedAt, 0).UTC(),
		})
	}
	return out
}

// JSON writes the success envelope.
func JSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	writeResponse(w, r, status, Response{
		Success: true,
		Data:    data,
	})
}

// JSONWithMeta writes the success envelope with pagination or extra metadata.
func JSONWithMeta(w http.ResponseWriter, r *http.Request, status int, data, meta interface{}) {
	writeResponse(w, r, status, Response{
		Success: true,
		Data:    data,
		Meta:    meta,
	})
}

// ErrorResponse writes the failure envelope with a code derived from the status.
func ErrorResponse(w http.ResponseWriter, r *http.Request, status int, message string) {
	errorWithCode(w, r, status, statusToErrorCode(status), message, nil)
}

// ValidationErrorResponse reports struct-level validation failures.
func ValidationErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	errorWithCode(w, r, http.StatusUnprocessableEntity, ErrCodeValidation,
		"Request validation failed", validator.FormatErrors(err))
}

// ParamErrorResponse reports workflow parameter failures found at admission.
func ParamErrorResponse(w http.ResponseWriter, r *http.Request, details []validator.ParamError) {
	errorWithCode(w, r, http.StatusUnprocessableEntity, ErrCodeValidation,
		"Parameter validation failed", details)
}

func OK(w http.ResponseWriter, r *http.Request, data interface{}) {
	JSON(w, r, http.StatusOK, data)
}

func Created(w http.ResponseWriter, r *http.Request, data interface{}) {
	JSON(w, r, http.StatusCreated, data)
}

func Accepted(w http.ResponseWriter, r *http.Request, data interface{}) {
	JSON(w, r, http.StatusAccepted, data)
}

func BadRequest(w http.ResponseWriter, r *http.Request, message string) {
	ErrorResponse(w, r, http.StatusBadRequest, message)
}

func Unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	ErrorResponse(w, r, http.StatusUnauthorized, message)
}

func Forbidden(w http.ResponseWriter, r *http.Request, message string) {
	ErrorResponse(w, r, http.StatusForbidden, message)
}

func NotFound(w http.ResponseWriter, r *http.Request, message string) {
	ErrorResponse(w, r, http.StatusNotFound, message)
}

func Conflict(w http.ResponseWriter, r *http.Request, message string) {
	ErrorResponse(w, r, http.StatusConflict, message)
}

func TooManyRequests(w http.ResponseWriter, r *http.Request, message string) {
	ErrorResponse(w, r, http.StatusTooManyRequests, message)
}

func InternalServerError(w http.ResponseWriter, r *http.Request, message string) {
	ErrorResponse(w, r, http.StatusInternalServerError, message)
}

func ServiceUnavailable(w http.ResponseWriter, r *http.Request, message string) {
	ErrorResponse(w, r, http.StatusServiceUnavailable, message)
}

func GatewayTimeout(w http.ResponseWriter, r *http.Request, message string) {
	errorWithCode(w, r, http.StatusGatewayTimeout, ErrCodeTimeout, message, nil)
}

func errorWithCode(w http.ResponseWriter, r *http.Request, status int, code, message string, details interface{}) {
	writeResponse(w, r, status, Response{
		Success: false,
		Error: &ErrorData{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

func writeResponse(w http.ResponseWriter, r *http.Request, status int, resp Response) {
	resp.RequestID = r.Header.Get("X-Request-ID")
	resp.Timestamp = time.Now().Unix()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func statusToErrorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusUnauthorized:
		return ErrCodeUnauthorized
	case http.StatusForbidden:
		return ErrCodeForbidden
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusUnprocessableEntity:
		return ErrCodeValidation
	case http.StatusTooManyRequests:
		return ErrCodeTooManyReq
	case http.StatusServiceUnavailable:
		return ErrCodeUnavailable
	case http.StatusGatewayTimeout:
		return ErrCodeTimeout
	default:
		return ErrCodeInternal
	}
}
