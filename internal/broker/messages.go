package broker

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Queue and exchange topology. Declared idempotently on every connect so any
// binary can come up first.
const (
	ExecutionQueue     = "workflow-executions"
	CodingRequestQueue = "coding-agent-requests"
	InstallExchange    = "package-installations"

	// AttemptsHeader counts how many times a dispatch has been redelivered
	// after transient infrastructure errors.
	AttemptsHeader = "x-bifrost-attempts"
)

// CodingResponseExchange names the per-session fanout that carries coding
// agent responses back to whoever is listening on that session.
func CodingResponseExchange(sessionID uuid.UUID) string {
	return "coding.responses." + sessionID.String()
}

// DispatchMessage is the wire shape of an execution dispatch. Workers read
// everything else from the pending record in Redis; the body stays minimal so
// a queue backlog survives schema changes.
type DispatchMessage struct {
	ExecutionID  uuid.UUID `json:"execution_id"`
	WorkflowName string    `json:"workflow_name"`
	Code         *string   `json:"code"`
	Sync         bool      `json:"sync"`
}

func (m DispatchMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

func UnmarshalDispatch(body []byte) (*DispatchMessage, error) {
	var m DispatchMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// InstallMessage fans out to every worker when a package has been installed
// or upgraded; consumers drop affected entries from their compiled caches.
type InstallMessage struct {
	Package string `json:"package"`
	Version string `json:"version,omitempty"`
	Action  string `json:"action"` // installed or removed
}

// CodingRequest is queued for the coding agent subsystem by CLI sessions.
type CodingRequest struct {
	SessionID uuid.UUID `json:"session_id"`
	RequestID uuid.UUID `json:"request_id"`
	UserID    uuid.UUID `json:"user_id"`
	Prompt    string    `json:"prompt"`
	Context   string    `json:"context,omitempty"`
}

// CodingResponse fans out on the session's response exchange.
type CodingResponse struct {
	SessionID uuid.UUID `json:"session_id"`
	RequestID uuid.UUID `json:"request_id"`
	Content   string    `json:"content"`
	Done      bool      `json:"done"`
}
