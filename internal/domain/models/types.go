package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"

	"github.com/lib/pq"
)

// JSON type for JSONB columns
type JSON map[string]interface{}

func (j JSON) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("failed to scan JSON: not a byte slice")
	}
	return json.Unmarshal(bytes, j)
}

// JSONArray type for JSONB array columns
type JSONArray []interface{}

func (j JSONArray) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONArray) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("failed to scan JSONArray: not a byte slice")
	}
	return json.Unmarshal(bytes, j)
}

// StringArray type for text[] columns
type StringArray = pq.StringArray

// Execution status constants
const (
	StatusPending             = "pending"
	StatusRunning             = "running"
	StatusSuccess             = "success"
	StatusFailed              = "failed"
	StatusTimeout             = "timeout"
	StatusStuck               = "stuck"
	StatusCompletedWithErrors = "completed_with_errors"
	StatusCancelling          = "cancelling"
	StatusCancelled           = "cancelled"
)

// statusTransitions lists the allowed successor statuses. Terminal states
// have no successors and never regress.
var statusTransitions = map[string][]string{
	StatusPending:    {StatusRunning, StatusFailed, StatusCancelling},
	StatusRunning:    {StatusSuccess, StatusFailed, StatusTimeout, StatusStuck, StatusCompletedWithErrors, StatusCancelling},
	StatusCancelling: {StatusCancelled, StatusStuck, StatusFailed},
}

// IsTerminalStatus reports whether a status admits no further transitions.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusStuck, StatusCompletedWithErrors, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a legal status transition.
func CanTransition(from, to string) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StatusPredecessors returns the statuses from which `to` may be reached,
// used to build conditional UPDATE predicates.
func StatusPredecessors(to string) []string {
	var from []string
	for status, successors := range statusTransitions {
		for _, next := range successors {
			if next == to {
				from = append(from, status)
			}
		}
	}
	return from
}

// Workflow types
const (
	WorkflowTypeWorkflow     = "workflow"
	WorkflowTypeDataProvider = "data_provider"
)

// Workflow execution modes
const (
	ExecutionModeSync  = "sync"
	ExecutionModeAsync = "async"
)

// Trigger sources
const (
	TriggerUser         = "user"
	TriggerAPIKey       = "api_key"
	TriggerSchedule     = "schedule"
	TriggerWebhook      = "webhook"
	TriggerAgentTool    = "agent_tool"
	TriggerCLISession   = "cli_session"
	TriggerInlineScript = "inline_script"
)

// Access row scopes
const (
	AccessEntityForm = "form"
	AccessEntityApp  = "app"

	AccessLevelAuthenticated = "authenticated"
	AccessLevelRoleBased     = "role_based"
)

// Event delivery statuses
const (
	DeliveryStatusPending = "pending"
	DeliveryStatusQueued  = "queued"
	DeliveryStatusSuccess = "success"
	DeliveryStatusFailed  = "failed"
	DeliveryStatusSkipped = "skipped"
)

// Error types attached to failed executions and event deliveries.
const (
	ErrTypeNotAuthorized           = "NotAuthorized"
	ErrTypeWorkflowNotFound        = "WorkflowNotFound"
	ErrTypeModuleNotFound          = "ModuleNotFound"
	ErrTypeValidationError         = "ValidationError"
	ErrTypeUserFailure             = "UserFailure"
	ErrTypeTimeout                 = "Timeout"
	ErrTypeCancelled               = "Cancelled"
	ErrTypeStuck                   = "Stuck"
	ErrTypeTransientInfrastructure = "TransientInfrastructure"
	ErrTypeInfrastructureExhausted = "InfrastructureExhausted"
	ErrTypeDeliveryFailure         = "DeliveryFailure"
	ErrTypeAdmissionExpired        = "AdmissionExpired"
)

// Worker slot states
const (
	WorkerStateIdle   = "IDLE"
	WorkerStateBusy   = "BUSY"
	WorkerStateKilled = "KILLED"
)

// Log levels used by execution log rows
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)
