package dto

import "github.com/google/uuid"

// EnqueueExecutionRequest admits a workflow run. The workflow is named either
// by id or by module path plus function; exactly one style is required.
// Sync callers may pin the execution id themselves so a retried request
// lands on the same record.
type EnqueueExecutionRequest struct {
	ExecutionID   *uuid.UUID             `json:"execution_id" validate:"omitempty"`
	WorkflowID    *uuid.UUID             `json:"workflow_id" validate:"omitempty"`
	ModulePath    string                 `json:"module_path" validate:"required_without=WorkflowID,omitempty,max=512"`
	FunctionName  string                 `json:"function_name" validate:"omitempty,max=255"`
	Parameters    map[string]interface{} `json:"parameters"`
	TriggerSource string                 `json:"trigger_source" validate:"omitempty,trigger_source"`
	Sync          bool                   `json:"sync"`
	CodeB64       *string                `json:"code_b64" validate:"omitempty,base64"`
}
