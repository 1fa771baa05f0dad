package models

import (
	"time"

	"github.com/google/uuid"
)

// Workflow is the registry record for an executable workflow or data
// provider. Rows are created and updated by the catalog importer; the
// orchestration core reads them.
type Workflow struct {
	ID               uuid.UUID   `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Name             string      `gorm:"size:255;not null" json:"name"`
	FunctionName     string      `gorm:"size:255;not null;uniqueIndex:idx_workflows_path_function" json:"function_name"`
	Path             string      `gorm:"size:512;not null;uniqueIndex:idx_workflows_path_function" json:"path"`
	Type             string      `gorm:"size:20;not null;default:workflow" json:"type"`
	ParametersSchema JSONArray   `gorm:"type:jsonb;not null;default:'[]'" json:"parameters_schema"`
	Schedule         *string     `gorm:"size:100" json:"schedule,omitempty"`
	TimeoutSeconds   int         `gorm:"not null;default:300" json:"timeout_seconds"`
	ExecutionMode    string      `gorm:"size:10;not null;default:async" json:"execution_mode"`
	EndpointEnabled  bool        `gorm:"default:false" json:"endpoint_enabled"`
	AllowedMethods   StringArray `gorm:"type:text[]" json:"allowed_methods"`
	OrganizationID   *uuid.UUID  `gorm:"type:uuid;index" json:"organization_id,omitempty"`
	TimeSaved        float64     `gorm:"default:0" json:"time_saved"`
	Value            float64     `gorm:"default:0" json:"value"`
	APIKeyHash       *string     `gorm:"size:255" json:"-"`
	IsActive         bool        `gorm:"default:true;index" json:"is_active"`

	// Cron state maintained by the scheduler.
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
	NextDueAt   *time.Time `gorm:"index" json:"next_due_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Workflow) TableName() string {
	return "workflows"
}

// Timeout returns the wall-clock budget for one execution of this workflow.
func (w *Workflow) Timeout() time.Duration {
	if w.TimeoutSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(w.TimeoutSeconds) * time.Second
}

// WorkflowAccess grants a caller class permission to execute a workflow
// through a specific form or app. Rows are precomputed by the catalog at
// mutation time; the set of rows per (workflow, entity) is treated as
// set-like and written with upsert semantics.
type WorkflowAccess struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	WorkflowID     uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_workflow_access_entity" json:"workflow_id"`
	EntityType     string     `gorm:"size:10;not null;uniqueIndex:idx_workflow_access_entity" json:"entity_type"`
	EntityID       uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_workflow_access_entity" json:"entity_id"`
	AccessLevel    string     `gorm:"size:20;not null;default:authenticated" json:"access_level"`
	OrganizationID *uuid.UUID `gorm:"type:uuid;index" json:"organization_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func (WorkflowAccess) TableName() string {
	return "workflow_access"
}

// RoleAssignment binds a role to a form or app; consulted when an access
// row requires role intersection.
type RoleAssignment struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	EntityType string    `gorm:"size:10;not null;index:idx_role_assignments_entity" json:"entity_type"`
	EntityID   uuid.UUID `gorm:"type:uuid;not null;index:idx_role_assignments_entity" json:"entity_id"`
	RoleID     uuid.UUID `gorm:"type:uuid;not null;index" json:"role_id"`
	CreatedAt  time.Time `json:"created_at"`
}

func (RoleAssignment) TableName() string {
	return "role_assignments"
}
