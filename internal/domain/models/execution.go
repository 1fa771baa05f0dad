package models

import (
	"time"

	"github.com/google/uuid"
)

// Execution is the durable record of one workflow run. Created in status
// pending at admission (sync) or by the worker (async); mutated only by the
// worker-side writer and the stuck monitor, always through conditional
// status predicates.
type Execution struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	WorkflowID      uuid.UUID  `gorm:"type:uuid;index;not null" json:"workflow_id"`
	WorkflowName    string     `gorm:"size:255;not null" json:"workflow_name"`
	OrganizationID  *uuid.UUID `gorm:"type:uuid;index" json:"organization_id,omitempty"`
	Status          string     `gorm:"size:30;not null;default:pending;index" json:"status"`
	TriggerSource   string     `gorm:"size:20;not null;default:user" json:"trigger_source"`
	Parameters      JSON       `gorm:"type:jsonb" json:"parameters,omitempty"`
	Result          JSON       `gorm:"type:jsonb" json:"result,omitempty"`
	Error           *string    `gorm:"type:text" json:"error,omitempty"`
	ErrorType       *string    `gorm:"size:50" json:"error_type,omitempty"`
	DurationMs      *int64     `json:"duration_ms,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ExecutedBy      *uuid.UUID `gorm:"type:uuid;index" json:"executed_by,omitempty"`
	WorkerID        *string    `gorm:"size:100" json:"worker_id,omitempty"`
	TimeSaved       float64    `gorm:"default:0" json:"time_saved"`
	Value           float64    `gorm:"default:0" json:"value"`
	APIKeyID        *uuid.UUID `gorm:"type:uuid" json:"api_key_id,omitempty"`
	SessionID       *uuid.UUID `gorm:"type:uuid" json:"session_id,omitempty"`
	FormID          *uuid.UUID `gorm:"type:uuid" json:"form_id,omitempty"`
	EventDeliveryID *uuid.UUID `gorm:"type:uuid" json:"event_delivery_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (Execution) TableName() string {
	return "executions"
}

// IsTerminal reports whether the record has reached an absorbing status.
func (e *Execution) IsTerminal() bool {
	return IsTerminalStatus(e.Status)
}

// ExecutionLog is one append-only log row. Sequence is assigned by the
// emitting worker and is strictly increasing per execution; the composite
// unique index makes duplicate deliveries idempotent.
type ExecutionLog struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	ExecutionID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_execution_logs_sequence" json:"execution_id"`
	Sequence    int64     `gorm:"not null;uniqueIndex:idx_execution_logs_sequence" json:"sequence"`
	Timestamp   time.Time `gorm:"not null" json:"timestamp"`
	Level       string    `gorm:"size:10;not null" json:"level"`
	Message     string    `gorm:"type:text;not null" json:"message"`
	Metadata    JSON      `gorm:"type:jsonb" json:"metadata,omitempty"`
}

func (ExecutionLog) TableName() string {
	return "execution_logs"
}
