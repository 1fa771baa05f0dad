package models

import (
	"time"

	"github.com/google/uuid"
)

// EventSource is an external system that posts webhooks into the ingress
// endpoint. Kind selects the verification adapter; Secret feeds signature
// checks; ExpiresAt drives periodic renewal for adapters that need it.
type EventSource struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Name           string     `gorm:"size:255;not null" json:"name"`
	Kind           string     `gorm:"size:50;not null" json:"kind"`
	Secret         string     `gorm:"size:512" json:"-"`
	Config         JSON       `gorm:"type:jsonb" json:"config,omitempty"`
	ErrorMessage   *string    `gorm:"type:text" json:"error_message,omitempty"`
	ExpiresAt      *time.Time `gorm:"index" json:"expires_at,omitempty"`
	OrganizationID *uuid.UUID `gorm:"type:uuid;index" json:"organization_id,omitempty"`
	IsActive       bool       `gorm:"default:true" json:"is_active"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (EventSource) TableName() string {
	return "event_sources"
}

// EventSubscription routes events from a source to a workflow. An empty
// EventType matches all events from the source; FilterExpression, when
// set, is an expression evaluated against the event payload.
type EventSubscription struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	SourceID           uuid.UUID `gorm:"type:uuid;index;not null" json:"source_id"`
	WorkflowID         uuid.UUID `gorm:"type:uuid;index;not null" json:"workflow_id"`
	EventType          string    `gorm:"size:100" json:"event_type"`
	FilterExpression   string    `gorm:"type:text" json:"filter_expression,omitempty"`
	ParametersTemplate JSON      `gorm:"type:jsonb" json:"parameters_template,omitempty"`
	IsActive           bool      `gorm:"default:true" json:"is_active"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (EventSubscription) TableName() string {
	return "event_subscriptions"
}

// Event is one verified webhook hit.
type Event struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	SourceID   uuid.UUID `gorm:"type:uuid;index;not null" json:"source_id"`
	EventType  string    `gorm:"size:100;index" json:"event_type"`
	Payload    JSON      `gorm:"type:jsonb" json:"payload,omitempty"`
	ReceivedAt time.Time `gorm:"not null" json:"received_at"`
}

func (Event) TableName() string {
	return "events"
}

// EventDelivery tracks the fan-out of one event to one subscription,
// including the execution it produced and the retry bookkeeping.
type EventDelivery struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	EventID        uuid.UUID  `gorm:"type:uuid;index;not null" json:"event_id"`
	SubscriptionID uuid.UUID  `gorm:"type:uuid;index;not null" json:"subscription_id"`
	ExecutionID    *uuid.UUID `gorm:"type:uuid;index" json:"execution_id,omitempty"`
	Status         string     `gorm:"size:20;not null;default:pending;index" json:"status"`
	Attempts       int        `gorm:"default:0" json:"attempts"`
	LastError      *string    `gorm:"type:text" json:"last_error,omitempty"`
	NextRetryAt    *time.Time `gorm:"index" json:"next_retry_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (EventDelivery) TableName() string {
	return "event_deliveries"
}
