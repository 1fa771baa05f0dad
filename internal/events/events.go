package events

import (
	"github.com/google/uuid"
)

// Update event types carried on the per-execution pub/sub channel.
const (
	TypeStatus        = "status"
	TypeLog           = "log"
	TypeProgress      = "progress"
	TypeQueuePosition = "queue_position"
)

// Event is one update on an execution's channel. Field names are part of
// the wire contract consumed by WS/CLI subscribers; payload fields beyond
// type and execution_id depend on the event type.
type Event struct {
	Type        string                 `json:"type"`
	ExecutionID string                 `json:"execution_id"`
	Status      string                 `json:"status,omitempty"`
	Sequence    int64                  `json:"sequence,omitempty"`
	Level       string                 `json:"level,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Phase       string                 `json:"phase,omitempty"`
	Fraction    *float64               `json:"fraction,omitempty"`
	Position    int64                  `json:"position,omitempty"`
	Error       string                 `json:"error,omitempty"`
	ErrorType   string                 `json:"error_type,omitempty"`
	Timestamp   int64                  `json:"timestamp"`
}

// UpdateChannel names the pub/sub channel for one execution.
func UpdateChannel(executionID uuid.UUID) string {
	return "bifrost:updates:" + executionID.String()
}

// UpdateChannelPattern matches every execution's update channel, used by
// the websocket bridge.
const UpdateChannelPattern = "bifrost:updates:*"

// ResultInboxKey names the list a sync caller BLPOPs the terminal record
// from.
func ResultInboxKey(executionID uuid.UUID) string {
	return "bifrost:result:" + executionID.String()
}
