package events

import (
	"context"
	"encoding/json"
	"time"

	pkgredis "github.com/bifrosthq/bifrost/internal/pkg/redis"
	"github.com/google/uuid"
)

// Publisher fans out update events to a per-execution pub/sub channel.
// Delivery is at-least-once and best-effort; subscribers reconcile with the
// durable record.
type Publisher struct {
	redis *pkgredis.Client
}

func NewPublisher(redis *pkgredis.Client) *Publisher {
	return &Publisher{redis: redis}
}

func (p *Publisher) Publish(ctx context.Context, executionID uuid.UUID, event *Event) error {
	event.ExecutionID = executionID.String()
	event.Timestamp = time.Now().Unix()

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.redis.Publish(ctx, UpdateChannel(executionID), data).Err()
}

func (p *Publisher) PublishStatus(ctx context.Context, executionID uuid.UUID, status string, errMsg, errType string) error {
	return p.Publish(ctx, executionID, &Event{
		Type:      TypeStatus,
		Status:    status,
		Error:     errMsg,
		ErrorType: errType,
	})
}

func (p *Publisher) PublishLog(ctx context.Context, executionID uuid.UUID, sequence int64, level, message string, metadata map[string]interface{}) error {
	return p.Publish(ctx, executionID, &Event{
		Type:     TypeLog,
		Sequence: sequence,
		Level:    level,
		Message:  message,
		Metadata: metadata,
	})
}

func (p *Publisher) PublishProgress(ctx context.Context, executionID uuid.UUID, phase string, fraction *float64) error {
	return p.Publish(ctx, executionID, &Event{
		Type:     TypeProgress,
		Phase:    phase,
		Fraction: fraction,
	})
}

func (p *Publisher) PublishQueuePosition(ctx context.Context, executionID uuid.UUID, position int64) error {
	return p.Publish(ctx, executionID, &Event{
		Type:     TypeQueuePosition,
		Position: position,
	})
}
