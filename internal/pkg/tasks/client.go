// Package tasks wraps asynq for the deferred jobs the scheduler binary owns:
// event delivery retries and event source credential renewals. The dispatch
// path itself never goes through here; that is the broker's job.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/bifrosthq/bifrost/internal/pkg/config"
)

const (
	TypeDeliveryRetry = "delivery:retry"
	TypeSourceRenewal = "source:renewal"
)

const (
	QueueDefault = "default"
	QueueLow     = "low"
)

type Client struct {
	client *asynq.Client
}

func NewClient(cfg *config.RedisConfig) *Client {
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Client{client: client}
}

func (c *Client) Close() error {
	return c.client.Close()
}

// DeliveryRetryPayload re-admits a failed event delivery.
type DeliveryRetryPayload struct {
	DeliveryID uuid.UUID `json:"delivery_id"`
}

// EnqueueDeliveryRetry schedules one retry at the delivery's next_retry_at.
// The handler re-checks the row, so duplicate tasks are harmless.
func (c *Client) EnqueueDeliveryRetry(ctx context.Context, deliveryID uuid.UUID, processAt time.Time) error {
	data, err := json.Marshal(DeliveryRetryPayload{DeliveryID: deliveryID})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	task := asynq.NewTask(TypeDeliveryRetry, data,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(3),
		asynq.Timeout(time.Minute),
		asynq.Retention(24*time.Hour),
	)

	_, err = c.client.EnqueueContext(ctx, task, asynq.ProcessAt(processAt))
	return err
}

// SourceRenewalPayload renews one expiring event source registration.
type SourceRenewalPayload struct {
	SourceID uuid.UUID `json:"source_id"`
}

func (c *Client) EnqueueSourceRenewal(ctx context.Context, sourceID uuid.UUID) error {
	data, err := json.Marshal(SourceRenewalPayload{SourceID: sourceID})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	task := asynq.NewTask(TypeSourceRenewal, data,
		asynq.Queue(QueueLow),
		asynq.MaxRetry(3),
		asynq.Timeout(time.Minute),
		asynq.Retention(24*time.Hour),
	)

	_, err = c.client.EnqueueContext(ctx, task)
	return err
}
