package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	pkgredis "github.com/bifrosthq/bifrost/internal/pkg/redis"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrPendingNotFound = errors.New("pending execution not found")

func pendingKey(executionID uuid.UUID) string {
	return "bifrost:pending:" + executionID.String()
}

// CallerContext carries the identity that requested the execution from
// admission to the worker.
type CallerContext struct {
	UserID      *uuid.UUID `json:"user_id,omitempty"`
	OrgID       *uuid.UUID `json:"org_id,omitempty"`
	IsSuperuser bool       `json:"is_superuser,omitempty"`
	IsAPIKey    bool       `json:"is_api_key,omitempty"`
	APIKeyID    *uuid.UUID `json:"api_key_id,omitempty"`
	SessionID   *uuid.UUID `json:"session_id,omitempty"`
}

// PendingRecord is the ephemeral execution context written at admission and
// consumed once by the worker that picks the execution up. It disappears on
// terminal write or TTL eviction, whichever comes first.
type PendingRecord struct {
	WorkflowID      uuid.UUID              `json:"workflow_id"`
	WorkflowName    string                 `json:"workflow_name"`
	Parameters      map[string]interface{} `json:"parameters,omitempty"`
	Caller          CallerContext          `json:"caller"`
	Sync            bool                   `json:"sync"`
	TriggerSource   string                 `json:"trigger_source"`
	FormID          *uuid.UUID             `json:"form_id,omitempty"`
	EventDeliveryID *uuid.UUID             `json:"event_delivery_id,omitempty"`
	CodeB64         *string                `json:"code_b64,omitempty"`
	EnqueuedAt      int64                  `json:"enqueued_at"`
}

// PendingStore holds one serialized record per queued execution.
type PendingStore struct {
	redis *pkgredis.Client
	ttl   time.Duration
}

func NewPendingStore(redis *pkgredis.Client, ttl time.Duration) *PendingStore {
	return &PendingStore{redis: redis, ttl: ttl}
}

func (s *PendingStore) Set(ctx context.Context, executionID uuid.UUID, record *PendingRecord) error {
	if record.EnqueuedAt == 0 {
		record.EnqueuedAt = time.Now().Unix()
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, pendingKey(executionID), data, s.ttl).Err()
}

func (s *PendingStore) Get(ctx context.Context, executionID uuid.UUID) (*PendingRecord, error) {
	data, err := s.redis.Get(ctx, pendingKey(executionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrPendingNotFound
		}
		return nil, err
	}

	var record PendingRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *PendingStore) Delete(ctx context.Context, executionID uuid.UUID) error {
	return s.redis.Del(ctx, pendingKey(executionID)).Err()
}
