package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	pkgredis "github.com/bifrosthq/bifrost/internal/pkg/redis"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrResultTimeout = errors.New("timed out waiting for execution result")

// SyncResult is the terminal payload handed back to a blocked sync caller.
type SyncResult struct {
	ExecutionID string                 `json:"execution_id"`
	Status      string                 `json:"status"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	ErrorType   string                 `json:"error_type,omitempty"`
}

// ResultInbox hands terminal records to sync callers through a
// per-execution list. The worker pushes once; the admitting process blocks
// on BLPOP with a deadline derived from the workflow budget.
type ResultInbox struct {
	redis *pkgredis.Client
	ttl   time.Duration
}

func NewResultInbox(redis *pkgredis.Client, ttl time.Duration) *ResultInbox {
	return &ResultInbox{redis: redis, ttl: ttl}
}

func (i *ResultInbox) Push(ctx context.Context, executionID uuid.UUID, result *SyncResult) error {
	result.ExecutionID = executionID.String()
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}

	key := ResultInboxKey(executionID)
	pipe := i.redis.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.Expire(ctx, key, i.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// Wait blocks until the worker delivers the terminal record or the
// deadline passes.
func (i *ResultInbox) Wait(ctx context.Context, executionID uuid.UUID, timeout time.Duration) (*SyncResult, error) {
	values, err := i.redis.BLPop(ctx, timeout, ResultInboxKey(executionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrResultTimeout
		}
		return nil, err
	}
	if len(values) != 2 {
		return nil, ErrResultTimeout
	}

	var result SyncResult
	if err := json.Unmarshal([]byte(values[1]), &result); err != nil {
		return nil, err
	}
	return &result, nil
}
