package queue

import (
	"context"
	"time"

	pkgredis "github.com/bifrosthq/bifrost/internal/pkg/redis"
	"github.com/google/uuid"
)

// cancelFlagTTL outlives any execution budget; the flag only matters while
// the execution is live.
const cancelFlagTTL = time.Hour

func cancelKey(executionID uuid.UUID) string {
	return "bifrost:cancel:" + executionID.String()
}

// CancelFlag is the fast path for cooperative cancellation: the cancel
// surface sets it alongside the durable cancelling write, and the worker
// polls it once a second while executing.
type CancelFlag struct {
	redis *pkgredis.Client
}

func NewCancelFlag(redis *pkgredis.Client) *CancelFlag {
	return &CancelFlag{redis: redis}
}

func (f *CancelFlag) Set(ctx context.Context, executionID uuid.UUID) error {
	return f.redis.Set(ctx, cancelKey(executionID), "1", cancelFlagTTL).Err()
}

func (f *CancelFlag) IsSet(ctx context.Context, executionID uuid.UUID) (bool, error) {
	n, err := f.redis.Exists(ctx, cancelKey(executionID)).Result()
	return n > 0, err
}

func (f *CancelFlag) Clear(ctx context.Context, executionID uuid.UUID) error {
	return f.redis.Del(ctx, cancelKey(executionID)).Err()
}
