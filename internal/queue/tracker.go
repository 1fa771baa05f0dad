package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/bifrosthq/bifrost/internal/events"
	pkgredis "github.com/bifrosthq/bifrost/internal/pkg/redis"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var ErrNotQueued = errors.New("execution is not queued")

// queueSetKey is the sorted set of pending execution ids, scored by enqueue
// time in unix seconds. FIFO positions fall out of ZRANK.
const queueSetKey = "bifrost:queue:pending"

// Tracker reports queue positions for pending executions and republishes
// them on every mutation. Positions are 1-based; republication is
// best-effort at-least-once.
type Tracker struct {
	redis     *pkgredis.Client
	publisher *events.Publisher
}

func NewTracker(redis *pkgredis.Client, publisher *events.Publisher) *Tracker {
	return &Tracker{redis: redis, publisher: publisher}
}

// Add enqueues the id and returns its position.
func (t *Tracker) Add(ctx context.Context, executionID uuid.UUID) (int64, error) {
	err := t.redis.ZAddNX(ctx, queueSetKey, redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: executionID.String(),
	}).Err()
	if err != nil {
		return 0, err
	}

	position, err := t.Position(ctx, executionID)
	if err != nil {
		return 0, err
	}

	t.publishPositions(ctx)
	return position, nil
}

// Remove dequeues the id and republishes the remaining positions.
func (t *Tracker) Remove(ctx context.Context, executionID uuid.UUID) error {
	removed, err := t.redis.ZRem(ctx, queueSetKey, executionID.String()).Result()
	if err != nil {
		return err
	}
	if removed > 0 {
		t.publishPositions(ctx)
	}
	return nil
}

// Position returns the 1-based queue position, or ErrNotQueued.
func (t *Tracker) Position(ctx context.Context, executionID uuid.UUID) (int64, error) {
	rank, err := t.redis.ZRank(ctx, queueSetKey, executionID.String()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, ErrNotQueued
		}
		return 0, err
	}
	return rank + 1, nil
}

// Depth returns the number of queued executions.
func (t *Tracker) Depth(ctx context.Context) (int64, error) {
	return t.redis.ZCard(ctx, queueSetKey).Result()
}

// Sweep drops entries older than maxAge. Orphans appear when a worker died
// between claiming a message and removing its id; the durable record is the
// authority, this set only drives position reporting.
func (t *Tracker) Sweep(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	removed, err := t.redis.ZRemRangeByScore(ctx, queueSetKey, "-inf", strconv.FormatInt(cutoff, 10)).Result()
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		t.publishPositions(ctx)
	}
	return removed, nil
}

// publishPositions walks the set once and emits one position event per
// queued id. Failures are logged, not propagated: the next mutation
// republishes anyway.
func (t *Tracker) publishPositions(ctx context.Context) {
	ids, err := t.redis.ZRange(ctx, queueSetKey, 0, -1).Result()
	if err != nil {
		log.Warn().Err(err).Msg("queue position scan failed")
		return
	}

	for i, id := range ids {
		executionID, err := uuid.Parse(id)
		if err != nil {
			continue
		}
		if err := t.publisher.PublishQueuePosition(ctx, executionID, int64(i+1)); err != nil {
			log.Debug().Err(err).Str("execution_id", id).Msg("queue position publish failed")
		}
	}
}
