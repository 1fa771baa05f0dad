package pool

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/bifrosthq/bifrost/internal/domain/models"
	pkgredis "github.com/bifrosthq/bifrost/internal/pkg/redis"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrSlotNotFound = errors.New("worker slot not found")

const slotKeyPrefix = "bifrost:worker:"

func slotKey(workerID string) string {
	return slotKeyPrefix + workerID
}

// Slot is the Redis-mirrored state of one worker process. The owning worker
// refreshes it on every heartbeat; key expiry means the process is gone.
type Slot struct {
	WorkerID           string     `json:"worker_id"`
	PID                int        `json:"pid"`
	State              string     `json:"state"`
	CurrentExecutionID *uuid.UUID `json:"current_execution_id,omitempty"`
	Completions        int64      `json:"completions"`
	UpdatedAt          int64      `json:"updated_at"`
}

// Registry reads and writes worker slots. Workers write their own slot;
// the pool manager and the stuck monitor only read and free.
type Registry struct {
	redis *pkgredis.Client
	ttl   time.Duration
}

func NewRegistry(redisClient *pkgredis.Client, ttl time.Duration) *Registry {
	return &Registry{redis: redisClient, ttl: ttl}
}

// Heartbeat refreshes the slot under a fresh TTL.
func (r *Registry) Heartbeat(ctx context.Context, slot *Slot) error {
	slot.UpdatedAt = time.Now().Unix()
	data, err := json.Marshal(slot)
	if err != nil {
		return err
	}
	return r.redis.Set(ctx, slotKey(slot.WorkerID), data, r.ttl).Err()
}

func (r *Registry) Get(ctx context.Context, workerID string) (*Slot, error) {
	data, err := r.redis.Get(ctx, slotKey(workerID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}

	var slot Slot
	if err := json.Unmarshal(data, &slot); err != nil {
		return nil, err
	}
	return &slot, nil
}

// Alive reports whether the worker's heartbeat is still current.
func (r *Registry) Alive(ctx context.Context, workerID string) (bool, error) {
	n, err := r.redis.Exists(ctx, slotKey(workerID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns every live slot, ordered by worker id.
func (r *Registry) List(ctx context.Context) ([]*Slot, error) {
	var (
		slots  []*Slot
		cursor uint64
	)
	for {
		keys, next, err := r.redis.Scan(ctx, cursor, slotKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}

		for _, key := range keys {
			data, err := r.redis.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					// Expired between SCAN and GET.
					continue
				}
				return nil, err
			}

			var slot Slot
			if err := json.Unmarshal(data, &slot); err != nil {
				continue
			}
			slots = append(slots, &slot)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	sort.Slice(slots, func(i, j int) bool { return slots[i].WorkerID < slots[j].WorkerID })
	return slots, nil
}

// MarkKilled flips the slot to KILLED so listings show the worker as
// draining. The worker's own heartbeat may overwrite this; the marker only
// has to survive until the process exits.
func (r *Registry) MarkKilled(ctx context.Context, workerID string) error {
	slot, err := r.Get(ctx, workerID)
	if err != nil {
		return err
	}
	slot.State = models.WorkerStateKilled
	data, err := json.Marshal(slot)
	if err != nil {
		return err
	}
	return r.redis.Set(ctx, slotKey(workerID), data, r.ttl).Err()
}

// Free removes a slot immediately instead of waiting for expiry. Called
// after a recycled child exits and by the stuck monitor when it declares a
// worker dead.
func (r *Registry) Free(ctx context.Context, workerID string) error {
	return r.redis.Del(ctx, slotKey(workerID)).Err()
}
