package pool

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bifrosthq/bifrost/internal/domain/models"
	pkgredis "github.com/bifrosthq/bifrost/internal/pkg/redis"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistryFixture(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := pkgredis.Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return NewRegistry(client, 15*time.Second), mr
}

func TestRegistrySlots(t *testing.T) {
	ctx := context.Background()

	t.Run("heartbeat then get round trips", func(t *testing.T) {
		registry, _ := newRegistryFixture(t)
		execID := uuid.New()

		err := registry.Heartbeat(ctx, &Slot{
			WorkerID:           "worker-1",
			PID:                4242,
			State:              models.WorkerStateBusy,
			CurrentExecutionID: &execID,
			Completions:        3,
		})
		require.NoError(t, err)

		slot, err := registry.Get(ctx, "worker-1")
		require.NoError(t, err)
		assert.Equal(t, "worker-1", slot.WorkerID)
		assert.Equal(t, 4242, slot.PID)
		assert.Equal(t, models.WorkerStateBusy, slot.State)
		require.NotNil(t, slot.CurrentExecutionID)
		assert.Equal(t, execID, *slot.CurrentExecutionID)
		assert.EqualValues(t, 3, slot.Completions)
		assert.NotZero(t, slot.UpdatedAt)
	})

	t.Run("unknown worker is ErrSlotNotFound", func(t *testing.T) {
		registry, _ := newRegistryFixture(t)
		_, err := registry.Get(ctx, "worker-ghost")
		assert.ErrorIs(t, err, ErrSlotNotFound)
	})

	t.Run("heartbeat expiry means dead", func(t *testing.T) {
		registry, mr := newRegistryFixture(t)

		require.NoError(t, registry.Heartbeat(ctx, &Slot{WorkerID: "worker-2", State: models.WorkerStateIdle}))
		alive, err := registry.Alive(ctx, "worker-2")
		require.NoError(t, err)
		assert.True(t, alive)

		mr.FastForward(16 * time.Second)

		alive, err = registry.Alive(ctx, "worker-2")
		require.NoError(t, err)
		assert.False(t, alive)
	})

	t.Run("list returns slots ordered by worker id", func(t *testing.T) {
		registry, _ := newRegistryFixture(t)

		for _, id := range []string{"worker-c", "worker-a", "worker-b"} {
			require.NoError(t, registry.Heartbeat(ctx, &Slot{WorkerID: id, State: models.WorkerStateIdle}))
		}

		slots, err := registry.List(ctx)
		require.NoError(t, err)
		require.Len(t, slots, 3)
		assert.Equal(t, "worker-a", slots[0].WorkerID)
		assert.Equal(t, "worker-b", slots[1].WorkerID)
		assert.Equal(t, "worker-c", slots[2].WorkerID)
	})

	t.Run("free removes the slot at once", func(t *testing.T) {
		registry, _ := newRegistryFixture(t)

		require.NoError(t, registry.Heartbeat(ctx, &Slot{WorkerID: "worker-3", State: models.WorkerStateIdle}))
		require.NoError(t, registry.Free(ctx, "worker-3"))

		alive, err := registry.Alive(ctx, "worker-3")
		require.NoError(t, err)
		assert.False(t, alive)
	})
}
