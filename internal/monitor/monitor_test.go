package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bifrosthq/bifrost/internal/domain/models"
	pkgredis "github.com/bifrosthq/bifrost/internal/pkg/redis"
	"github.com/bifrosthq/bifrost/internal/pool"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLivenessFixture(t *testing.T) (*Monitor, *pool.Registry, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := pkgredis.Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	registry := pool.NewRegistry(client, 15*time.Second)

	m := &Monitor{registry: registry}
	return m, registry, mr
}

func TestWorkerAlive(t *testing.T) {
	ctx := context.Background()

	t.Run("no claimed worker is dead", func(t *testing.T) {
		m, _, _ := newLivenessFixture(t)

		exec := &models.Execution{ID: uuid.New()}
		assert.False(t, m.workerAlive(ctx, exec))
	})

	t.Run("missing slot is dead", func(t *testing.T) {
		m, _, _ := newLivenessFixture(t)

		workerID := "worker-gone"
		exec := &models.Execution{ID: uuid.New(), WorkerID: &workerID}
		assert.False(t, m.workerAlive(ctx, exec))
	})

	t.Run("heartbeating worker with matching assignment is alive", func(t *testing.T) {
		m, registry, _ := newLivenessFixture(t)

		execID := uuid.New()
		workerID := "worker-busy"
		require.NoError(t, registry.Heartbeat(ctx, &pool.Slot{
			WorkerID:           workerID,
			PID:                4242,
			State:              models.WorkerStateBusy,
			CurrentExecutionID: &execID,
		}))

		exec := &models.Execution{ID: execID, WorkerID: &workerID}
		assert.True(t, m.workerAlive(ctx, exec))
	})

	t.Run("heartbeating worker that lost the assignment is dead", func(t *testing.T) {
		m, registry, _ := newLivenessFixture(t)

		otherExec := uuid.New()
		workerID := "worker-moved-on"
		require.NoError(t, registry.Heartbeat(ctx, &pool.Slot{
			WorkerID:           workerID,
			State:              models.WorkerStateBusy,
			CurrentExecutionID: &otherExec,
		}))

		exec := &models.Execution{ID: uuid.New(), WorkerID: &workerID}
		assert.False(t, m.workerAlive(ctx, exec))
	})

	t.Run("idle worker without an assignment is dead for the record", func(t *testing.T) {
		m, registry, _ := newLivenessFixture(t)

		workerID := "worker-idle"
		require.NoError(t, registry.Heartbeat(ctx, &pool.Slot{
			WorkerID: workerID,
			State:    models.WorkerStateIdle,
		}))

		exec := &models.Execution{ID: uuid.New(), WorkerID: &workerID}
		assert.False(t, m.workerAlive(ctx, exec))
	})

	t.Run("expired heartbeat is dead", func(t *testing.T) {
		m, registry, mr := newLivenessFixture(t)

		execID := uuid.New()
		workerID := "worker-flatlined"
		require.NoError(t, registry.Heartbeat(ctx, &pool.Slot{
			WorkerID:           workerID,
			State:              models.WorkerStateBusy,
			CurrentExecutionID: &execID,
		}))

		mr.FastForward(16 * time.Second)

		exec := &models.Execution{ID: execID, WorkerID: &workerID}
		assert.False(t, m.workerAlive(ctx, exec))
	})
}
