package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	pkgredis "github.com/bifrosthq/bifrost/internal/pkg/redis"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newElectionFixture(t *testing.T) (*pkgredis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	return pkgredis.Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()})), mr
}

func TestElection(t *testing.T) {
	ctx := context.Background()

	t.Run("first contender wins, second does not", func(t *testing.T) {
		client, _ := newElectionFixture(t)
		first := NewElection(client, "bifrost:scheduler:leader", 30*time.Second)
		second := NewElection(client, "bifrost:scheduler:leader", 30*time.Second)

		acquired, err := first.TryAcquire(ctx)
		require.NoError(t, err)
		assert.True(t, acquired)
		assert.True(t, first.IsLeader())

		acquired, err = second.TryAcquire(ctx)
		require.NoError(t, err)
		assert.False(t, acquired)
		assert.False(t, second.IsLeader())
	})

	t.Run("leader extends its own lease", func(t *testing.T) {
		client, _ := newElectionFixture(t)
		e := NewElection(client, "bifrost:scheduler:leader", 30*time.Second)

		acquired, err := e.TryAcquire(ctx)
		require.NoError(t, err)
		require.True(t, acquired)

		assert.True(t, e.Extend(ctx))
		assert.True(t, e.IsLeader())
	})

	t.Run("expired lease is lost on extend", func(t *testing.T) {
		client, mr := newElectionFixture(t)
		e := NewElection(client, "bifrost:scheduler:leader", 30*time.Second)

		acquired, err := e.TryAcquire(ctx)
		require.NoError(t, err)
		require.True(t, acquired)

		mr.FastForward(31 * time.Second)

		assert.False(t, e.Extend(ctx))
		assert.False(t, e.IsLeader())
	})

	t.Run("release frees the lease for the next contender", func(t *testing.T) {
		client, _ := newElectionFixture(t)
		first := NewElection(client, "bifrost:scheduler:leader", 30*time.Second)
		second := NewElection(client, "bifrost:scheduler:leader", 30*time.Second)

		acquired, err := first.TryAcquire(ctx)
		require.NoError(t, err)
		require.True(t, acquired)

		require.NoError(t, first.Release(ctx))
		assert.False(t, first.IsLeader())

		acquired, err = second.TryAcquire(ctx)
		require.NoError(t, err)
		assert.True(t, acquired)
	})

	t.Run("release does not steal another holder's lease", func(t *testing.T) {
		client, mr := newElectionFixture(t)
		first := NewElection(client, "bifrost:scheduler:leader", 30*time.Second)
		second := NewElection(client, "bifrost:scheduler:leader", 30*time.Second)

		acquired, err := first.TryAcquire(ctx)
		require.NoError(t, err)
		require.True(t, acquired)

		mr.FastForward(31 * time.Second)

		acquired, err = second.TryAcquire(ctx)
		require.NoError(t, err)
		require.True(t, acquired)

		// The stale first holder's release is a no-op for the new lease.
		first.isLeader.Store(true)
		require.NoError(t, first.Release(ctx))

		val, err := mr.Get("bifrost:scheduler:leader")
		require.NoError(t, err)
		assert.Equal(t, second.Identity(), val)
	})
}
