package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bifrosthq/bifrost/internal/events"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker(t *testing.T) {
	ctx := context.Background()

	t.Run("positions are fifo and one based", func(t *testing.T) {
		client, _ := newRedisFixture(t)
		tracker := NewTracker(client, events.NewPublisher(client))

		first := uuid.New()
		second := uuid.New()

		pos, err := tracker.Add(ctx, first)
		require.NoError(t, err)
		assert.EqualValues(t, 1, pos)

		// Same enqueue second resolves ties by member order; a later add
		// never lands ahead of an earlier one.
		pos, err = tracker.Add(ctx, second)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, pos, int64(1))

		depth, err := tracker.Depth(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 2, depth)
	})

	t.Run("re-adding an id keeps its original position", func(t *testing.T) {
		client, _ := newRedisFixture(t)
		tracker := NewTracker(client, events.NewPublisher(client))

		id := uuid.New()
		_, err := tracker.Add(ctx, id)
		require.NoError(t, err)

		pos, err := tracker.Add(ctx, id)
		require.NoError(t, err)
		assert.EqualValues(t, 1, pos)

		depth, err := tracker.Depth(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, depth)
	})

	t.Run("remove shifts later entries forward", func(t *testing.T) {
		client, mr := newRedisFixture(t)
		tracker := NewTracker(client, events.NewPublisher(client))

		first := uuid.New()
		second := uuid.New()

		_, err := tracker.Add(ctx, first)
		require.NoError(t, err)
		mr.FastForward(time.Second)
		_, err = tracker.Add(ctx, second)
		require.NoError(t, err)

		require.NoError(t, tracker.Remove(ctx, first))

		pos, err := tracker.Position(ctx, second)
		require.NoError(t, err)
		assert.EqualValues(t, 1, pos)

		_, err = tracker.Position(ctx, first)
		assert.ErrorIs(t, err, ErrNotQueued)
	})

	t.Run("position events are published on mutation", func(t *testing.T) {
		client, _ := newRedisFixture(t)
		tracker := NewTracker(client, events.NewPublisher(client))

		id := uuid.New()
		sub := client.Subscribe(ctx, events.UpdateChannel(id))
		defer sub.Close()
		_, err := sub.Receive(ctx)
		require.NoError(t, err)

		_, err = tracker.Add(ctx, id)
		require.NoError(t, err)

		raw, err := sub.ReceiveTimeout(ctx, time.Second)
		require.NoError(t, err)
		msg, ok := raw.(*redis.Message)
		require.True(t, ok, "expected a pub/sub message, got %T", raw)

		var event events.Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
		assert.Equal(t, events.TypeQueuePosition, event.Type)
		assert.EqualValues(t, 1, event.Position)
		assert.Equal(t, id.String(), event.ExecutionID)
	})

	t.Run("sweep drops entries past max age", func(t *testing.T) {
		client, mr := newRedisFixture(t)
		tracker := NewTracker(client, events.NewPublisher(client))

		stale := uuid.New()
		fresh := uuid.New()

		_, err := tracker.Add(ctx, stale)
		require.NoError(t, err)

		mr.FastForward(11 * time.Minute)

		_, err = tracker.Add(ctx, fresh)
		require.NoError(t, err)

		removed, err := tracker.Sweep(ctx, 10*time.Minute)
		require.NoError(t, err)
		assert.EqualValues(t, 1, removed)

		_, err = tracker.Position(ctx, stale)
		assert.ErrorIs(t, err, ErrNotQueued)

		pos, err := tracker.Position(ctx, fresh)
		require.NoError(t, err)
		assert.EqualValues(t, 1, pos)
	})
}
