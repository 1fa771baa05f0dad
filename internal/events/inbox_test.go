package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	pkgredis "github.com/bifrosthq/bifrost/internal/pkg/redis"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInboxFixture(t *testing.T) (*ResultInbox, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := pkgredis.Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return NewResultInbox(client, 2*time.Minute), mr
}

func TestResultInbox(t *testing.T) {
	ctx := context.Background()

	t.Run("push then wait hands over the terminal record", func(t *testing.T) {
		inbox, _ := newInboxFixture(t)
		executionID := uuid.New()

		err := inbox.Push(ctx, executionID, &SyncResult{
			Status: "success",
			Result: map[string]interface{}{"rows": float64(12)},
		})
		require.NoError(t, err)

		result, err := inbox.Wait(ctx, executionID, time.Second)
		require.NoError(t, err)
		assert.Equal(t, executionID.String(), result.ExecutionID)
		assert.Equal(t, "success", result.Status)
		assert.Equal(t, map[string]interface{}{"rows": float64(12)}, result.Result)
	})

	t.Run("wait without a push times out", func(t *testing.T) {
		inbox, _ := newInboxFixture(t)

		_, err := inbox.Wait(ctx, uuid.New(), 50*time.Millisecond)
		assert.ErrorIs(t, err, ErrResultTimeout)
	})

	t.Run("unclaimed results age out", func(t *testing.T) {
		inbox, mr := newInboxFixture(t)
		executionID := uuid.New()

		require.NoError(t, inbox.Push(ctx, executionID, &SyncResult{Status: "failed"}))
		mr.FastForward(3 * time.Minute)

		assert.False(t, mr.Exists(ResultInboxKey(executionID)))
	})

	t.Run("failure payload carries error and type", func(t *testing.T) {
		inbox, _ := newInboxFixture(t)
		executionID := uuid.New()

		err := inbox.Push(ctx, executionID, &SyncResult{
			Status:    "failed",
			Error:     "exploded",
			ErrorType: "UserFailure",
		})
		require.NoError(t, err)

		result, err := inbox.Wait(ctx, executionID, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "failed", result.Status)
		assert.Equal(t, "exploded", result.Error)
		assert.Equal(t, "UserFailure", result.ErrorType)
	})
}
