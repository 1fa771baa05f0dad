package websocket

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(h *Hub, buffer int) *Client {
	return &Client{Hub: h, Send: make(chan []byte, buffer)}
}

func TestHubSubscribeAndBroadcast(t *testing.T) {
	h := NewHub()
	executionID := uuid.New()

	client := newTestClient(h, 4)
	h.Register(client)
	h.Subscribe(client, executionID)

	require.Equal(t, 1, h.Watchers(executionID))

	h.BroadcastToExecution(executionID, []byte(`{"type":"status_change"}`))

	select {
	case got := <-client.Send:
		assert.JSONEq(t, `{"type":"status_change"}`, string(got))
	default:
		t.Fatal("expected a buffered payload")
	}

	// Other executions stay silent.
	h.BroadcastToExecution(uuid.New(), []byte(`{"type":"other"}`))
	assert.Empty(t, client.Send)
}

func TestHubSubscribeRequiresRegistration(t *testing.T) {
	h := NewHub()
	executionID := uuid.New()

	client := newTestClient(h, 1)
	h.Subscribe(client, executionID)

	assert.Zero(t, h.Watchers(executionID))
}

func TestHubUnsubscribe(t *testing.T) {
	h := NewHub()
	executionID := uuid.New()

	client := newTestClient(h, 1)
	h.Register(client)
	h.Subscribe(client, executionID)
	h.Unsubscribe(client, executionID)

	assert.Zero(t, h.Watchers(executionID))

	h.BroadcastToExecution(executionID, []byte("late"))
	assert.Empty(t, client.Send)
}

func TestHubUnregisterClosesSendOnce(t *testing.T) {
	h := NewHub()
	executionID := uuid.New()

	client := newTestClient(h, 1)
	h.Register(client)
	h.Subscribe(client, executionID)

	h.Unregister(client)
	h.Unregister(client) // second call is a no-op

	_, open := <-client.Send
	assert.False(t, open)
	assert.Zero(t, h.Watchers(executionID))
}

func TestHubDropsSlowClient(t *testing.T) {
	h := NewHub()
	executionID := uuid.New()

	slow := newTestClient(h, 1)
	h.Register(slow)
	h.Subscribe(slow, executionID)

	h.BroadcastToExecution(executionID, []byte("first"))
	h.BroadcastToExecution(executionID, []byte("second")) // buffer full, client cut loose

	require.Eventually(t, func() bool {
		return h.Watchers(executionID) == 0
	}, time.Second, 5*time.Millisecond)

	// The buffered payload drains, then the closed channel reports done.
	got, open := <-slow.Send
	assert.True(t, open)
	assert.Equal(t, "first", string(got))
	_, open = <-slow.Send
	assert.False(t, open)
}

func TestClientCommandDispatch(t *testing.T) {
	h := NewHub()
	executionID := uuid.New()

	client := newTestClient(h, 1)
	h.Register(client)

	client.handleMessage([]byte(`{"action":"subscribe","execution_id":"` + executionID.String() + `"}`))
	assert.Equal(t, 1, h.Watchers(executionID))

	client.handleMessage([]byte(`{"action":"unsubscribe","execution_id":"` + executionID.String() + `"}`))
	assert.Zero(t, h.Watchers(executionID))

	// Garbage and unknown ids are ignored.
	client.handleMessage([]byte(`not json`))
	client.handleMessage([]byte(`{"action":"subscribe","execution_id":"not-a-uuid"}`))
	assert.Zero(t, h.Watchers(executionID))
}
