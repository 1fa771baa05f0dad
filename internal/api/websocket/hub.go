// Package websocket fans execution update events out to connected clients.
// Each client subscribes to execution ids; the bridge feeds the hub from the
// Redis update channels so every API replica sees every event.
package websocket

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Hub tracks which client watches which execution. Send channels are closed
// only under the write lock and written only under the read lock, so a
// broadcast can never hit a closed channel.
type Hub struct {
	mu         sync.RWMutex
	execConns  map[uuid.UUID]map[*Client]bool
	clientSubs map[*Client]map[uuid.UUID]bool
}

func NewHub() *Hub {
	return &Hub{
		execConns:  make(map[uuid.UUID]map[*Client]bool),
		clientSubs: make(map[*Client]map[uuid.UUID]bool),
	}
}

// Register makes the client known to the hub. Until it subscribes to an
// execution it receives nothing.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clientSubs[client] = make(map[uuid.UUID]bool)
}

// Unregister detaches the client everywhere and closes its send channel.
// Safe to call more than once.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.clientSubs[client]
	if !ok {
		return
	}
	for executionID := range subs {
		h.dropLocked(client, executionID)
	}
	delete(h.clientSubs, client)
	close(client.Send)
}

// Subscribe attaches a client to one execution's update stream.
func (h *Hub) Subscribe(client *Client, executionID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.clientSubs[client]
	if !ok {
		return
	}
	subs[executionID] = true

	if h.execConns[executionID] == nil {
		h.execConns[executionID] = make(map[*Client]bool)
	}
	h.execConns[executionID][client] = true
}

// Unsubscribe detaches a client from one execution's update stream.
func (h *Hub) Unsubscribe(client *Client, executionID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.clientSubs[client]; ok {
		delete(subs, executionID)
	}
	h.dropLocked(client, executionID)
}

// BroadcastToExecution forwards one already-encoded event to every client
// watching the execution. A client whose buffer is full is cut loose rather
// than allowed to stall the stream.
func (h *Hub) BroadcastToExecution(executionID uuid.UUID, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.execConns[executionID] {
		select {
		case client.Send <- payload:
		default:
			log.Warn().Str("execution_id", executionID.String()).Msg("Dropping slow websocket client")
			go h.Unregister(client)
		}
	}
}

// Watchers reports how many clients follow an execution.
func (h *Hub) Watchers(executionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.execConns[executionID])
}

func (h *Hub) dropLocked(client *Client, executionID uuid.UUID) {
	if conns, ok := h.execConns[executionID]; ok {
		delete(conns, client)
		if len(conns) == 0 {
			delete(h.execConns, executionID)
		}
	}
}
