package websocket

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/bifrosthq/bifrost/internal/events"
	pkgredis "github.com/bifrosthq/bifrost/internal/pkg/redis"
)

// Bridge pipes the Redis per-execution update channels into the hub.
// Payloads are forwarded verbatim so the wire format matches what workers
// publish, whichever replica the client happens to be connected to.
type Bridge struct {
	redis *pkgredis.Client
	hub   *Hub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBridge(redisClient *pkgredis.Client, hub *Hub) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		redis:  redisClient,
		hub:    hub,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *Bridge) Start() {
	b.wg.Add(1)
	go b.listen()
	log.Info().Str("pattern", events.UpdateChannelPattern).Msg("WebSocket bridge started")
}

func (b *Bridge) Stop() {
	b.cancel()
	b.wg.Wait()
}

func (b *Bridge) listen() {
	defer b.wg.Done()

	pubsub := b.redis.PSubscribe(b.ctx, events.UpdateChannelPattern)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			executionID, err := executionIDFromChannel(msg.Channel)
			if err != nil {
				log.Warn().Str("channel", msg.Channel).Msg("Update on unparseable channel")
				continue
			}
			b.hub.BroadcastToExecution(executionID, []byte(msg.Payload))
		}
	}
}

// executionIDFromChannel strips the channel prefix and parses the id suffix.
func executionIDFromChannel(channel string) (uuid.UUID, error) {
	idx := strings.LastIndexByte(channel, ':')
	return uuid.Parse(channel[idx+1:])
}
