package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/bifrosthq/bifrost/internal/pkg/config"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

var ErrBrokerClosed = errors.New("broker: connection closed")

// Broker owns the AMQP connection for a binary. Channels are cheap and
// per-caller; the connection is shared and re-dialed with backoff whenever
// the server drops it.
type Broker struct {
	url      string
	connName string

	mu     sync.RWMutex
	conn   *amqp.Connection
	closed bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg config.BrokerConfig, connName string) *Broker {
	return &Broker{
		url:      cfg.URL(),
		connName: connName,
		stopCh:   make(chan struct{}),
	}
}

// Connect dials the broker, declares the shared topology, and starts the
// reconnect monitor. It blocks until the first dial succeeds or ctx ends.
func (b *Broker) Connect(ctx context.Context) error {
	delay := reconnectBaseDelay
	for {
		err := b.dial()
		if err == nil {
			b.wg.Add(1)
			go b.monitor()
			return nil
		}

		log.Warn().Err(err).Dur("retry_in", delay).Msg("Broker dial failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

func (b *Broker) dial() error {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(b.connName)

	conn, err := amqp.DialConfig(b.url, amqp.Config{
		Heartbeat:  10 * time.Second,
		Properties: props,
	})
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if err := declareTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}
	ch.Close()

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	log.Info().Str("connection", b.connName).Msg("Broker connected")
	return nil
}

// monitor watches for server-side closes and re-dials until Close is called.
func (b *Broker) monitor() {
	defer b.wg.Done()

	for {
		b.mu.RLock()
		conn := b.conn
		b.mu.RUnlock()
		if conn == nil {
			return
		}

		closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-b.stopCh:
			return
		case amqpErr := <-closeCh:
			if amqpErr == nil {
				// Clean shutdown.
				return
			}
			log.Warn().Str("reason", amqpErr.Reason).Msg("Broker connection lost, reconnecting")
		}

		delay := reconnectBaseDelay
		for {
			select {
			case <-b.stopCh:
				return
			case <-time.After(delay):
			}
			if err := b.dial(); err == nil {
				break
			} else {
				log.Warn().Err(err).Dur("retry_in", delay).Msg("Broker redial failed")
			}
			if delay *= 2; delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
		}
	}
}

// Channel opens a fresh channel on the live connection. Callers own the
// returned channel and must close it.
func (b *Broker) Channel() (*amqp.Channel, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed || b.conn == nil || b.conn.IsClosed() {
		return nil, ErrBrokerClosed
	}
	return b.conn.Channel()
}

func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn := b.conn
	b.mu.Unlock()

	close(b.stopCh)
	var err error
	if conn != nil && !conn.IsClosed() {
		err = conn.Close()
	}
	b.wg.Wait()
	return err
}

// declareTopology is idempotent; every binary declares on connect so startup
// order does not matter.
func declareTopology(ch *amqp.Channel) error {
	if _, err := ch.QueueDeclare(ExecutionQueue, true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(CodingRequestQueue, true, false, false, false, nil); err != nil {
		return err
	}
	return ch.ExchangeDeclare(InstallExchange, "fanout", true, false, false, false, nil)
}

// DeclareSessionExchange creates the per-session response fanout. Auto-delete
// so abandoned sessions clean themselves up once the last listener unbinds.
func DeclareSessionExchange(ch *amqp.Channel, name string) error {
	return ch.ExchangeDeclare(name, "fanout", false, true, false, false, nil)
}
