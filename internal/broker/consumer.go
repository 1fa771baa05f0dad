package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bifrosthq/bifrost/internal/pkg/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// TransientError marks a handler failure as infrastructure-level so the
// delivery is requeued instead of dropped. Anything else coming back from a
// handler means the failure was already recorded durably.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// Attempts reads the redelivery counter from a delivery's headers.
func Attempts(d amqp.Delivery) int {
	if d.Headers == nil {
		return 0
	}
	switch v := d.Headers[AttemptsHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// HandlerFunc processes a single delivery. nil acks the message.
type HandlerFunc func(ctx context.Context, d amqp.Delivery) error

// ExhaustedFunc fires when a delivery has burned through its redelivery
// budget; the message is acked afterwards regardless.
type ExhaustedFunc func(ctx context.Context, d amqp.Delivery)

type ConsumerOptions struct {
	// Queue to drain. Leave empty together with BindExchange to consume an
	// exclusive server-named queue bound to a fanout.
	Queue        string
	BindExchange string
	Tag          string
	// RedeliveryLimit caps transient requeues. Zero disables requeueing.
	RedeliveryLimit int
}

// Consumer drains one queue a message at a time with manual acks. Transient
// handler failures are republished with a bumped attempt counter, which
// bounds redelivery on a classic queue without a dead-letter setup.
type Consumer struct {
	broker    *Broker
	publisher *Publisher
	opts      ConsumerOptions
	handler   HandlerFunc
	exhausted ExhaustedFunc

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewConsumer(b *Broker, pub *Publisher, opts ConsumerOptions, handler HandlerFunc, exhausted ExhaustedFunc) *Consumer {
	return &Consumer{
		broker:    b,
		publisher: pub,
		opts:      opts,
		handler:   handler,
		exhausted: exhausted,
		stopCh:    make(chan struct{}),
	}
}

func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop waits for the in-flight delivery to finish.
func (c *Consumer) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := c.consumeOnce(ctx); err != nil {
			log.Warn().Err(err).Str("queue", c.opts.Queue).Msg("Consume loop ended, retrying")
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (c *Consumer) consumeOnce(ctx context.Context) error {
	ch, err := c.broker.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(1, 0, false); err != nil {
		return err
	}

	queue := c.opts.Queue
	exclusive := false
	if c.opts.BindExchange != "" {
		q, err := ch.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			return err
		}
		if err := ch.QueueBind(q.Name, "", c.opts.BindExchange, false, nil); err != nil {
			return err
		}
		queue = q.Name
		exclusive = true
	}

	deliveries, err := ch.Consume(queue, c.opts.Tag, false, exclusive, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.dispatch(ctx, d)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery) {
	err := c.handler(ctx, d)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			log.Error().Err(ackErr).Msg("Failed to ack delivery")
		}
		return
	}

	if !IsTransient(err) {
		// Recorded failure; nothing to retry.
		log.Debug().Err(err).Str("message_id", d.MessageId).Msg("Delivery handled with recorded failure")
		_ = d.Ack(false)
		return
	}

	attempts := Attempts(d) + 1
	if c.opts.RedeliveryLimit <= 0 || attempts >= c.opts.RedeliveryLimit {
		log.Error().Err(err).
			Str("message_id", d.MessageId).
			Int("attempts", attempts).
			Msg("Delivery exhausted redelivery budget")
		if c.exhausted != nil {
			c.exhausted(ctx, d)
		}
		_ = d.Ack(false)
		return
	}

	log.Warn().Err(err).
		Str("message_id", d.MessageId).
		Int("attempt", attempts).
		Msg("Transient failure, requeueing delivery")
	metrics.RedeliveriesTotal.Inc()

	if pubErr := c.publisher.Redispatch(ctx, d, attempts); pubErr != nil {
		// Could not republish; let the broker redeliver the original.
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}
