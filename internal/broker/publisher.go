package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var ErrPublishNacked = errors.New("broker: publish nacked by server")

// Publisher sends on a confirm-mode channel so admission can report broker
// unavailability to the caller instead of dropping dispatches silently.
type Publisher struct {
	broker *Broker

	mu sync.Mutex
	ch *amqp.Channel
}

func NewPublisher(b *Broker) *Publisher {
	return &Publisher{broker: b}
}

// PublishDispatch enqueues an execution on the durable work queue.
func (p *Publisher) PublishDispatch(ctx context.Context, msg DispatchMessage) error {
	body, err := msg.Marshal()
	if err != nil {
		return err
	}
	return p.publish(ctx, "", ExecutionQueue, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ExecutionID.String(),
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{AttemptsHeader: int32(0)},
		Body:         body,
	})
}

// Redispatch republishes a delivery with its attempt counter bumped. The
// caller acks the original afterwards.
func (p *Publisher) Redispatch(ctx context.Context, d amqp.Delivery, attempts int) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[AttemptsHeader] = int32(attempts)

	return p.publish(ctx, "", ExecutionQueue, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         d.Body,
	})
}

// PublishInstall fans a package install notice out to every worker.
func (p *Publisher) PublishInstall(ctx context.Context, msg InstallMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.publish(ctx, InstallExchange, "", amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now().UTC(),
		Body:        body,
	})
}

// PublishCodingRequest queues work for the coding agent subsystem.
func (p *Publisher) PublishCodingRequest(ctx context.Context, req CodingRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return p.publish(ctx, "", CodingRequestQueue, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    req.RequestID.String(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// PublishCodingResponse fans a response out on the session's exchange. The
// exchange is declared here too in case the responder beats the listener.
func (p *Publisher) PublishCodingResponse(ctx context.Context, resp CodingResponse) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	exchange := CodingResponseExchange(resp.SessionID)
	ch, err := p.channel()
	if err != nil {
		return err
	}
	if err := DeclareSessionExchange(ch, exchange); err != nil {
		p.dropChannel(ch)
		return err
	}

	return p.publish(ctx, exchange, "", amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now().UTC(),
		Body:        body,
	})
}

func (p *Publisher) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	ch, err := p.channel()
	if err != nil {
		return err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		p.dropChannel(ch)
		// One retry on a fresh channel covers the common case of a stale
		// channel after a reconnect.
		if ch, err = p.channel(); err != nil {
			return err
		}
		if confirm, err = ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg); err != nil {
			p.dropChannel(ch)
			return err
		}
	}

	select {
	case <-confirm.Done():
		if !confirm.Acked() {
			return ErrPublishNacked
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// channel returns the shared confirm-mode channel, opening one if needed.
func (p *Publisher) channel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}

	ch, err := p.broker.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, err
	}
	p.ch = ch
	return ch, nil
}

func (p *Publisher) dropChannel(ch *amqp.Channel) {
	p.mu.Lock()
	if p.ch == ch {
		p.ch = nil
	}
	p.mu.Unlock()
	ch.Close()
}

func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
}
