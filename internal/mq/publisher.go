package mq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/uetsymphonique/checking-engine-pplab/internal/domain"
)

// Publisher is the send side of a component. Implementations must be safe
// for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// ExchangePublisher publishes persistent messages to one exchange over a
// lazily opened channel. A failed publish drops the channel so the next call
// reopens it on a live connection.
type ExchangePublisher struct {
	client   *Client
	exchange string
	timeout  time.Duration
	headers  amqp.Table
	log      *slog.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

// NewPublisher builds a publisher for the configured exchange.
func NewPublisher(client *Client, log *slog.Logger) *ExchangePublisher {
	return &ExchangePublisher{
		client:   client,
		exchange: client.cfg.Exchange,
		timeout:  client.cfg.PublishTimeout,
		log:      log,
	}
}

// NewDeadLetterPublisher builds a publisher for the dead-letter exchange.
// It adds no headers itself; callers pass the error tag through
// PublishWithHeaders.
func NewDeadLetterPublisher(client *Client, log *slog.Logger) *ExchangePublisher {
	return &ExchangePublisher{
		client:   client,
		exchange: client.cfg.DeadLetter.Exchange,
		timeout:  client.cfg.PublishTimeout,
		log:      log,
	}
}

// Publish sends body persistent to routingKey within the publish timeout.
func (p *ExchangePublisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	return p.publish(ctx, routingKey, body, nil)
}

// PublishWithHeaders sends body with extra headers (used by the dead-letter
// path to carry the error tag and origin queue).
func (p *ExchangePublisher) PublishWithHeaders(ctx context.Context, routingKey string, body []byte, headers amqp.Table) error {
	return p.publish(ctx, routingKey, body, headers)
}

func (p *ExchangePublisher) publish(ctx context.Context, routingKey string, body []byte, headers amqp.Table) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil || p.ch.IsClosed() {
		ch, err := p.client.Channel(ctx)
		if err != nil {
			return err
		}
		p.ch = ch
	}
	err := p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		_ = p.ch.Close()
		p.ch = nil
		return fmt.Errorf("%w: publish %s to %s: %v", domain.ErrTransient, routingKey, p.exchange, err)
	}
	return nil
}

// Close releases the publisher's channel.
func (p *ExchangePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}
