package mq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/uetsymphonique/checking-engine-pplab/internal/metrics"
)

type dispositionKind int

const (
	dispositionAck dispositionKind = iota
	dispositionRequeue
	dispositionReject
)

// Disposition tells the consumer loop what to do with a delivery after the
// handler returns. Reject routes the original payload to the dead-letter
// exchange with the reason as an error tag.
type Disposition struct {
	kind   dispositionKind
	reason string
}

// Ack acknowledges the delivery.
func Ack() Disposition { return Disposition{kind: dispositionAck} }

// Requeue negatively acknowledges the delivery so the broker redelivers it.
func Requeue(reason string) Disposition {
	return Disposition{kind: dispositionRequeue, reason: reason}
}

// Reject dead-letters the delivery and acknowledges the original.
func Reject(reason string) Disposition {
	return Disposition{kind: dispositionReject, reason: reason}
}

// IsAck reports whether the delivery is acknowledged.
func (d Disposition) IsAck() bool { return d.kind == dispositionAck }

// IsRequeue reports whether the delivery goes back to the broker.
func (d Disposition) IsRequeue() bool { return d.kind == dispositionRequeue }

// IsReject reports whether the delivery is dead-lettered.
func (d Disposition) IsReject() bool { return d.kind == dispositionReject }

// Reason returns the classification detail carried by a requeue or reject.
func (d Disposition) Reason() string { return d.reason }

// HandlerFunc processes one delivery. It must classify every failure itself;
// the loop treats a panic as a requeue.
type HandlerFunc func(ctx context.Context, d amqp.Delivery) Disposition

// Consumer runs a bounded worker pool over one queue. Each delivery is
// handled by exactly one goroutine start to finish; prefetch bounds the
// in-flight window at the broker.
type Consumer struct {
	client     *Client
	queue      string
	prefetch   int
	pool       int
	handler    HandlerFunc
	deadLetter *ExchangePublisher
	poison     int
	log        *slog.Logger
}

// NewConsumer builds a consumer for queue with the given pool bounds.
func NewConsumer(client *Client, queue string, prefetch, pool int, handler HandlerFunc, log *slog.Logger) *Consumer {
	if prefetch <= 0 {
		prefetch = 16
	}
	if pool <= 0 {
		pool = 16
	}
	return &Consumer{
		client:     client,
		queue:      queue,
		prefetch:   prefetch,
		pool:       pool,
		handler:    handler,
		deadLetter: NewDeadLetterPublisher(client, log),
		poison:     client.cfg.PoisonThreshold,
		log:        log.With("queue", queue),
	}
}

// Run consumes until ctx is done, re-establishing the channel whenever the
// broker connection drops. Unacked in-flight deliveries are redelivered by
// the broker after a drop; handlers are idempotent by contract.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		ch, err := c.client.Channel(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("consumer channel unavailable", "err", err)
			continue
		}
		if err := c.consumeOnce(ctx, ch); err != nil && ctx.Err() == nil {
			c.log.Warn("consume interrupted; reconnecting", "err", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) consumeOnce(ctx context.Context, ch *amqp.Channel) error {
	defer func() { _ = ch.Close() }()
	// Re-declare on every (re)connect; declarations are idempotent. A role
	// without configure permission gets a channel error here, so the declare
	// runs on a throwaway channel and the failure only means the topology
	// must already be provisioned.
	if declCh, err := c.client.Channel(ctx); err == nil {
		if err := DeclareTopology(declCh, c.client.cfg); err != nil {
			c.log.Debug("topology declare skipped", "err", err)
		}
		_ = declCh.Close()
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	tag := fmt.Sprintf("checking-%s", c.queue)
	deliveries, err := ch.Consume(c.queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	c.log.Info("consuming", "prefetch", c.prefetch, "pool", c.pool)

	var wg sync.WaitGroup
	slots := make(chan struct{}, c.pool)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case d, ok := <-deliveries:
			if !ok {
				break loop
			}
			slots <- struct{}{}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer func() {
					<-slots
					wg.Done()
				}()
				c.dispatch(ctx, d)
			}(d)
		}
	}
	// Stop new deliveries, then let in-flight handlers finish. The caller
	// bounds the drain with its shutdown context.
	_ = ch.Cancel(tag, false)
	wg.Wait()
	return nil
}

func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery) {
	metrics.IncConsumed(c.queue)
	disp := c.safeHandle(ctx, d)

	if disp.kind == dispositionRequeue && c.poison > 0 && deliveryCount(d) >= c.poison {
		c.log.Error("poison message; dead-lettering", "redeliveries", deliveryCount(d), "reason", disp.reason)
		disp = Reject("poison: " + disp.reason)
	}

	switch disp.kind {
	case dispositionAck:
		if err := d.Ack(false); err != nil {
			c.log.Warn("ack failed", "err", err)
			return
		}
		metrics.IncAcked(c.queue)
	case dispositionRequeue:
		if err := d.Nack(false, true); err != nil {
			c.log.Warn("nack failed", "err", err)
			return
		}
		metrics.IncRequeued(c.queue)
	case dispositionReject:
		headers := amqp.Table{
			"x-error":        disp.reason,
			"x-origin-queue": c.queue,
		}
		if err := c.deadLetter.PublishWithHeaders(ctx, c.client.cfg.DeadLetter.RoutingKey, d.Body, headers); err != nil {
			// Keep the message: requeue rather than lose it.
			c.log.Error("dead-letter publish failed; requeueing original", "err", err)
			_ = d.Nack(false, true)
			metrics.IncRequeued(c.queue)
			return
		}
		if err := d.Ack(false); err != nil {
			c.log.Warn("ack after dead-letter failed", "err", err)
			return
		}
		metrics.IncDeadLettered(c.queue)
	}
}

func (c *Consumer) safeHandle(ctx context.Context, d amqp.Delivery) (disp Disposition) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("handler panic", "panic", r)
			disp = Requeue(fmt.Sprintf("panic: %v", r))
		}
	}()
	return c.handler(ctx, d)
}

// deliveryCount estimates how many times the broker has delivered this
// message: the x-delivery-count header on quorum queues, the x-death count
// after a broker-side dead-letter cycle, or the redelivered flag as a floor.
func deliveryCount(d amqp.Delivery) int {
	if v, ok := d.Headers["x-delivery-count"]; ok {
		switch n := v.(type) {
		case int32:
			return int(n)
		case int64:
			return int(n)
		case int:
			return n
		}
	}
	if deaths, ok := d.Headers["x-death"].([]interface{}); ok {
		total := 0
		for _, entry := range deaths {
			if m, ok := entry.(amqp.Table); ok {
				if n, ok := m["count"].(int64); ok {
					total += int(n)
				}
			}
		}
		if total > 0 {
			return total
		}
	}
	if d.Redelivered {
		return 1
	}
	return 0
}
