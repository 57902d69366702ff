package mq

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/uetsymphonique/checking-engine-pplab/internal/domain"
)

// Client owns at most one connection for one role. Channels are opened per
// consumer/producer and never shared across goroutines.
type Client struct {
	cfg  Config
	role Role
	log  *slog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool
}

// NewClient builds a client for one role. Connect must be called before the
// first Channel.
func NewClient(cfg Config, role Role, log *slog.Logger) *Client {
	return &Client{cfg: cfg, role: role, log: log.With("role", string(role))}
}

// Connect dials the broker, retrying with bounded exponential backoff until
// it succeeds or ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.closed {
		return fmt.Errorf("%w: client closed", domain.ErrTransient)
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}
	u, err := c.cfg.URL(c.role)
	if err != nil {
		return err
	}
	b := newBackoff(c.cfg.ReconnectMin, c.cfg.ReconnectMax, c.cfg.ReconnectJitter)
	for {
		conn, err := amqp.Dial(u)
		if err == nil {
			c.conn = conn
			c.log.Info("broker connected", "host", c.cfg.Host, "vhost", c.cfg.VHost)
			return nil
		}
		delay := b.next()
		c.log.Warn("broker dial failed; backing off", "err", err, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: broker dial: %v", domain.ErrTransient, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// Channel returns a fresh channel, reconnecting first if the connection was
// lost. The caller owns the channel and must close it.
func (c *Client) Channel(ctx context.Context) (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	ch, err := c.conn.Channel()
	if err != nil {
		// The connection may have died between the liveness check and the
		// channel open; drop it so the next call redials.
		_ = c.conn.Close()
		c.conn = nil
		return nil, fmt.Errorf("%w: open channel: %v", domain.ErrTransient, err)
	}
	return ch, nil
}

// Close shuts the connection down. The client cannot be reused afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// backoff produces bounded exponential delays with proportional jitter.
type backoff struct {
	min, max time.Duration
	jitter   float64
	attempt  int
}

func newBackoff(min, max time.Duration, jitter float64) *backoff {
	if min <= 0 {
		min = 500 * time.Millisecond
	}
	if max < min {
		max = 30 * time.Second
	}
	return &backoff{min: min, max: max, jitter: jitter}
}

func (b *backoff) next() time.Duration {
	d := b.min << b.attempt
	if d > b.max || d < b.min { // overflow guard
		d = b.max
	} else {
		b.attempt++
	}
	if b.jitter > 0 {
		span := float64(d) * b.jitter
		d = time.Duration(float64(d) - span/2 + rand.Float64()*span)
	}
	if d < 0 {
		d = b.min
	}
	return d
}
