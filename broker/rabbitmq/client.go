// Package rabbitmq binds broker.Client to RabbitMQ using publisher confirms and
// manual acknowledgements.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/oagudo/signup-outbox/broker"
)

const heartbeat = 30 * time.Second

// Client is a reconnecting RabbitMQ connection.
//
// The publishing side reconnects lazily: the first EnsureChannel or Publish after a
// disconnect dials again, waiting a fixed delay between attempts until it succeeds or
// the client is closed. Subscriptions are not restored; a lost subscription is
// reported on Disconnected.
type Client struct {
	url            string
	reconnectDelay time.Duration
	logger         *zap.Logger

	group   singleflight.Group
	closeCh chan struct{}

	mu       sync.Mutex
	closed   bool
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]struct{}
	subs     []*subscription

	handlers     sync.WaitGroup
	disconnected chan error
}

var _ broker.Client = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithReconnectDelay sets the pause between connection attempts. Default is 3 seconds.
func WithReconnectDelay(delay time.Duration) Option {
	return func(c *Client) {
		if delay > 0 {
			c.reconnectDelay = delay
		}
	}
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Client for the given AMQP URL. It does not connect.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:            url,
		reconnectDelay: 3 * time.Second,
		logger:         zap.NewNop(),
		closeCh:        make(chan struct{}),
		declared:       map[string]struct{}{},
		disconnected:   make(chan error, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect makes a single connection attempt, without retrying.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.dial()
	return err
}

// EnsureChannel implements broker.Client.
func (c *Client) EnsureChannel(ctx context.Context) error {
	_, err := c.channel(ctx)
	return err
}

func (c *Client) channel(ctx context.Context) (*amqp.Channel, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, broker.ErrClosed
	}
	if c.ch != nil && !c.ch.IsClosed() {
		ch := c.ch
		c.mu.Unlock()
		return ch, nil
	}
	c.mu.Unlock()

	res := c.group.DoChan("connect", func() (any, error) {
		return c.reconnect()
	})

	select {
	case r := <-res:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*amqp.Channel), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) reconnect() (*amqp.Channel, error) {
	for {
		ch, err := c.dial()
		if err == nil {
			return ch, nil
		}
		if errors.Is(err, broker.ErrClosed) {
			return nil, err
		}

		c.logger.Error("failed to connect rabbitmq; retrying",
			zap.Duration("retry_in", c.reconnectDelay),
			zap.Error(err))

		select {
		case <-c.closeCh:
			return nil, broker.ErrClosed
		case <-time.After(c.reconnectDelay):
		}
	}
}

// dial opens a confirm channel, on the current connection when it is still alive and
// on a fresh connection otherwise. A channel-level exception leaves the connection open.
func (c *Client) dial() (*amqp.Channel, error) {
	c.mu.Lock()
	prev := c.conn
	c.mu.Unlock()

	if prev != nil && !prev.IsClosed() {
		ch, err := openConfirmChannel(prev)
		if err == nil {
			return c.install(prev, ch)
		}
		c.logger.Warn("failed to reopen rabbitmq channel; redialing", zap.Error(err))
		_ = prev.Close()
	}

	conn, err := amqp.DialConfig(c.url, amqp.Config{Heartbeat: heartbeat, Locale: "en_US"})
	if err != nil {
		return nil, fmt.Errorf("dialing rabbitmq: %w", err)
	}

	ch, err := openConfirmChannel(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	notify := conn.NotifyClose(make(chan *amqp.Error, 1))

	if _, err := c.install(conn, ch); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go c.watch(conn, notify)

	return ch, nil
}

func openConfirmChannel(conn *amqp.Connection) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enabling publisher confirms: %w", err)
	}
	return ch, nil
}

// install makes ch the publishing channel. A different connection it replaces is closed.
func (c *Client) install(conn *amqp.Connection, ch *amqp.Channel) (*amqp.Channel, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ch.Close()
		return nil, broker.ErrClosed
	}
	stale := c.conn
	c.conn = conn
	c.ch = ch
	c.declared = map[string]struct{}{}
	c.mu.Unlock()

	if stale != nil && stale != conn && !stale.IsClosed() {
		_ = stale.Close()
	}

	c.logger.Info("rabbitmq confirm channel ready")
	return ch, nil
}

func (c *Client) watch(conn *amqp.Connection, notify <-chan *amqp.Error) {
	amqpErr, ok := <-notify

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == conn {
		c.conn = nil
		c.ch = nil
	}
	if c.closed || !ok {
		return
	}
	c.logger.Warn("rabbitmq connection closed", zap.Error(amqpErr))
}

func (c *Client) declare(ch *amqp.Channel, queue string) error {
	c.mu.Lock()
	_, ok := c.declared[queue]
	c.mu.Unlock()
	if ok {
		return nil
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %s: %w", queue, err)
	}

	c.mu.Lock()
	if c.ch == ch {
		c.declared[queue] = struct{}{}
	}
	c.mu.Unlock()
	return nil
}

// Publish implements broker.Client. It returns broker.ErrPublishNacked when the broker
// rejects the message and broker.ErrChannelClosed when the channel dies first.
func (c *Client) Publish(ctx context.Context, queue string, msg broker.Publishing) error {
	ch, err := c.channel(ctx)
	if err != nil {
		return err
	}
	if err := c.declare(ch, queue); err != nil {
		return err
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, toAMQP(msg))
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", queue, err)
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("waiting for confirmation: %w", err)
	}
	if !acked {
		if ch.IsClosed() {
			return broker.ErrChannelClosed
		}
		return broker.ErrPublishNacked
	}
	return nil
}

func toAMQP(msg broker.Publishing) amqp.Publishing {
	p := amqp.Publishing{
		MessageId:       msg.MessageID,
		Type:            msg.Type,
		AppId:           msg.AppID,
		ContentType:     msg.ContentType,
		ContentEncoding: msg.ContentEncoding,
		Timestamp:       msg.Timestamp,
		Body:            msg.Body,
	}
	if msg.Persistent {
		p.DeliveryMode = amqp.Persistent
	}
	return p
}

// Disconnected implements broker.Client.
func (c *Client) Disconnected() <-chan error {
	return c.disconnected
}

// Close implements broker.Client.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closeCh)
	subs := c.subs
	ch, conn := c.ch, c.conn
	c.subs, c.ch, c.conn = nil, nil, nil
	c.mu.Unlock()

	for _, sub := range subs {
		if err := sub.ch.Cancel(sub.tag, false); err != nil {
			c.logger.Warn("failed to cancel rabbitmq consumer", zap.String("queue", sub.queue), zap.Error(err))
		}
		<-sub.done
	}

	// acknowledgements still in flight need the channels open
	c.handlers.Wait()

	for _, sub := range subs {
		_ = sub.ch.Close()
	}
	if ch != nil {
		_ = ch.Close()
	}
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("closing rabbitmq connection: %w", err)
		}
	}
	return nil
}

type subscription struct {
	queue string
	tag   string
	ch    *amqp.Channel
	done  chan struct{}
}

// Consume implements broker.Client.
func (c *Client) Consume(ctx context.Context, queue string, prefetch int, h broker.Handler) error {
	if _, err := c.channel(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return broker.ErrChannelClosed
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening consumer channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("declaring queue %s: %w", queue, err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("setting prefetch: %w", err)
	}

	sub := &subscription{
		queue: queue,
		tag:   "consumer-" + uuid.NewString(),
		ch:    ch,
		done:  make(chan struct{}),
	}
	msgs, err := ch.Consume(queue, sub.tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consuming %s: %w", queue, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ch.Close()
		return broker.ErrClosed
	}
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	handlerCtx := context.WithoutCancel(ctx)
	go c.dispatch(handlerCtx, sub, msgs, h)

	c.logger.Info("rabbitmq consumer ready", zap.String("queue", queue), zap.Int("prefetch", prefetch))
	return nil
}

func (c *Client) dispatch(ctx context.Context, sub *subscription, msgs <-chan amqp.Delivery, h broker.Handler) {
	for d := range msgs {
		c.handlers.Add(1)
		go func(d amqp.Delivery) {
			defer c.handlers.Done()
			h(ctx, &delivery{d: d})
		}(d)
	}
	close(sub.done)

	c.mu.Lock()
	closing := c.closed
	c.mu.Unlock()
	if closing {
		return
	}

	c.logger.Error("rabbitmq consumer lost", zap.String("queue", sub.queue))
	select {
	case c.disconnected <- fmt.Errorf("rabbitmq subscription to %s closed", sub.queue):
	default:
	}
}

type delivery struct {
	d amqp.Delivery
}

func (d *delivery) Body() []byte { return d.d.Body }

func (d *delivery) MessageID() string { return d.d.MessageId }

func (d *delivery) Ack() error { return d.d.Ack(false) }

func (d *delivery) Nack(requeue bool) error { return d.d.Nack(false, requeue) }
