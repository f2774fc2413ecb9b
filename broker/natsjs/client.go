// Package natsjs binds broker.Client to NATS JetStream. A queue name is a subject,
// stored in a file-backed stream named after it.
package natsjs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/oagudo/signup-outbox/broker"
)

const (
	headerType            = "Type"
	headerAppID           = "App-Id"
	headerContentType     = "Content-Type"
	headerContentEncoding = "Content-Encoding"
	headerTimestamp       = "Timestamp"
)

// Client is a JetStream connection. The NATS client reconnects on its own; a closed
// connection is only reported on Disconnected while a subscription is active.
type Client struct {
	url            string
	durable        string
	reconnectDelay time.Duration
	logger         *zap.Logger

	group singleflight.Group

	mu       sync.Mutex
	closed   bool
	nc       *nats.Conn
	js       nats.JetStreamContext
	streams  map[string]struct{}
	subs     []*nats.Subscription
	handlers sync.WaitGroup

	disconnected chan error
}

var _ broker.Client = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithDurable sets the durable consumer and queue group name. Default is "todo-service".
func WithDurable(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.durable = name
		}
	}
}

// WithReconnectDelay sets the pause between reconnect attempts. Default is 3 seconds.
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

// New creates a Client for the given NATS URL. It does not connect.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:            url,
		durable:        "todo-service",
		reconnectDelay: 3 * time.Second,
		logger:         zap.NewNop(),
		streams:        map[string]struct{}{},
		disconnected:   make(chan error, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureChannel implements broker.Client.
func (c *Client) EnsureChannel(ctx context.Context) error {
	_, err := c.jetStream(ctx)
	return err
}

func (c *Client) jetStream(ctx context.Context) (nats.JetStreamContext, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, broker.ErrClosed
	}
	if c.js != nil {
		js := c.js
		c.mu.Unlock()
		return js, nil
	}
	c.mu.Unlock()

	res := c.group.DoChan("connect", func() (any, error) {
		return c.connect()
	})
	select {
	case r := <-res:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(nats.JetStreamContext), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) connect() (nats.JetStreamContext, error) {
	nc, err := nats.Connect(c.url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(c.reconnectDelay),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(c.onClosed),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("opening jetstream context: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		nc.Close()
		return nil, broker.ErrClosed
	}
	c.nc, c.js = nc, js
	c.streams = map[string]struct{}{}

	c.logger.Info("nats jetstream ready")
	return js, nil
}

func (c *Client) onClosed(nc *nats.Conn) {
	c.mu.Lock()
	closing, subscribed := c.closed, len(c.subs) > 0
	if c.nc == nc {
		c.nc, c.js = nil, nil
	}
	c.mu.Unlock()

	if closing || !subscribed {
		return
	}
	c.logger.Error("nats connection closed")
	select {
	case c.disconnected <- errors.New("nats connection closed"):
	default:
	}
}

// StreamName returns the stream that stores subject.
func StreamName(subject string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(subject))
}

func (c *Client) ensureStream(js nats.JetStreamContext, subject string) error {
	c.mu.Lock()
	_, ok := c.streams[subject]
	c.mu.Unlock()
	if ok {
		return nil
	}

	name := StreamName(subject)
	if _, err := js.StreamInfo(name); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("looking up stream %s: %w", name, err)
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     name,
			Subjects: []string{subject},
			Storage:  nats.FileStorage,
		})
		if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return fmt.Errorf("creating stream %s: %w", name, err)
		}
	}

	c.mu.Lock()
	c.streams[subject] = struct{}{}
	c.mu.Unlock()
	return nil
}

// consumerConfig describes the durable push consumer shared by every instance of the
// queue group. The deliver subject is fixed so restarts bind to the same consumer.
func consumerConfig(subject, durable string, prefetch int) *nats.ConsumerConfig {
	return &nats.ConsumerConfig{
		Durable:        durable,
		DeliverGroup:   durable,
		DeliverSubject: "_deliver." + durable + "." + StreamName(subject),
		FilterSubject:  subject,
		DeliverPolicy:  nats.DeliverAllPolicy,
		AckPolicy:      nats.AckExplicitPolicy,
		MaxAckPending:  prefetch,
	}
}

func (c *Client) ensureConsumer(js nats.JetStreamContext, subject string, prefetch int) error {
	stream := StreamName(subject)
	_, err := js.ConsumerInfo(stream, c.durable)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("looking up consumer %s: %w", c.durable, err)
	}

	_, err = js.AddConsumer(stream, consumerConfig(subject, c.durable, prefetch))
	if err != nil && !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
		return fmt.Errorf("creating consumer %s: %w", c.durable, err)
	}
	return nil
}

// Publish implements broker.Client. The JetStream publish acknowledgement is the
// broker confirmation; the message id enables server-side deduplication.
func (c *Client) Publish(ctx context.Context, queue string, msg broker.Publishing) error {
	js, err := c.jetStream(ctx)
	if err != nil {
		return err
	}
	if err := c.ensureStream(js, queue); err != nil {
		return err
	}

	if _, err := js.PublishMsg(toNATS(queue, msg), nats.Context(ctx), nats.MsgId(msg.MessageID)); err != nil {
		return fmt.Errorf("publishing to %s: %w", queue, err)
	}
	return nil
}

func toNATS(subject string, msg broker.Publishing) *nats.Msg {
	m := nats.NewMsg(subject)
	m.Data = msg.Body
	m.Header.Set(headerType, msg.Type)
	m.Header.Set(headerAppID, msg.AppID)
	m.Header.Set(headerContentType, msg.ContentType)
	m.Header.Set(headerContentEncoding, msg.ContentEncoding)
	if !msg.Timestamp.IsZero() {
		m.Header.Set(headerTimestamp, msg.Timestamp.UTC().Format(time.RFC3339Nano))
	}
	return m
}

// Consume implements broker.Client.
func (c *Client) Consume(ctx context.Context, queue string, prefetch int, h broker.Handler) error {
	js, err := c.jetStream(ctx)
	if err != nil {
		return err
	}
	if err := c.ensureStream(js, queue); err != nil {
		return err
	}
	if prefetch < 1 {
		prefetch = 1
	}

	if err := c.ensureConsumer(js, queue, prefetch); err != nil {
		return err
	}

	handlerCtx := context.WithoutCancel(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return broker.ErrClosed
	}

	// bound to a consumer it did not create, the subscription leaves it in place on Unsubscribe
	sub, err := js.QueueSubscribe(queue, c.durable, func(m *nats.Msg) {
		c.handlers.Add(1)
		go func() {
			defer c.handlers.Done()
			h(handlerCtx, &delivery{m: m})
		}()
	},
		nats.Bind(StreamName(queue), c.durable),
		nats.ManualAck(),
	)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", queue, err)
	}
	c.subs = append(c.subs, sub)

	c.logger.Info("nats consumer ready", zap.String("queue", queue), zap.Int("prefetch", prefetch))
	return nil
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
	subs := c.subs
	nc := c.nc
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn("failed to unsubscribe", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	c.handlers.Wait()

	if nc != nil {
		if err := nc.FlushTimeout(5 * time.Second); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			c.logger.Warn("failed to flush nats connection", zap.Error(err))
		}
		nc.Close()
	}
	return nil
}

type delivery struct {
	m *nats.Msg
}

func (d *delivery) Body() []byte { return d.m.Data }

func (d *delivery) MessageID() string { return d.m.Header.Get(nats.MsgIdHdr) }

func (d *delivery) Ack() error { return d.m.Ack() }

// Nack redelivers the message when requeue is set and terminates it otherwise.
func (d *delivery) Nack(requeue bool) error {
	if requeue {
		return d.m.Nak()
	}
	return d.m.Term()
}
