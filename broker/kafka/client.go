// Package kafka binds broker.Client to Kafka. A queue name is a topic name.
//
// Kafka has no per-message negative acknowledgement: a delivery nacked with requeue
// is handed to the handler again after the redelivery delay, and the partition
// offset is only committed once a delivery is acked or dropped. Deliveries of one
// subscription are therefore handled one at a time and prefetch only sizes the
// reader's fetch queue.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/oagudo/signup-outbox/broker"
)

const (
	headerMessageID       = "message-id"
	headerType            = "type"
	headerAppID           = "app-id"
	headerContentType     = "content-type"
	headerContentEncoding = "content-encoding"
)

// Client publishes with acknowledgement from all in-sync replicas and consumes
// through consumer groups.
type Client struct {
	brokers         []string
	groupID         string
	redeliveryDelay time.Duration
	logger          *zap.Logger

	writer      *kafka.Writer
	group       singleflight.Group
	dialTimeout time.Duration
	reach       func(ctx context.Context, addr string) error

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	ready   bool
	readers []*kafka.Reader
	loops   sync.WaitGroup

	disconnected chan error
}

var _ broker.Client = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithGroupID sets the consumer group. Default is "todo-service".
func WithGroupID(groupID string) Option {
	return func(c *Client) {
		if groupID != "" {
			c.groupID = groupID
		}
	}
}

// WithRedeliveryDelay sets the pause before a requeued delivery is handled again.
// Default is 1 second.
func WithRedeliveryDelay(delay time.Duration) Option {
	return func(c *Client) {
		if delay > 0 {
			c.redeliveryDelay = delay
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

// New creates a Client for the given bootstrap brokers. It does not connect.
func New(brokers []string, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		brokers:         brokers,
		groupID:         "todo-service",
		redeliveryDelay: time.Second,
		logger:          zap.NewNop(),
		dialTimeout:     10 * time.Second,
		reach:           reachBroker,
		ctx:             ctx,
		cancel:          cancel,
		disconnected:    make(chan error, 1),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.writer = &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
		Transport: &kafka.Transport{
			MetadataTTL: 10 * time.Second,
		},
	}
	return c
}

// EnsureChannel implements broker.Client. It checks that a bootstrap broker is
// reachable; the writer manages its own connections afterwards.
func (c *Client) EnsureChannel(ctx context.Context) error {
	c.mu.Lock()
	closed, ready := c.closed, c.ready
	c.mu.Unlock()
	if closed {
		return broker.ErrClosed
	}
	if ready {
		return nil
	}

	// shared by every waiter, so it is bound to the client rather than to one caller
	res := c.group.DoChan("dial", func() (any, error) {
		ctx, cancel := context.WithTimeout(c.ctx, c.dialTimeout)
		defer cancel()
		return nil, c.dial(ctx)
	})
	select {
	case r := <-res:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) dial(ctx context.Context) error {
	var errs []error
	for _, addr := range c.brokers {
		if err := c.reach(ctx, addr); err != nil {
			errs = append(errs, err)
			continue
		}

		c.mu.Lock()
		c.ready = true
		c.mu.Unlock()
		c.logger.Info("kafka broker reachable", zap.String("broker", addr))
		return nil
	}
	return fmt.Errorf("dialing kafka: %w", errors.Join(errs...))
}

func reachBroker(ctx context.Context, addr string) error {
	conn, err := kafka.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Publish implements broker.Client. WriteMessages returns once all in-sync replicas
// have the message.
func (c *Client) Publish(ctx context.Context, queue string, msg broker.Publishing) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return broker.ErrClosed
	}

	if err := c.writer.WriteMessages(ctx, toKafka(queue, msg)); err != nil {
		c.mu.Lock()
		c.ready = false
		c.mu.Unlock()
		return fmt.Errorf("publishing to %s: %w", queue, err)
	}
	return nil
}

func toKafka(topic string, msg broker.Publishing) kafka.Message {
	return kafka.Message{
		Topic: topic,
		Key:   []byte(msg.MessageID),
		Value: msg.Body,
		Time:  msg.Timestamp,
		Headers: []kafka.Header{
			{Key: headerMessageID, Value: []byte(msg.MessageID)},
			{Key: headerType, Value: []byte(msg.Type)},
			{Key: headerAppID, Value: []byte(msg.AppID)},
			{Key: headerContentType, Value: []byte(msg.ContentType)},
			{Key: headerContentEncoding, Value: []byte(msg.ContentEncoding)},
		},
	}
}

// Consume implements broker.Client.
func (c *Client) Consume(ctx context.Context, queue string, prefetch int, h broker.Handler) error {
	if err := c.EnsureChannel(ctx); err != nil {
		return err
	}
	if prefetch < 1 {
		prefetch = 1
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.brokers,
		GroupID:        c.groupID,
		Topic:          queue,
		StartOffset:    kafka.FirstOffset,
		QueueCapacity:  prefetch,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = r.Close()
		return broker.ErrClosed
	}
	c.readers = append(c.readers, r)
	c.loops.Add(1)
	c.mu.Unlock()

	go c.dispatch(context.WithoutCancel(ctx), queue, r, h)

	c.logger.Info("kafka consumer ready",
		zap.String("queue", queue),
		zap.String("group_id", c.groupID),
		zap.Int("prefetch", prefetch))
	return nil
}

func (c *Client) dispatch(handlerCtx context.Context, queue string, r *kafka.Reader, h broker.Handler) {
	defer c.loops.Done()

	for {
		m, err := r.FetchMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka consumer lost", zap.String("queue", queue), zap.Error(err))
			select {
			case c.disconnected <- fmt.Errorf("kafka subscription to %s: %w", queue, err):
			default:
			}
			return
		}

		if !c.deliver(handlerCtx, r, m, h) {
			return
		}
	}
}

// deliver hands m to h until it is acked or dropped. It returns false when the
// client is closing and m was left uncommitted.
func (c *Client) deliver(handlerCtx context.Context, r *kafka.Reader, m kafka.Message, h broker.Handler) bool {
	for {
		d := &delivery{m: m}
		h(handlerCtx, d)

		if d.outcome() != outcomeRequeue {
			// handlerCtx outlives Close so the offset of a settled message is kept
			if err := r.CommitMessages(handlerCtx, m); err != nil {
				c.logger.Warn("failed to commit kafka offset",
					zap.String("topic", m.Topic),
					zap.Int64("offset", m.Offset),
					zap.Error(err))
			}
			return true
		}

		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(c.redeliveryDelay):
		}
	}
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
	readers := c.readers
	c.readers = nil
	c.mu.Unlock()

	c.cancel()
	c.loops.Wait()

	var errs []error
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("closing kafka client: %w", err)
	}
	return nil
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeAck
	outcomeDrop
	outcomeRequeue
)

type delivery struct {
	m kafka.Message

	mu  sync.Mutex
	out outcome
}

func (d *delivery) Body() []byte { return d.m.Value }

func (d *delivery) MessageID() string {
	for _, h := range d.m.Headers {
		if h.Key == headerMessageID {
			return string(h.Value)
		}
	}
	return string(d.m.Key)
}

func (d *delivery) Ack() error {
	return d.settle(outcomeAck)
}

func (d *delivery) Nack(requeue bool) error {
	if requeue {
		return d.settle(outcomeRequeue)
	}
	return d.settle(outcomeDrop)
}

func (d *delivery) settle(o outcome) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.out != outcomeNone {
		return errors.New("kafka: delivery already settled")
	}
	d.out = o
	return nil
}

// outcome treats a delivery the handler never settled as requeued.
func (d *delivery) outcome() outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.out == outcomeNone {
		return outcomeRequeue
	}
	return d.out
}
