// Package consumer turns broker deliveries into idempotent domain effects.
//
// A delivery is acknowledged once its effect has been committed, once it proves to be
// a duplicate, or once it can never succeed (poison or unsupported). Every other
// failure is negatively acknowledged with requeue so the broker redelivers it.
package consumer

import (
	"context"
	"errors"

	"go.uber.org/zap"

	outbox "github.com/oagudo/signup-outbox"
	"github.com/oagudo/signup-outbox/broker"
)

// Result reports what Apply did.
type Result struct {
	// Created is true when the domain effect was created by this call.
	Created bool
	// Skipped is true when the event had already been processed.
	Skipped bool
}

// Handler applies one event type.
type Handler interface {
	// EventType is the envelope eventType the handler accepts.
	EventType() string

	// Validate checks the type-specific rules. It returns an *outbox.EnvelopeError
	// for an event that can never be applied.
	Validate(env outbox.Envelope) error

	// Apply performs the domain effect and records the event id in the processed
	// event ledger, atomically. A concurrent duplicate is reported as Skipped.
	Apply(ctx context.Context, env outbox.Envelope) (Result, error)
}

// Outcome is how a delivery was settled.
type Outcome string

const (
	OutcomeApplied     Outcome = "applied"
	OutcomeSkipped     Outcome = "skipped"
	OutcomePoison      Outcome = "poison"
	OutcomeUnsupported Outcome = "unsupported"
	OutcomeRequeued    Outcome = "requeued"
)

// ErrUnsupportedEventType marks an event type no handler is registered for.
var ErrUnsupportedEventType = errors.New("consumer: unsupported event type")

// Metrics receives one call per settled delivery.
type Metrics interface {
	Observe(outcome Outcome)
}

type noopMetrics struct{}

func (noopMetrics) Observe(Outcome) {}

// Consumer dispatches deliveries from one queue to the handler registered for their event type.
type Consumer struct {
	client   broker.Client
	queue    string
	prefetch int
	handlers map[string]Handler
	logger   *zap.Logger
	metrics  Metrics
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithPrefetch bounds the number of unacknowledged deliveries, and so the number of
// handlers running at once. Default is 20.
func WithPrefetch(prefetch int) Option {
	return func(c *Consumer) {
		if prefetch > 0 {
			c.prefetch = prefetch
		}
	}
}

// WithHandler registers h for its event type, replacing any earlier registration.
func WithHandler(h Handler) Option {
	return func(c *Consumer) {
		c.handlers[h.EventType()] = h
	}
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink. Default discards everything.
func WithMetrics(metrics Metrics) Option {
	return func(c *Consumer) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// New creates a Consumer for queue.
func New(client broker.Client, queue string, opts ...Option) *Consumer {
	c := &Consumer{
		client:   client,
		queue:    queue,
		prefetch: 20,
		handlers: map[string]Handler{},
		logger:   zap.NewNop(),
		metrics:  noopMetrics{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start subscribes to the queue. Stopping is done by closing the broker client,
// which waits for handlers in flight.
func (c *Consumer) Start(ctx context.Context) error {
	return c.client.Consume(ctx, c.queue, c.prefetch, c.Handle)
}

// Handle processes and settles one delivery.
func (c *Consumer) Handle(ctx context.Context, d broker.Delivery) {
	outcome, env, err := c.Process(ctx, d.Body())

	fields := []zap.Field{
		zap.String("message_id", d.MessageID()),
		zap.String("event_id", env.EventID),
		zap.String("event_type", env.EventType),
	}

	var settleErr error
	switch outcome {
	case OutcomeApplied:
		c.logger.Info("event applied", fields...)
		settleErr = d.Ack()
	case OutcomeSkipped:
		c.logger.Info("duplicate event skipped", fields...)
		settleErr = d.Ack()
	case OutcomePoison:
		c.logger.Warn("dropping poison message", append(fields, envelopeFields(err)...)...)
		settleErr = d.Ack()
	case OutcomeUnsupported:
		c.logger.Warn("dropping unsupported event type", fields...)
		settleErr = d.Ack()
	default:
		c.logger.Error("event processing failed; requeueing", append(fields, zap.Error(err))...)
		settleErr = d.Nack(true)
	}
	c.metrics.Observe(outcome)

	if settleErr != nil {
		c.logger.Error("failed to settle delivery", append(fields, zap.Error(settleErr))...)
	}
}

// Process decodes, validates and applies one message body. The returned envelope is
// whatever could be decoded, for logging.
func (c *Consumer) Process(ctx context.Context, body []byte) (Outcome, outbox.Envelope, error) {
	env, err := outbox.DecodeEnvelope(body)
	if err != nil {
		return OutcomePoison, env, err
	}

	h, ok := c.handlers[env.EventType]
	if !ok {
		return OutcomeUnsupported, env, ErrUnsupportedEventType
	}

	if err := env.Validate(); err != nil {
		return OutcomePoison, env, err
	}
	if err := h.Validate(env); err != nil {
		var envErr *outbox.EnvelopeError
		if errors.As(err, &envErr) {
			return OutcomePoison, env, err
		}
		return OutcomeRequeued, env, err
	}

	res, err := h.Apply(ctx, env)
	if err != nil {
		return OutcomeRequeued, env, err
	}
	if res.Skipped {
		return OutcomeSkipped, env, nil
	}
	return OutcomeApplied, env, nil
}

func envelopeFields(err error) []zap.Field {
	var envErr *outbox.EnvelopeError
	if errors.As(err, &envErr) {
		return []zap.Field{zap.String("reason", envErr.Reason), zap.Strings("details", envErr.Details)}
	}
	return []zap.Field{zap.Error(err)}
}
