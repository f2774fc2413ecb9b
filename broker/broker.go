// Package broker defines the capability interface the outbox relay and the event
// consumer depend on, independent of the message broker behind it.
//
// Bindings live in sub-packages: rabbitmq, kafka and natsjs.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned by every operation on a client after Close.
	ErrClosed = errors.New("broker: client is closed")

	// ErrPublishNacked is returned when the broker negatively acknowledges a publish.
	ErrPublishNacked = errors.New("broker: message negatively acknowledged")

	// ErrChannelClosed is returned when the channel closes before the broker confirms a publish.
	ErrChannelClosed = errors.New("broker: channel closed before confirmation")
)

// Publishing is a message handed to Client.Publish.
type Publishing struct {
	MessageID       string
	Type            string
	AppID           string
	ContentType     string
	ContentEncoding string
	Timestamp       time.Time
	Persistent      bool
	Body            []byte
}

// Delivery is a message received from the broker. Exactly one of Ack or Nack must
// be called for every delivery.
type Delivery interface {
	Body() []byte
	MessageID() string
	Ack() error
	Nack(requeue bool) error
}

// Handler processes a single delivery. It owns the delivery's acknowledgement.
type Handler func(ctx context.Context, d Delivery)

// Client is the capability every broker binding implements.
type Client interface {
	// EnsureChannel connects, or reconnects after a disconnect, and returns once a
	// channel able to publish with confirmations is ready. Concurrent callers share
	// one connect attempt.
	EnsureChannel(ctx context.Context) error

	// Publish sends one message to queue and blocks until the broker confirms it.
	Publish(ctx context.Context, queue string, msg Publishing) error

	// Consume subscribes to queue with manual acknowledgement, delivering at most
	// prefetch unacknowledged messages at a time. Each delivery is handled in its own
	// goroutine. Consume returns once the subscription is active.
	Consume(ctx context.Context, queue string, prefetch int, h Handler) error

	// Disconnected yields an error when an active subscription is lost for a reason
	// other than Close.
	Disconnected() <-chan error

	// Close cancels subscriptions, waits for in-flight handlers and closes the connection.
	// Calling Close more than once is safe.
	Close() error
}
