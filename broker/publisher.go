package broker

import (
	"context"
	"time"

	outbox "github.com/oagudo/signup-outbox"
)

// Publisher adapts a Client to outbox.MessagePublisher, sending every record to one queue.
type Publisher struct {
	client Client
	queue  string
	appID  string
	now    func() time.Time
}

var _ outbox.MessagePublisher = (*Publisher)(nil)

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithAppID sets the application id attached to every message. Default is "auth-service".
func WithAppID(appID string) PublisherOption {
	return func(p *Publisher) {
		if appID != "" {
			p.appID = appID
		}
	}
}

// WithPublisherClock overrides the time source used for message timestamps.
func WithPublisherClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPublisher creates a Publisher sending to queue through client.
func NewPublisher(client Client, queue string, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		client: client,
		queue:  queue,
		appID:  "auth-service",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish implements outbox.MessagePublisher. It returns nil only after the broker
// confirmed the message.
func (p *Publisher) Publish(ctx context.Context, msg *outbox.Message) error {
	if err := p.client.EnsureChannel(ctx); err != nil {
		return err
	}

	return p.client.Publish(ctx, p.queue, Publishing{
		MessageID:       msg.EventID,
		Type:            msg.EventType,
		AppID:           p.appID,
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		Timestamp:       p.now(),
		Persistent:      true,
		Body:            msg.Body,
	})
}
