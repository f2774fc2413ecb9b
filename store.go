package outbox

import (
	"context"
	"errors"
	"time"
)

// ErrNoClaimableRecord is returned by Store.Claim when no record is currently claimable.
var ErrNoClaimableRecord = errors.New("outbox: no claimable record")

// Store is the durable ledger of outbox records, as seen by the Relay.
//
// Every method must be a single atomic conditional operation at the storage level.
// Implementations must only mutate records whose status is still PENDING.
type Store interface {
	// Claim atomically selects the oldest (by CreatedAt) record that is PENDING, due
	// (NextAttemptAt <= now) and either unlocked or holding a lease older than
	// now-lockTTL, sets its LockedAt to now and returns it.
	// It returns ErrNoClaimableRecord when nothing qualifies.
	Claim(ctx context.Context, now time.Time, lockTTL time.Duration) (*Record, error)

	// MarkSent moves the record to SENT, clearing its lease and last error.
	MarkSent(ctx context.Context, eventID string, sentAt time.Time) error

	// MarkFailed increments the attempt counter, records the failure, clears the lease
	// and reschedules the record for nextAttemptAt.
	MarkFailed(ctx context.Context, eventID string, reason string, nextAttemptAt time.Time) error
}

// MessagePublisher publishes outbox records to an external system.
type MessagePublisher interface {
	// Publish sends one message and returns nil only once the external system has
	// durably accepted it. It may be called more than once for the same record.
	Publish(ctx context.Context, msg *Message) error
}

// Message is the outbound form of a Record handed to a MessagePublisher.
type Message struct {
	EventID    string
	EventType  string
	OccurredAt time.Time

	// Body is the JSON encoded Envelope.
	Body []byte
}

// Message builds the outbound message for the record.
func (r *Record) Message() (*Message, error) {
	body, err := r.Envelope().Marshal()
	if err != nil {
		return nil, err
	}
	return &Message{
		EventID:    r.EventID,
		EventType:  r.EventType,
		OccurredAt: r.OccurredAt,
		Body:       body,
	}, nil
}
