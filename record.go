package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Status is the delivery state of an outbox record.
type Status string

// Record statuses. A record only ever moves from StatusPending to StatusSent.
const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
)

// Record is an event stored in the outbox alongside the domain change it announces.
type Record struct {
	// EventID uniquely identifies the event for the lifetime of the store.
	// It is also the broker message id, which lets consumers deduplicate.
	EventID string

	// EventType names the kind of event, e.g. USER_REGISTERED.
	EventType string

	// OccurredAt is when the domain event happened. It is distinct from CreatedAt,
	// which is the storage insertion time used for ordering.
	OccurredAt time.Time

	// Payload is the event body, a JSON object.
	Payload []byte

	Status        Status
	Attempts      int
	NextAttemptAt time.Time

	// LockedAt is the lease taken by the relay that claimed the record. Nil when unclaimed.
	LockedAt *time.Time

	LastError *string
	SentAt    *time.Time
	CreatedAt time.Time
}

// RecordOption is a function that configures a Record.
type RecordOption func(*Record)

// WithEventID sets the event identifier.
// If not provided, a new UUID is generated.
func WithEventID(id string) RecordOption {
	return func(r *Record) {
		r.EventID = id
	}
}

// WithOccurredAt sets the time the domain event happened.
// If not provided, the current time is used.
func WithOccurredAt(occurredAt time.Time) RecordOption {
	return func(r *Record) {
		r.OccurredAt = occurredAt.UTC()
	}
}

// WithCreatedAt sets the storage insertion time.
// If not provided, the current time is used.
func WithCreatedAt(createdAt time.Time) RecordOption {
	return func(r *Record) {
		r.CreatedAt = createdAt.UTC()
	}
}

// NewRecord creates a pending Record of the given type, eligible for publishing right away.
func NewRecord(eventType string, payload []byte, opts ...RecordOption) *Record {
	now := time.Now().UTC()

	r := &Record{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		OccurredAt: now,
		Payload:    payload,
		Status:     StatusPending,
		CreatedAt:  now,
	}

	for _, opt := range opts {
		opt(r)
	}

	r.NextAttemptAt = r.CreatedAt

	return r
}

// Claimable reports whether the record may be claimed at now given the lease TTL.
// Stores evaluate the same condition atomically; this is the in-memory rendition.
func (r *Record) Claimable(now time.Time, lockTTL time.Duration) bool {
	if r.Status != StatusPending || r.NextAttemptAt.After(now) {
		return false
	}
	return r.LockedAt == nil || !r.LockedAt.After(now.Add(-lockTTL))
}
