package mongostore

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	outbox "github.com/oagudo/signup-outbox"
)

// document is the BSON shape of an outbox record.
type document struct {
	EventID       string     `bson:"eventId"`
	EventType     string     `bson:"eventType"`
	OccurredAt    time.Time  `bson:"occurredAt"`
	Payload       bson.D     `bson:"payload"`
	Status        string     `bson:"status"`
	Attempts      int        `bson:"attempts"`
	NextAttemptAt time.Time  `bson:"nextAttemptAt"`
	LockedAt      *time.Time `bson:"lockedAt"`
	LastError     *string    `bson:"lastError"`
	SentAt        *time.Time `bson:"sentAt"`
	CreatedAt     time.Time  `bson:"createdAt"`
	UpdatedAt     time.Time  `bson:"updatedAt"`
}

func newDocument(rec *outbox.Record) (*document, error) {
	var payload bson.D
	if err := bson.UnmarshalExtJSON(rec.Payload, false, &payload); err != nil {
		return nil, fmt.Errorf("converting payload of event %s: %w", rec.EventID, err)
	}

	return &document{
		EventID:       rec.EventID,
		EventType:     rec.EventType,
		OccurredAt:    rec.OccurredAt.UTC(),
		Payload:       payload,
		Status:        string(rec.Status),
		Attempts:      rec.Attempts,
		NextAttemptAt: rec.NextAttemptAt.UTC(),
		LockedAt:      rec.LockedAt,
		LastError:     rec.LastError,
		SentAt:        rec.SentAt,
		CreatedAt:     rec.CreatedAt.UTC(),
		UpdatedAt:     rec.CreatedAt.UTC(),
	}, nil
}

func (d *document) record() (*outbox.Record, error) {
	payload, err := bson.MarshalExtJSON(d.Payload, false, false)
	if err != nil {
		return nil, fmt.Errorf("converting payload of event %s: %w", d.EventID, err)
	}

	return &outbox.Record{
		EventID:       d.EventID,
		EventType:     d.EventType,
		OccurredAt:    d.OccurredAt.UTC(),
		Payload:       payload,
		Status:        outbox.Status(d.Status),
		Attempts:      d.Attempts,
		NextAttemptAt: d.NextAttemptAt.UTC(),
		LockedAt:      utc(d.LockedAt),
		LastError:     d.LastError,
		SentAt:        utc(d.SentAt),
		CreatedAt:     d.CreatedAt.UTC(),
	}, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
