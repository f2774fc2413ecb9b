package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	outbox "github.com/oagudo/signup-outbox"
)

// DefaultCollection is the collection outbox records are stored in unless overridden.
const DefaultCollection = "outboxes"

// Store is the outbox.Store implementation backed by a MongoDB collection.
//
// A claim is a single findOneAndUpdate sorted by creation time, so two relays
// can never hold the same record at the same time.
type Store struct {
	coll *mongo.Collection
}

var _ outbox.Store = (*Store)(nil)

// Option configures a Store or a Writer.
type Option func(*settings)

type settings struct {
	collection string
}

// WithCollection overrides the outbox collection name.
func WithCollection(name string) Option {
	return func(s *settings) {
		if name != "" {
			s.collection = name
		}
	}
}

func collection(db *mongo.Database, opts []Option) *mongo.Collection {
	s := settings{collection: DefaultCollection}
	for _, opt := range opts {
		opt(&s)
	}
	return db.Collection(s.collection)
}

// NewStore creates a Store over the outbox collection of db.
func NewStore(db *mongo.Database, opts ...Option) *Store {
	return &Store{coll: collection(db, opts)}
}

// EnsureIndexes creates the unique event id index and the index used by claims.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "eventId", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("eventId_unique"),
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "nextAttemptAt", Value: 1},
				{Key: "lockedAt", Value: 1},
				{Key: "createdAt", Value: 1},
			},
			Options: options.Index().SetName("claimable"),
		},
	})
	if err != nil {
		return fmt.Errorf("creating outbox indexes: %w", err)
	}
	return nil
}

// Claim implements outbox.Store.
func (s *Store) Claim(ctx context.Context, now time.Time, lockTTL time.Duration) (*outbox.Record, error) {
	now = now.UTC()

	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "createdAt", Value: 1}}).
		SetReturnDocument(options.After)

	var doc document
	err := s.coll.FindOneAndUpdate(ctx, claimFilter(now, now.Add(-lockTTL)), claimUpdate(now), opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, outbox.ErrNoClaimableRecord
	}
	if err != nil {
		return nil, fmt.Errorf("claiming outbox record: %w", err)
	}

	return doc.record()
}

// MarkSent implements outbox.Store.
func (s *Store) MarkSent(ctx context.Context, eventID string, sentAt time.Time) error {
	_, err := s.coll.UpdateOne(ctx, pendingFilter(eventID), markSentUpdate(sentAt.UTC()))
	if err != nil {
		return fmt.Errorf("marking outbox record %s as sent: %w", eventID, err)
	}
	return nil
}

// MarkFailed implements outbox.Store.
func (s *Store) MarkFailed(ctx context.Context, eventID string, reason string, nextAttemptAt time.Time) error {
	_, err := s.coll.UpdateOne(ctx, pendingFilter(eventID), markFailedUpdate(reason, nextAttemptAt.UTC(), time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("rescheduling outbox record %s: %w", eventID, err)
	}
	return nil
}

// Get returns the record with the given event id, or nil when there is none.
func (s *Store) Get(ctx context.Context, eventID string) (*outbox.Record, error) {
	var doc document
	err := s.coll.FindOne(ctx, bson.D{{Key: "eventId", Value: eventID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading outbox record %s: %w", eventID, err)
	}
	return doc.record()
}

// claimFilter matches pending records that are due and whose lease is absent or older than cutoff.
// A nil lockedAt matches both null and missing fields.
func claimFilter(now, cutoff time.Time) bson.D {
	return bson.D{
		{Key: "status", Value: string(outbox.StatusPending)},
		{Key: "nextAttemptAt", Value: bson.D{{Key: "$lte", Value: now}}},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "lockedAt", Value: nil}},
			bson.D{{Key: "lockedAt", Value: bson.D{{Key: "$lte", Value: cutoff}}}},
		}},
	}
}

func claimUpdate(now time.Time) bson.D {
	return bson.D{{Key: "$set", Value: bson.D{
		{Key: "lockedAt", Value: now},
		{Key: "updatedAt", Value: now},
	}}}
}

func pendingFilter(eventID string) bson.D {
	return bson.D{
		{Key: "eventId", Value: eventID},
		{Key: "status", Value: string(outbox.StatusPending)},
	}
}

func markSentUpdate(sentAt time.Time) bson.D {
	return bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: string(outbox.StatusSent)},
		{Key: "sentAt", Value: sentAt},
		{Key: "lockedAt", Value: nil},
		{Key: "lastError", Value: nil},
		{Key: "updatedAt", Value: sentAt},
	}}}
}

func markFailedUpdate(reason string, nextAttemptAt, now time.Time) bson.D {
	return bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "lastError", Value: reason},
			{Key: "nextAttemptAt", Value: nextAttemptAt},
			{Key: "lockedAt", Value: nil},
			{Key: "updatedAt", Value: now},
		}},
		{Key: "$inc", Value: bson.D{{Key: "attempts", Value: 1}}},
	}
}
