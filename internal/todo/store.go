// Package todo owns the todo-service data: todos and the processed event ledger.
package todo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"golang.org/x/sync/errgroup"

	"github.com/oagudo/signup-outbox/consumer"
)

const (
	TodosCollection           = "todos"
	ProcessedEventsCollection = "processed_events"

	TypeWelcome  = "WELCOME"
	WelcomeTitle = "Welcome to the App"
)

// Todo is a todo item.
type Todo struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"_id"`
	UserID        string             `bson:"userId" json:"userId"`
	Type          string             `bson:"type" json:"type"`
	Title         string             `bson:"title" json:"title"`
	Completed     bool               `bson:"completed" json:"completed"`
	SourceEventID string             `bson:"sourceEventId,omitempty" json:"sourceEventId,omitempty"`
	CreatedAt     time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt     time.Time          `bson:"updatedAt" json:"updatedAt"`
}

// ProcessedEvent is a ledger entry. Its presence means the event's effect has been
// applied; entries are never updated or removed.
type ProcessedEvent struct {
	EventID     string    `bson:"eventId"`
	EventType   string    `bson:"eventType"`
	ProcessedAt time.Time `bson:"processedAt"`
}

// Store reads and writes todos and the processed event ledger.
type Store struct {
	client    *mongo.Client
	todos     *mongo.Collection
	processed *mongo.Collection
	txOpts    *options.TransactionOptions
	now       func() time.Time
}

// NewStore creates a Store over db.
func NewStore(client *mongo.Client, db *mongo.Database) *Store {
	return &Store{
		client:    client,
		todos:     db.Collection(TodosCollection),
		processed: db.Collection(ProcessedEventsCollection),
		txOpts: options.Transaction().
			SetReadConcern(readconcern.Local()).
			SetWriteConcern(writeconcern.Majority()),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// EnsureIndexes creates the uniqueness guarantees idempotency relies on, plus the
// listing indexes.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.todos.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "userId", Value: 1}, {Key: "type", Value: 1}},
			Options: options.Index().SetName("userId_type_unique").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "userId", Value: 1}, {Key: "createdAt", Value: -1}},
			Options: options.Index().SetName("userId_createdAt"),
		},
		{
			Keys:    bson.D{{Key: "createdAt", Value: -1}},
			Options: options.Index().SetName("createdAt"),
		},
	})
	if err != nil {
		return fmt.Errorf("creating todos indexes: %w", err)
	}

	_, err = s.processed.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "eventId", Value: 1}},
			Options: options.Index().SetName("eventId_unique").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "eventType", Value: 1}},
			Options: options.Index().SetName("eventType"),
		},
	})
	if err != nil {
		return fmt.Errorf("creating processed_events indexes: %w", err)
	}
	return nil
}

// ApplyUserRegistered creates the user's welcome todo and records eventID in the
// ledger, in one transaction. An event already in the ledger is skipped; so is one
// whose ledger insert loses a race with a concurrent delivery.
func (s *Store) ApplyUserRegistered(ctx context.Context, eventID, eventType, userID string) (consumer.Result, error) {
	sess, err := s.client.StartSession()
	if err != nil {
		return consumer.Result{}, fmt.Errorf("starting session: %w", err)
	}
	defer sess.EndSession(ctx)

	var res consumer.Result
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		res = consumer.Result{}

		err := s.processed.FindOne(sc, bson.D{{Key: "eventId", Value: eventID}}).Err()
		if err == nil {
			res.Skipped = true
			return nil, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("looking up processed event: %w", err)
		}

		now := s.now()
		up, err := s.todos.UpdateOne(sc,
			bson.D{{Key: "userId", Value: userID}, {Key: "type", Value: TypeWelcome}},
			welcomeUpsert(userID, eventID, now),
			options.Update().SetUpsert(true))
		if err != nil {
			return nil, fmt.Errorf("upserting welcome todo: %w", err)
		}

		_, err = s.processed.InsertOne(sc, ProcessedEvent{EventID: eventID, EventType: eventType, ProcessedAt: now})
		if err != nil {
			return nil, fmt.Errorf("recording processed event: %w", err)
		}

		res.Created = up.UpsertedCount > 0
		return nil, nil
	}, s.txOpts)

	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return consumer.Result{Skipped: true}, nil
		}
		return consumer.Result{}, err
	}
	return res, nil
}

func welcomeUpsert(userID, eventID string, now time.Time) bson.D {
	return bson.D{{Key: "$setOnInsert", Value: bson.D{
		{Key: "userId", Value: userID},
		{Key: "type", Value: TypeWelcome},
		{Key: "title", Value: WelcomeTitle},
		{Key: "completed", Value: false},
		{Key: "sourceEventId", Value: eventID},
		{Key: "createdAt", Value: now},
		{Key: "updatedAt", Value: now},
	}}}
}

// IsProcessed reports whether eventID is in the ledger.
func (s *Store) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	err := s.processed.FindOne(ctx, bson.D{{Key: "eventId", Value: eventID}}).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up processed event: %w", err)
	}
	return true, nil
}

// List returns one page of todos, newest first, optionally restricted to userID,
// along with the total number of matching todos.
func (s *Store) List(ctx context.Context, userID string, page Page) (ListResult, error) {
	filter := bson.D{}
	if userID != "" {
		filter = bson.D{{Key: "userId", Value: userID}}
	}

	var (
		items []Todo
		total int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cur, err := s.todos.Find(gctx, filter, options.Find().
			SetSort(bson.D{{Key: "createdAt", Value: -1}}).
			SetSkip(int64(page.Offset)).
			SetLimit(int64(page.Limit)))
		if err != nil {
			return fmt.Errorf("finding todos: %w", err)
		}
		if err := cur.All(gctx, &items); err != nil {
			return fmt.Errorf("decoding todos: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		n, err := s.todos.CountDocuments(gctx, filter)
		if err != nil {
			return fmt.Errorf("counting todos: %w", err)
		}
		total = n
		return nil
	})
	if err := g.Wait(); err != nil {
		return ListResult{}, err
	}

	if items == nil {
		items = []Todo{}
	}
	return ListResult{
		Items:      items,
		Pagination: Pagination{Limit: page.Limit, Offset: page.Offset, Total: total},
	}, nil
}
