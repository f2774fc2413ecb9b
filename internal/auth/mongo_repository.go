package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	outbox "github.com/oagudo/signup-outbox"
	"github.com/oagudo/signup-outbox/internal/events"
	"github.com/oagudo/signup-outbox/mongostore"
)

// UsersCollection is the collection users are stored in.
const UsersCollection = "users"

type userDocument struct {
	ID           string    `bson:"_id"`
	Email        string    `bson:"email"`
	PasswordHash string    `bson:"passwordHash"`
	CreatedAt    time.Time `bson:"createdAt"`
	UpdatedAt    time.Time `bson:"updatedAt"`
}

// MongoRepository stores users in MongoDB through a mongostore.Writer.
type MongoRepository struct {
	writer *mongostore.Writer
	users  *mongo.Collection
}

var _ Repository = (*MongoRepository)(nil)

// NewMongoRepository creates a repository over the users collection of db.
func NewMongoRepository(writer *mongostore.Writer, db *mongo.Database) *MongoRepository {
	return &MongoRepository{writer: writer, users: db.Collection(UsersCollection)}
}

// EnsureIndexes creates the unique email index.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetName("email_unique").SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("creating users indexes: %w", err)
	}
	return nil
}

// CreateUser implements Repository.
func (r *MongoRepository) CreateUser(ctx context.Context, user NewUser) (RegisteredUser, error) {
	err := r.writer.Write(ctx, func(sc mongo.SessionContext, recWriter outbox.RecordWriter) error {
		err := r.users.FindOne(sc, bson.D{{Key: "email", Value: user.Email}}).Err()
		if err == nil {
			return ErrConflict
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("looking up email: %w", err)
		}

		_, err = r.users.InsertOne(sc, userDocument{
			ID:           user.ID,
			Email:        user.Email,
			PasswordHash: user.PasswordHash,
			CreatedAt:    user.CreatedAt,
			UpdatedAt:    user.CreatedAt,
		})
		if err != nil {
			return fmt.Errorf("inserting user: %w", err)
		}

		rec, err := events.NewUserRegisteredRecord(user.ID, user.Email, outbox.WithOccurredAt(user.CreatedAt))
		if err != nil {
			return err
		}
		return recWriter.Store(sc, rec)
	})

	if err != nil {
		if errors.Is(err, ErrConflict) || mongo.IsDuplicateKeyError(err) {
			return RegisteredUser{}, ErrConflict
		}
		return RegisteredUser{}, fmt.Errorf("creating user: %w", err)
	}
	return RegisteredUser{UserID: user.ID, Email: user.Email}, nil
}
