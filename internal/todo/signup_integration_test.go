//go:build integration

package todo_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/crypto/bcrypt"

	outbox "github.com/oagudo/signup-outbox"
	"github.com/oagudo/signup-outbox/consumer"
	"github.com/oagudo/signup-outbox/internal/auth"
	"github.com/oagudo/signup-outbox/internal/todo"
	"github.com/oagudo/signup-outbox/mongostore"
)

// capturingPublisher accepts every message and keeps its body for the consumer side.
type capturingPublisher struct {
	mu       sync.Mutex
	messages []*outbox.Message
}

func (p *capturingPublisher) Publish(_ context.Context, msg *outbox.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

func (p *capturingPublisher) captured() []*outbox.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*outbox.Message(nil), p.messages...)
}

func setupMongo(t *testing.T) *mongo.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcmongo.Run(ctx, "mongo:7", tcmongo.WithReplicaSet("rs0"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetDirect(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	return client
}

func countDocs(t *testing.T, coll *mongo.Collection, filter bson.D) int64 {
	t.Helper()
	n, err := coll.CountDocuments(context.Background(), filter)
	require.NoError(t, err)
	return n
}

func TestRegistrationCreatesOneWelcomeTodo(t *testing.T) {
	client := setupMongo(t)
	ctx := context.Background()

	authDB := client.Database("auth_db")
	outboxStore := mongostore.NewStore(authDB)
	require.NoError(t, outboxStore.EnsureIndexes(ctx))
	repo := auth.NewMongoRepository(mongostore.NewWriter(client, authDB), authDB)
	require.NoError(t, repo.EnsureIndexes(ctx))

	todoDB := client.Database("todo_db")
	todoStore := todo.NewStore(client, todoDB)
	require.NoError(t, todoStore.EnsureIndexes(ctx))

	user, err := auth.NewService(repo, auth.WithBcryptCost(bcrypt.MinCost)).
		Register(ctx, auth.RegisterInput{Email: "ada@example.com", Password: "correct-horse"})
	require.NoError(t, err)

	outboxes := authDB.Collection(mongostore.DefaultCollection)
	require.EqualValues(t, 1, countDocs(t, outboxes, bson.D{{Key: "status", Value: string(outbox.StatusPending)}}))

	pub := &capturingPublisher{}
	relay := outbox.NewRelay(outboxStore, pub, outbox.WithPollInterval(10*time.Millisecond))
	relay.Start()
	require.Eventually(t, func() bool { return len(pub.captured()) == 1 }, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, relay.Stop(ctx))

	msg := pub.captured()[0]
	rec, err := outboxStore.Get(ctx, msg.EventID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusSent, rec.Status)
	assert.NotNil(t, rec.SentAt)

	c := consumer.New(nil, "user.registered", consumer.WithHandler(todo.NewWelcomeHandler(todoStore)))

	outcome, env, err := c.Process(ctx, msg.Body)
	require.NoError(t, err)
	assert.Equal(t, consumer.OutcomeApplied, outcome)
	assert.Equal(t, msg.EventID, env.EventID)

	byUser := bson.D{{Key: "userId", Value: user.UserID}}
	welcome := bson.D{{Key: "userId", Value: user.UserID}, {Key: "type", Value: todo.TypeWelcome}}
	assert.EqualValues(t, 1, countDocs(t, todoDB.Collection(todo.TodosCollection), welcome))
	assert.EqualValues(t, 1, countDocs(t, todoDB.Collection(todo.ProcessedEventsCollection), bson.D{}))

	// redelivery of the same message changes nothing
	outcome, _, err = c.Process(ctx, msg.Body)
	require.NoError(t, err)
	assert.Equal(t, consumer.OutcomeSkipped, outcome)
	assert.EqualValues(t, 1, countDocs(t, todoDB.Collection(todo.TodosCollection), byUser))
	assert.EqualValues(t, 1, countDocs(t, todoDB.Collection(todo.ProcessedEventsCollection), bson.D{}))

	list, err := todoStore.List(ctx, user.UserID, todo.Page{Limit: todo.DefaultLimit})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, todo.WelcomeTitle, list.Items[0].Title)
}
