package mongodb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oagudo/signup-outbox/internal/retry"
)

func TestClientOptions(t *testing.T) {
	opts := ClientOptions("mongodb://localhost:27017")

	require.NotNil(t, opts.MaxPoolSize)
	assert.EqualValues(t, 20, *opts.MaxPoolSize)
	require.NotNil(t, opts.MinPoolSize)
	assert.EqualValues(t, 2, *opts.MinPoolSize)
	require.NotNil(t, opts.ServerSelectionTimeout)
	assert.Equal(t, 5*time.Second, *opts.ServerSelectionTimeout)
}

func TestConnectRejectsMalformedURIWithinBudget(t *testing.T) {
	_, err := Connect(context.Background(), zap.NewNop(), "not-a-mongo-uri", "todo_db", retry.Fixed(2, time.Millisecond))

	require.ErrorIs(t, err, retry.ErrBudgetExhausted)
	require.ErrorIs(t, err, ErrConnect)
}

func TestDisconnectToleratesNilClient(t *testing.T) {
	assert.NotPanics(t, func() {
		Disconnect(context.Background(), zap.NewNop(), nil)
	})
}
