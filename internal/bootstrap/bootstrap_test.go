package bootstrap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oagudo/signup-outbox/broker"
	"github.com/oagudo/signup-outbox/broker/kafka"
	"github.com/oagudo/signup-outbox/broker/natsjs"
	"github.com/oagudo/signup-outbox/broker/rabbitmq"
	"github.com/oagudo/signup-outbox/internal/config"
	"github.com/oagudo/signup-outbox/internal/retry"
)

func TestNewBrokerClientBySetting(t *testing.T) {
	tests := []struct {
		broker string
		want   any
	}{
		{config.BrokerRabbitMQ, &rabbitmq.Client{}},
		{config.BrokerKafka, &kafka.Client{}},
		{config.BrokerNATS, &natsjs.Client{}},
	}
	for _, tt := range tests {
		t.Run(tt.broker, func(t *testing.T) {
			c, err := NewBrokerClient(config.Common{
				Broker:       tt.broker,
				RabbitMQURL:  "amqp://localhost:5672",
				KafkaBrokers: []string{"localhost:9092"},
				NATSURL:      "nats://localhost:4222",
			}, "todo-service", time.Second, zap.NewNop())
			require.NoError(t, err)
			assert.IsType(t, tt.want, c)
			require.NoError(t, c.Close())
		})
	}

	_, err := NewBrokerClient(config.Common{Broker: "sqs"}, "todo-service", 0, zap.NewNop())
	require.Error(t, err)
}

func TestPolicies(t *testing.T) {
	db := DBPolicy(config.Common{DBConnectRetries: 4, DBRetryDelay: time.Second, DBRetryMaxDelay: 10 * time.Second})
	assert.Equal(t, 4, db.MaxAttempts)
	assert.Equal(t, 8*time.Second, db.Backoff(4))
	assert.Equal(t, 10*time.Second, db.Backoff(5))

	b := BrokerPolicy(config.Todo{BrokerConnectRetries: 3, BrokerConnectRetryWait: 2 * time.Second})
	assert.Equal(t, 3, b.MaxAttempts)
	assert.Equal(t, 2*time.Second, b.Backoff(3))
}

type flakyClient struct {
	broker.Client
	failures int
	calls    int
}

func (f *flakyClient) EnsureChannel(context.Context) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("connection refused")
	}
	return nil
}

func TestConnectBrokerRetriesWithinBudget(t *testing.T) {
	c := &flakyClient{failures: 2}
	require.NoError(t, ConnectBroker(context.Background(), zap.NewNop(), c, retry.Fixed(3, time.Millisecond)))
	assert.Equal(t, 3, c.calls)

	c = &flakyClient{failures: 5}
	err := ConnectBroker(context.Background(), zap.NewNop(), c, retry.Fixed(2, time.Millisecond))
	require.ErrorIs(t, err, retry.ErrBudgetExhausted)
	assert.Equal(t, 2, c.calls)
}
