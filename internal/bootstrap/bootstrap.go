// Package bootstrap wires configuration to the broker client and the retry
// policies both services start with.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/oagudo/signup-outbox/broker"
	"github.com/oagudo/signup-outbox/broker/kafka"
	"github.com/oagudo/signup-outbox/broker/natsjs"
	"github.com/oagudo/signup-outbox/broker/rabbitmq"
	"github.com/oagudo/signup-outbox/internal/config"
	"github.com/oagudo/signup-outbox/internal/retry"
)

// DBPolicy is the datastore connect policy: capped exponential from
// DB_RETRY_DELAY_MS within DB_CONNECT_MAX_RETRIES attempts.
func DBPolicy(c config.Common) retry.Policy {
	return retry.Capped(c.DBConnectRetries, c.DBRetryDelay, c.DBRetryMaxDelay)
}

// BrokerPolicy is the consumer's broker connect policy: a fixed delay within a budget.
func BrokerPolicy(c config.Todo) retry.Policy {
	return retry.Fixed(c.BrokerConnectRetries, c.BrokerConnectRetryWait)
}

// NewBrokerClient builds the client for the configured broker. It does not connect.
// name identifies the service as a consumer group or durable subscriber.
func NewBrokerClient(c config.Common, name string, reconnectDelay time.Duration, log *zap.Logger) (broker.Client, error) {
	switch c.Broker {
	case config.BrokerRabbitMQ:
		opts := []rabbitmq.Option{rabbitmq.WithLogger(log)}
		if reconnectDelay > 0 {
			opts = append(opts, rabbitmq.WithReconnectDelay(reconnectDelay))
		}
		return rabbitmq.New(c.RabbitMQURL, opts...), nil
	case config.BrokerKafka:
		return kafka.New(c.KafkaBrokers,
			kafka.WithGroupID(c.KafkaGroupID),
			kafka.WithLogger(log)), nil
	case config.BrokerNATS:
		opts := []natsjs.Option{natsjs.WithDurable(name), natsjs.WithLogger(log)}
		if reconnectDelay > 0 {
			opts = append(opts, natsjs.WithReconnectDelay(reconnectDelay))
		}
		return natsjs.New(c.NATSURL, opts...), nil
	default:
		return nil, fmt.Errorf("unknown broker %q", c.Broker)
	}
}

// singleAttempt is implemented by clients whose EnsureChannel retries on its own.
type singleAttempt interface {
	Connect(ctx context.Context) error
}

// ConnectBroker connects client within policy. Each attempt is a single connect, so
// the policy alone decides how long startup may wait for the broker.
func ConnectBroker(ctx context.Context, log *zap.Logger, client broker.Client, policy retry.Policy) error {
	connect := client.EnsureChannel
	if c, ok := client.(singleAttempt); ok {
		connect = c.Connect
	}
	return retry.Do(ctx, log, "connecting to broker", policy, connect)
}
