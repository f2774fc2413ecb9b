package config

import (
	"errors"
	"fmt"
	"time"
)

// Database drivers.
const (
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
	DriverMySQL    = "mysql"
)

// Brokers.
const (
	BrokerRabbitMQ = "rabbitmq"
	BrokerKafka    = "kafka"
	BrokerNATS     = "nats"
)

// Common holds the settings shared by both services.
type Common struct {
	AppEnv   string
	LogLevel string
	Port     string

	DBDriver         string
	MongoURI         string
	DatabaseURL      string
	DBName           string
	DBConnectRetries int
	DBRetryDelay     time.Duration
	DBRetryMaxDelay  time.Duration
	Broker           string
	RabbitMQURL      string
	Queue            string
	KafkaBrokers     []string
	KafkaGroupID     string
	NATSURL          string
	ShutdownTimeout  time.Duration
}

// Auth is the auth-service configuration.
type Auth struct {
	Common

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxLockTTL      time.Duration
	OutboxRetryBase    time.Duration
	OutboxRetryMax     time.Duration
	ReconnectDelay     time.Duration
	PublisherAppID     string
}

// Todo is the todo-service configuration.
type Todo struct {
	Common

	ConsumerPrefetch       int
	BrokerConnectRetries   int
	BrokerConnectRetryWait time.Duration
}

func loadCommon(service, defaultPort, defaultDB string, sqlDrivers bool) (Common, []error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	c := Common{
		AppEnv:          String("APP_ENV", "development"),
		LogLevel:        String("LOG_LEVEL", "info"),
		Port:            String("PORT", defaultPort),
		DBDriver:        String("DB_DRIVER", DriverMongo),
		MongoURI:        String("MONGODB_URI", ""),
		DatabaseURL:     String("DATABASE_URL", ""),
		DBName:          String("DB_NAME", defaultDB),
		DBRetryMaxDelay: 10 * time.Second,
		Broker:          String("BROKER", BrokerRabbitMQ),
		RabbitMQURL:     String("RABBITMQ_URL", "amqp://localhost:5672"),
		Queue:           String("RABBITMQ_QUEUE", "user.registered"),
		KafkaBrokers:    StringsCSV("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:    String("KAFKA_GROUP_ID", service),
		NATSURL:         String("NATS_URL", "nats://localhost:4222"),
	}

	var err error
	c.DBConnectRetries, err = NonNegativeInt("DB_CONNECT_MAX_RETRIES", 0)
	collect(err)
	c.DBRetryDelay, err = Millis("DB_RETRY_DELAY_MS", time.Second)
	collect(err)
	c.ShutdownTimeout, err = Millis("SHUTDOWN_TIMEOUT_MS", 10*time.Second)
	collect(err)

	switch c.DBDriver {
	case DriverMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("MONGODB_URI is required"))
		}
	case DriverPostgres, DriverPgx, DriverMySQL:
		if !sqlDrivers {
			errs = append(errs, fmt.Errorf("DB_DRIVER %q is not supported by %s", c.DBDriver, service))
		} else if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver))
	}

	switch c.Broker {
	case BrokerRabbitMQ, BrokerKafka, BrokerNATS:
	default:
		errs = append(errs, fmt.Errorf("unknown BROKER %q", c.Broker))
	}

	return c, errs
}

// LoadAuth reads the auth-service configuration.
func LoadAuth() (Auth, error) {
	common, errs := loadCommon("auth-service", "3001", "auth_db", true)
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := Auth{
		Common:         common,
		PublisherAppID: String("PUBLISHER_APP_ID", "auth-service"),
	}

	var err error
	cfg.OutboxPollInterval, err = Millis("OUTBOX_POLL_INTERVAL_MS", 3*time.Second)
	collect(err)
	cfg.OutboxBatchSize, err = NonNegativeInt("OUTBOX_BATCH_SIZE", 20)
	collect(err)
	cfg.OutboxLockTTL, err = Millis("OUTBOX_LOCK_TTL_MS", 30*time.Second)
	collect(err)
	cfg.OutboxRetryBase, err = Millis("OUTBOX_RETRY_BASE_MS", 2*time.Second)
	collect(err)
	cfg.OutboxRetryMax, err = Millis("OUTBOX_RETRY_MAX_MS", 60*time.Second)
	collect(err)
	cfg.ReconnectDelay, err = Millis("RABBITMQ_RECONNECT_DELAY_MS", 3*time.Second)
	collect(err)

	if err := errors.Join(errs...); err != nil {
		return cfg, fmt.Errorf("invalid auth-service configuration: %w", err)
	}
	return cfg, nil
}

// LoadTodo reads the todo-service configuration.
func LoadTodo() (Todo, error) {
	common, errs := loadCommon("todo-service", "3002", "todo_db", false)
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := Todo{Common: common}

	var err error
	cfg.ConsumerPrefetch, err = NonNegativeInt("CONSUMER_PREFETCH", 20)
	collect(err)
	cfg.BrokerConnectRetries, err = NonNegativeInt("RABBITMQ_CONNECT_MAX_RETRIES", 0)
	collect(err)
	cfg.BrokerConnectRetryWait, err = Millis("RABBITMQ_RETRY_DELAY_MS", 2*time.Second)
	collect(err)

	if err := errors.Join(errs...); err != nil {
		return cfg, fmt.Errorf("invalid todo-service configuration: %w", err)
	}
	return cfg, nil
}
