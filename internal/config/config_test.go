package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAuthDefaults(t *testing.T) {
	t.Setenv("MONGODB_URI", "mongodb://localhost:27017")

	cfg, err := LoadAuth()
	require.NoError(t, err)

	assert.Equal(t, "3001", cfg.Port)
	assert.Equal(t, DriverMongo, cfg.DBDriver)
	assert.Equal(t, "auth_db", cfg.DBName)
	assert.Equal(t, BrokerRabbitMQ, cfg.Broker)
	assert.Equal(t, "user.registered", cfg.Queue)
	assert.Equal(t, 3*time.Second, cfg.OutboxPollInterval)
	assert.Equal(t, 20, cfg.OutboxBatchSize)
	assert.Equal(t, 30*time.Second, cfg.OutboxLockTTL)
	assert.Equal(t, 2*time.Second, cfg.OutboxRetryBase)
	assert.Equal(t, 60*time.Second, cfg.OutboxRetryMax)
	assert.Equal(t, 3*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, "auth-service", cfg.PublisherAppID)
	assert.Equal(t, time.Second, cfg.DBRetryDelay)
	assert.Zero(t, cfg.DBConnectRetries)
}

func TestLoadTodoDefaults(t *testing.T) {
	t.Setenv("MONGODB_URI", "mongodb://localhost:27017")

	cfg, err := LoadTodo()
	require.NoError(t, err)

	assert.Equal(t, "3002", cfg.Port)
	assert.Equal(t, "todo_db", cfg.DBName)
	assert.Equal(t, 20, cfg.ConsumerPrefetch)
	assert.Equal(t, 2*time.Second, cfg.BrokerConnectRetryWait)
	assert.Equal(t, "todo-service", cfg.KafkaGroupID)
}

func TestMongoURIIsRequiredForMongoDriver(t *testing.T) {
	t.Setenv("MONGODB_URI", "")

	_, err := LoadTodo()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MONGODB_URI is required")
}

func TestSQLDriversAreAuthOnly(t *testing.T) {
	t.Setenv("DB_DRIVER", DriverPostgres)
	t.Setenv("DATABASE_URL", "postgres://localhost/auth")

	_, err := LoadAuth()
	require.NoError(t, err)

	_, err = LoadTodo()
	require.Error(t, err)
}

func TestNegativeIntegersAreRejected(t *testing.T) {
	t.Setenv("MONGODB_URI", "mongodb://localhost:27017")
	t.Setenv("OUTBOX_BATCH_SIZE", "-1")

	_, err := LoadAuth()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OUTBOX_BATCH_SIZE must be greater than or equal to 0")
}

func TestUnparsableIntegersFallBackToDefault(t *testing.T) {
	t.Setenv("OUTBOX_POLL_INTERVAL_MS", "soon")

	d, err := Millis("OUTBOX_POLL_INTERVAL_MS", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)
}

func TestStringsCSV(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " a:9092, ,b:9092 ")
	assert.Equal(t, []string{"a:9092", "b:9092"}, StringsCSV("KAFKA_BROKERS", nil))

	t.Setenv("KAFKA_BROKERS", " , ")
	assert.Equal(t, []string{"x"}, StringsCSV("KAFKA_BROKERS", []string{"x"}))
}

func TestLoadDotEnvKeepsExistingVariables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("SIGNUP_TEST_A=from-file\nSIGNUP_TEST_B=from-file\n"), 0o600))

	t.Setenv("SIGNUP_TEST_A", "from-env")
	t.Setenv("SIGNUP_TEST_B", "")
	require.NoError(t, os.Unsetenv("SIGNUP_TEST_B"))

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	t.Cleanup(func() { _ = os.Unsetenv("SIGNUP_TEST_B") })

	assert.Equal(t, "from-env", os.Getenv("SIGNUP_TEST_A"))
	assert.Equal(t, "from-file", os.Getenv("SIGNUP_TEST_B"))
}
