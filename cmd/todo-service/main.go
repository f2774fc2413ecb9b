// Command todo-service consumes USER_REGISTERED events, creating one welcome todo
// per user, and serves the todo listing API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/oagudo/signup-outbox/consumer"
	"github.com/oagudo/signup-outbox/internal/bootstrap"
	"github.com/oagudo/signup-outbox/internal/config"
	"github.com/oagudo/signup-outbox/internal/httpx"
	"github.com/oagudo/signup-outbox/internal/logger"
	"github.com/oagudo/signup-outbox/internal/metrics"
	"github.com/oagudo/signup-outbox/internal/mongodb"
	"github.com/oagudo/signup-outbox/internal/todo"
)

const serviceName = "todo-service"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.LoadTodo()
	if err != nil {
		return err
	}

	log, err := logger.New(serviceName, cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := mongodb.Connect(ctx, log, cfg.MongoURI, cfg.DBName, bootstrap.DBPolicy(cfg.Common))
	if err != nil {
		log.Error("failed to start", zap.Error(err))
		return err
	}
	store := todo.NewStore(client, client.Database(cfg.DBName))
	if err := store.EnsureIndexes(ctx); err != nil {
		mongodb.Disconnect(context.Background(), log, client)
		return err
	}

	brokerClient, err := bootstrap.NewBrokerClient(cfg.Common, serviceName, 0, log.Named("broker"))
	if err != nil {
		mongodb.Disconnect(context.Background(), log, client)
		return err
	}
	if err := bootstrap.ConnectBroker(ctx, log, brokerClient, bootstrap.BrokerPolicy(cfg)); err != nil {
		_ = brokerClient.Close()
		mongodb.Disconnect(context.Background(), log, client)
		return err
	}

	reg := metrics.NewRegistry()

	c := consumer.New(brokerClient, cfg.Queue,
		consumer.WithPrefetch(cfg.ConsumerPrefetch),
		consumer.WithHandler(todo.NewWelcomeHandler(store)),
		consumer.WithLogger(log.Named("consumer")),
		consumer.WithMetrics(metrics.NewConsumer(reg)),
	)
	if err := c.Start(ctx); err != nil {
		_ = brokerClient.Close()
		mongodb.Disconnect(context.Background(), log, client)
		return fmt.Errorf("starting consumer: %w", err)
	}
	log.Info("consuming", zap.String("queue", cfg.Queue), zap.Int("prefetch", cfg.ConsumerPrefetch))

	router := httpx.NewRouter(serviceName, log, reg)
	todo.NewHandler(store, log).Routes(router)
	srv := httpx.NewServer(cfg.Port, router)

	serveErr := make(chan error, 1)
	go httpx.Serve(log, srv, serveErr)

	var exitErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err := <-brokerClient.Disconnected():
		log.Error("broker disconnected unexpectedly", zap.Error(err))
		exitErr = errors.Join(errors.New("broker disconnected"), err)
	case err := <-serveErr:
		log.Error("http server failed", zap.Error(err))
		exitErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// drains handlers in flight before the database goes away
	if err := brokerClient.Close(); err != nil {
		log.Warn("failed to close broker client", zap.Error(err))
	}
	httpx.Shutdown(shutdownCtx, log, srv)
	mongodb.Disconnect(shutdownCtx, log, client)

	log.Info("stopped")
	return exitErr
}
