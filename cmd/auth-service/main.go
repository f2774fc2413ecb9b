// Command auth-service registers users and relays their USER_REGISTERED events
// from the outbox to the broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	outbox "github.com/oagudo/signup-outbox"
	"github.com/oagudo/signup-outbox/broker"
	"github.com/oagudo/signup-outbox/internal/auth"
	"github.com/oagudo/signup-outbox/internal/bootstrap"
	"github.com/oagudo/signup-outbox/internal/config"
	"github.com/oagudo/signup-outbox/internal/httpx"
	"github.com/oagudo/signup-outbox/internal/logger"
	"github.com/oagudo/signup-outbox/internal/metrics"
	"github.com/oagudo/signup-outbox/internal/mongodb"
	"github.com/oagudo/signup-outbox/internal/sqldb"
	"github.com/oagudo/signup-outbox/mongostore"
)

const serviceName = "auth-service"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

// storage is the datastore side of the service: the outbox store the relay reads,
// the repository registrations write through, and how to release them.
type storage struct {
	store outbox.Store
	repo  auth.Repository
	close func(ctx context.Context)
}

func run() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.LoadAuth()
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

	st, err := openStorage(ctx, log, cfg)
	if err != nil {
		log.Error("failed to start", zap.Error(err))
		return err
	}

	reg := metrics.NewRegistry()

	brokerClient, err := bootstrap.NewBrokerClient(cfg.Common, serviceName, cfg.ReconnectDelay, log.Named("broker"))
	if err != nil {
		st.close(context.Background())
		return err
	}
	publisher := broker.NewPublisher(brokerClient, cfg.Queue, broker.WithAppID(cfg.PublisherAppID))

	relay := outbox.NewRelay(st.store, publisher,
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithLockTTL(cfg.OutboxLockTTL),
		outbox.WithExponentialDelay(cfg.OutboxRetryBase, cfg.OutboxRetryMax),
		outbox.WithLogger(log.Named("relay")),
		outbox.WithMetrics(metrics.NewRelay(reg)),
	)

	router := httpx.NewRouter(serviceName, log, reg)
	auth.NewHandler(auth.NewService(st.repo, auth.WithLogger(log)), log).Routes(router)
	srv := httpx.NewServer(cfg.Port, router)

	serveErr := make(chan error, 1)
	go httpx.Serve(log, srv, serveErr)
	relay.Start()

	var exitErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err := <-serveErr:
		log.Error("http server failed", zap.Error(err))
		exitErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := relay.Stop(shutdownCtx); err != nil {
		log.Warn("outbox relay did not drain in time", zap.Error(err))
	}
	httpx.Shutdown(shutdownCtx, log, srv)
	if err := brokerClient.Close(); err != nil {
		log.Warn("failed to close broker client", zap.Error(err))
	}
	st.close(shutdownCtx)

	log.Info("stopped")
	return exitErr
}

func openStorage(ctx context.Context, log *zap.Logger, cfg config.Auth) (*storage, error) {
	policy := bootstrap.DBPolicy(cfg.Common)

	if cfg.DBDriver == config.DriverMongo {
		client, err := mongodb.Connect(ctx, log, cfg.MongoURI, cfg.DBName, policy)
		if err != nil {
			return nil, err
		}
		db := client.Database(cfg.DBName)

		store := mongostore.NewStore(db)
		repo := auth.NewMongoRepository(mongostore.NewWriter(client, db), db)
		if err := errors.Join(store.EnsureIndexes(ctx), repo.EnsureIndexes(ctx)); err != nil {
			mongodb.Disconnect(context.Background(), log, client)
			return nil, err
		}

		return &storage{
			store: store,
			repo:  repo,
			close: func(ctx context.Context) { mongodb.Disconnect(ctx, log, client) },
		}, nil
	}

	dialect, err := sqldb.Dialect(cfg.DBDriver)
	if err != nil {
		return nil, err
	}
	db, err := sqldb.Open(ctx, log, cfg.DBDriver, cfg.DatabaseURL, policy)
	if err != nil {
		return nil, err
	}
	if err := sqldb.Migrate(db, cfg.DBDriver, log); err != nil {
		_ = db.Close()
		return nil, err
	}

	dbCtx := outbox.NewDBContext(db, dialect)
	return &storage{
		store: outbox.NewSQLStore(dbCtx),
		repo:  auth.NewSQLRepository(outbox.NewWriter(dbCtx), dialect),
		close: func(context.Context) {
			if err := db.Close(); err != nil {
				log.Error("failed to close sql database", zap.Error(err))
				return
			}
			log.Info("closed sql database")
		},
	}, nil
}
