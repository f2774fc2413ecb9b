// Package mongodb connects the services to MongoDB.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/oagudo/signup-outbox/internal/retry"
)

var (
	// ErrConnect wraps client construction failures.
	ErrConnect = errors.New("mongo connect failed")
	// ErrPing wraps connectivity probe failures.
	ErrPing = errors.New("mongo ping failed")
)

const (
	maxPoolSize            = 20
	minPoolSize            = 2
	serverSelectionTimeout = 5 * time.Second
	socketTimeout          = 45 * time.Second
)

// ClientOptions returns the options every service connects with.
func ClientOptions(uri string) *options.ClientOptions {
	return options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(maxPoolSize).
		SetMinPoolSize(minPoolSize).
		SetServerSelectionTimeout(serverSelectionTimeout).
		SetSocketTimeout(socketTimeout)
}

// Connect opens a client and pings the primary, retrying according to policy.
// The returned client is ready for use.
func Connect(ctx context.Context, log *zap.Logger, uri, dbName string, policy retry.Policy) (*mongo.Client, error) {
	var client *mongo.Client

	err := retry.Do(ctx, log, "connecting to mongodb", policy, func(ctx context.Context) error {
		c, err := connectOnce(ctx, uri)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info("connected to mongodb", zap.String("db_name", dbName))
	return client, nil
}

func connectOnce(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, ClientOptions(uri))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("%w: %w", ErrPing, err)
	}
	return client, nil
}

// Disconnect closes the client, logging the outcome.
func Disconnect(ctx context.Context, log *zap.Logger, client *mongo.Client) {
	if client == nil {
		return
	}
	if err := client.Disconnect(ctx); err != nil {
		log.Error("failed to disconnect from mongodb", zap.Error(err))
		return
	}
	log.Info("disconnected from mongodb")
}
