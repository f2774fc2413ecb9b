package mongostore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	outbox "github.com/oagudo/signup-outbox"
)

// WorkFunc is the user supplied callback for [Writer.Write]. Every operation it runs
// must use sc as its context to take part in the transaction.
type WorkFunc func(sc mongo.SessionContext, recWriter outbox.RecordWriter) error

// Writer stores outbox records together with domain writes in one MongoDB transaction.
// Transactions require a replica set or a sharded cluster.
type Writer struct {
	client *mongo.Client
	coll   *mongo.Collection
	txOpts *options.TransactionOptions
}

// NewWriter creates a Writer over the outbox collection of db.
func NewWriter(client *mongo.Client, db *mongo.Database, opts ...Option) *Writer {
	return &Writer{
		client: client,
		coll:   collection(db, opts),
		txOpts: options.Transaction().
			SetReadConcern(readconcern.Local()).
			SetWriteConcern(writeconcern.Majority()),
	}
}

// Write runs fn inside a transaction and commits it when fn returns nil.
// The driver retries the whole callback on transient transaction errors,
// so fn must not have side effects outside the database.
// The callback's error is returned unchanged.
func (w *Writer) Write(ctx context.Context, fn WorkFunc) error {
	sess, err := w.client.StartSession()
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc, &recordWriter{coll: w.coll})
	}, w.txOpts)
	return err
}

type recordWriter struct {
	coll *mongo.Collection
}

func (w *recordWriter) Store(ctx context.Context, rec *outbox.Record) error {
	doc, err := newDocument(rec)
	if err != nil {
		return err
	}
	if _, err := w.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("storing record in outbox: %w", err)
	}
	return nil
}
