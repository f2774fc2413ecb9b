package outbox

import (
	"context"
	"database/sql"
	"fmt"
)

// Writer stores outbox records as part of user-defined queries within one database transaction.
type Writer struct {
	dbCtx           *DBContext
	txOpts          *sql.TxOptions
	unmanagedWriter *UnmanagedWriter
}

// UnmanagedWriter provides low-level access to outbox table persistence.
//
// Unlike Writer, UnmanagedWriter does not start, commit, or rollback transactions.
// It is intended for callers who manage the transaction lifecycle themselves.
//
// An UnmanagedWriter must be obtained via Writer.Unmanaged() function.
type UnmanagedWriter struct {
	dbCtx *DBContext
}

// TxWorkFunc is the user supplied callback for [Writer.WriteOne].
// It executes user defined queries within the same transaction that stores the given record.
type TxWorkFunc func(ctx context.Context, tx TxQueryer) error

// OutboxWorkFunc is the user supplied callback for [Writer.Write].
// It executes user defined queries and stores records in the outbox within the same transaction.
// The Writer commits or rolls back the transaction once the callback completes.
type OutboxWorkFunc func(ctx context.Context, tx TxQueryer, recWriter RecordWriter) error

// RecordWriter allows storing records within a managed transaction.
type RecordWriter interface {
	// Store persists a record in the outbox table.
	// The record is committed when the enclosing transaction commits.
	Store(ctx context.Context, rec *Record) error
}

// WriterOption is a function that configures a Writer instance.
type WriterOption func(*Writer)

// WithTxOptions sets the options used to begin each transaction.
// Default is read committed isolation, which never exposes uncommitted rows.
func WithTxOptions(opts *sql.TxOptions) WriterOption {
	return func(w *Writer) {
		w.txOpts = opts
	}
}

// NewWriter creates a new outbox Writer with the given database context and options.
func NewWriter(dbCtx *DBContext, opts ...WriterOption) *Writer {
	w := &Writer{
		dbCtx:           dbCtx,
		txOpts:          &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		unmanagedWriter: &UnmanagedWriter{dbCtx: dbCtx},
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Write executes user defined queries and stores records in the outbox table within the same
// managed transaction.
//
// The transaction commits if the callback returns nil, or rolls back if it returns an error or
// panics. The callback's error is returned unchanged so callers can match their own sentinels.
//
// Example:
//
//	err := writer.Write(ctx, func(ctx context.Context, tx outbox.TxQueryer, recWriter outbox.RecordWriter) error {
//	    _, err := tx.ExecContext(ctx, "INSERT INTO users (id, email) VALUES ($1, $2)", id, email)
//	    if err != nil {
//	        return err
//	    }
//	    return recWriter.Store(ctx, outbox.NewRecord("USER_REGISTERED", payload))
//	})
func (w *Writer) Write(ctx context.Context, fn OutboxWorkFunc) error {
	tx, err := w.dbCtx.db.BeginTx(ctx, w.txOpts)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	var txCommitted bool
	defer func() {
		if !txCommitted {
			_ = tx.Rollback()
		}
	}()

	recWriter := &recordWriter{
		dbCtx: w.dbCtx,
		tx:    tx,
	}

	if err = fn(ctx, tx, recWriter); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	txCommitted = true

	return nil
}

// WriteOne executes the provided callback and stores a record in the outbox table
// as part of a managed transaction.
//
// For conditional or multiple records use [Writer.Write] instead.
func (w *Writer) WriteOne(ctx context.Context, rec *Record, fn TxWorkFunc) error {
	return w.Write(ctx, func(ctx context.Context, tx TxQueryer, recWriter RecordWriter) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}

		return recWriter.Store(ctx, rec)
	})
}

// Unmanaged returns an UnmanagedWriter that does not manage the transaction lifecycle.
func (w *Writer) Unmanaged() *UnmanagedWriter {
	return w.unmanagedWriter
}

// Store persists a record into the outbox table using a caller provided transaction.
// The record only exists once the caller commits that transaction.
func (w *UnmanagedWriter) Store(ctx context.Context, tx TxQueryer, rec *Record) error {
	return insertRecord(ctx, w.dbCtx, tx, rec)
}

type recordWriter struct {
	dbCtx *DBContext
	tx    TxQueryer
}

func (w *recordWriter) Store(ctx context.Context, rec *Record) error {
	return insertRecord(ctx, w.dbCtx, w.tx, rec)
}
