package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLStore is the Store implementation backed by an outbox table in Postgres, MySQL or MariaDB.
//
// On Postgres a claim is a single UPDATE ... RETURNING over a FOR UPDATE SKIP LOCKED subquery.
// On MySQL and MariaDB it is a locking SELECT followed by an UPDATE inside one transaction.
type SQLStore struct {
	dbCtx *DBContext
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a Store over the given database context.
func NewSQLStore(dbCtx *DBContext) *SQLStore {
	return &SQLStore{dbCtx: dbCtx}
}

// Claim implements Store.
func (s *SQLStore) Claim(ctx context.Context, now time.Time, lockTTL time.Duration) (*Record, error) {
	now = now.UTC()
	cutoff := now.Add(-lockTTL)

	if s.dbCtx.dialect == SQLDialectPostgres {
		row := s.dbCtx.db.QueryRowContext(ctx, s.dbCtx.claimQuery(), now, now, cutoff)
		rec, err := scanRecord(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoClaimableRecord
		}
		if err != nil {
			return nil, fmt.Errorf("claiming outbox record: %w", err)
		}
		return rec, nil
	}

	return s.claimInTx(ctx, now, cutoff)
}

func (s *SQLStore) claimInTx(ctx context.Context, now, cutoff time.Time) (*Record, error) {
	tx, err := s.dbCtx.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}

	var txCommitted bool
	defer func() {
		if !txCommitted {
			_ = tx.Rollback()
		}
	}()

	rec, err := scanRecord(tx.QueryRowContext(ctx, s.dbCtx.selectClaimableQuery(), now, cutoff))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoClaimableRecord
	}
	if err != nil {
		return nil, fmt.Errorf("selecting claimable outbox record: %w", err)
	}

	if _, err = tx.ExecContext(ctx, s.dbCtx.lockQuery(), now, rec.EventID); err != nil {
		return nil, fmt.Errorf("locking outbox record %s: %w", rec.EventID, err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	txCommitted = true

	rec.LockedAt = &now
	return rec, nil
}

// MarkSent implements Store.
func (s *SQLStore) MarkSent(ctx context.Context, eventID string, sentAt time.Time) error {
	_, err := s.dbCtx.db.ExecContext(ctx, s.dbCtx.markSentQuery(), sentAt.UTC(), eventID)
	if err != nil {
		return fmt.Errorf("marking outbox record %s as sent: %w", eventID, err)
	}
	return nil
}

// MarkFailed implements Store.
func (s *SQLStore) MarkFailed(ctx context.Context, eventID string, reason string, nextAttemptAt time.Time) error {
	_, err := s.dbCtx.db.ExecContext(ctx, s.dbCtx.markFailedQuery(), reason, nextAttemptAt.UTC(), eventID)
	if err != nil {
		return fmt.Errorf("rescheduling outbox record %s: %w", eventID, err)
	}
	return nil
}

func insertRecord(ctx context.Context, dbCtx *DBContext, tx TxQueryer, rec *Record) error {
	_, err := tx.ExecContext(ctx, dbCtx.insertQuery(),
		rec.EventID,
		rec.EventType,
		rec.OccurredAt.UTC(),
		string(rec.Payload),
		string(rec.Status),
		rec.Attempts,
		rec.NextAttemptAt.UTC(),
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storing record in outbox: %w", err)
	}
	return nil
}

func scanRecord(row *sql.Row) (*Record, error) {
	var (
		rec       Record
		payload   []byte
		status    string
		lockedAt  sql.NullTime
		lastError sql.NullString
		sentAt    sql.NullTime
	)

	err := row.Scan(
		&rec.EventID,
		&rec.EventType,
		&rec.OccurredAt,
		&payload,
		&status,
		&rec.Attempts,
		&rec.NextAttemptAt,
		&lockedAt,
		&lastError,
		&sentAt,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Payload = payload
	rec.Status = Status(status)
	if lockedAt.Valid {
		t := lockedAt.Time.UTC()
		rec.LockedAt = &t
	}
	if lastError.Valid {
		rec.LastError = &lastError.String
	}
	if sentAt.Valid {
		t := sentAt.Time.UTC()
		rec.SentAt = &t
	}

	return &rec, nil
}
