//go:build integration

package outbox_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	outbox "github.com/oagudo/signup-outbox"
	"github.com/oagudo/signup-outbox/internal/retry"
	"github.com/oagudo/signup-outbox/internal/sqldb"
)

func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("outbox"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sqldb.Open(ctx, zap.NewNop(), sqldb.DriverPostgres, dsn, retry.Fixed(5, time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqldb.Migrate(db, sqldb.DriverPostgres, zap.NewNop()))
	return db
}

type recordingPublisher struct {
	mu       sync.Mutex
	ids      []string
	failures map[string]int
}

func (p *recordingPublisher) Publish(_ context.Context, msg *outbox.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures[msg.EventID] > 0 {
		p.failures[msg.EventID]--
		return errors.New("broker unavailable")
	}
	p.ids = append(p.ids, msg.EventID)
	return nil
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ids...)
}

type storedRecord struct {
	status    string
	attempts  int
	lastError sql.NullString
	lockedAt  sql.NullTime
	sentAt    sql.NullTime
	nextAt    time.Time
}

func readRecord(t *testing.T, db *sql.DB, eventID string) (storedRecord, bool) {
	t.Helper()
	var r storedRecord
	err := db.QueryRow(`SELECT status, attempts, last_error, locked_at, sent_at, next_attempt_at FROM outbox WHERE event_id = $1`, eventID).
		Scan(&r.status, &r.attempts, &r.lastError, &r.lockedAt, &r.sentAt, &r.nextAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, false
	}
	require.NoError(t, err)
	return r, true
}

func writeRecords(t *testing.T, w *outbox.Writer, recs ...*outbox.Record) {
	t.Helper()
	err := w.Write(context.Background(), func(ctx context.Context, _ outbox.TxQueryer, recWriter outbox.RecordWriter) error {
		for _, rec := range recs {
			if err := recWriter.Store(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestWriterRollbackLeavesNoRecord(t *testing.T) {
	db := setupPostgres(t)
	w := outbox.NewWriter(outbox.NewDBContext(db, outbox.SQLDialectPostgres))
	rec := outbox.NewRecord("USER_REGISTERED", []byte(`{"userId":"u-1","email":"a@b.co"}`))
	errAbort := errors.New("abort")

	err := w.Write(context.Background(), func(ctx context.Context, tx outbox.TxQueryer, recWriter outbox.RecordWriter) error {
		if err := recWriter.Store(ctx, rec); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	_, found := readRecord(t, db, rec.EventID)
	assert.False(t, found)
}

func TestRelayPublishesInCreationOrder(t *testing.T) {
	db := setupPostgres(t)
	dbCtx := outbox.NewDBContext(db, outbox.SQLDialectPostgres)

	base := time.Now().UTC().Add(-time.Minute)
	var recs []*outbox.Record
	for i := range 3 {
		recs = append(recs, outbox.NewRecord("USER_REGISTERED", []byte(`{"userId":"u","email":"a@b.co"}`),
			outbox.WithCreatedAt(base.Add(time.Duration(i)*time.Second))))
	}
	// stored newest first; the relay must still publish oldest first
	writeRecords(t, outbox.NewWriter(dbCtx), recs[2], recs[0], recs[1])

	pub := &recordingPublisher{}
	relay := outbox.NewRelay(outbox.NewSQLStore(dbCtx), pub, outbox.WithPollInterval(10*time.Millisecond))
	relay.Start()

	require.Eventually(t, func() bool { return len(pub.published()) == 3 }, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, relay.Stop(context.Background()))

	assert.Equal(t, []string{recs[0].EventID, recs[1].EventID, recs[2].EventID}, pub.published())
	for _, rec := range recs {
		stored, found := readRecord(t, db, rec.EventID)
		require.True(t, found)
		assert.Equal(t, string(outbox.StatusSent), stored.status)
		assert.True(t, stored.sentAt.Valid)
		assert.False(t, stored.lockedAt.Valid)
	}
}

func TestFailedPublishIsRescheduledThenSent(t *testing.T) {
	db := setupPostgres(t)
	dbCtx := outbox.NewDBContext(db, outbox.SQLDialectPostgres)
	rec := outbox.NewRecord("USER_REGISTERED", []byte(`{"userId":"u-1","email":"a@b.co"}`))
	writeRecords(t, outbox.NewWriter(dbCtx), rec)

	pub := &recordingPublisher{failures: map[string]int{rec.EventID: 2}}
	relay := outbox.NewRelay(outbox.NewSQLStore(dbCtx), pub,
		outbox.WithPollInterval(10*time.Millisecond),
		outbox.WithExponentialDelay(20*time.Millisecond, 50*time.Millisecond))
	relay.Start()

	require.Eventually(t, func() bool {
		stored, _ := readRecord(t, db, rec.EventID)
		return stored.status == string(outbox.StatusSent)
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, relay.Stop(context.Background()))

	stored, _ := readRecord(t, db, rec.EventID)
	assert.Equal(t, 2, stored.attempts)
	assert.False(t, stored.lastError.Valid)
	assert.Equal(t, []string{rec.EventID}, pub.published())
}

func TestConcurrentClaimsNeverReturnTheSameRecord(t *testing.T) {
	db := setupPostgres(t)
	dbCtx := outbox.NewDBContext(db, outbox.SQLDialectPostgres)
	store := outbox.NewSQLStore(dbCtx)

	var recs []*outbox.Record
	for range 10 {
		recs = append(recs, outbox.NewRecord("USER_REGISTERED", []byte(`{}`)))
	}
	writeRecords(t, outbox.NewWriter(dbCtx), recs...)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[string]int{}
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				rec, err := store.Claim(context.Background(), time.Now().UTC(), time.Minute)
				if errors.Is(err, outbox.ErrNoClaimableRecord) {
					return
				}
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				claimed[rec.EventID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 10)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "record %s claimed more than once", id)
	}
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	db := setupPostgres(t)
	dbCtx := outbox.NewDBContext(db, outbox.SQLDialectPostgres)
	store := outbox.NewSQLStore(dbCtx)
	rec := outbox.NewRecord("USER_REGISTERED", []byte(`{}`))
	writeRecords(t, outbox.NewWriter(dbCtx), rec)

	ctx := context.Background()
	now := time.Now().UTC()
	lockTTL := 30 * time.Second

	first, err := store.Claim(ctx, now, lockTTL)
	require.NoError(t, err)
	assert.Equal(t, rec.EventID, first.EventID)

	_, err = store.Claim(ctx, now.Add(lockTTL/2), lockTTL)
	require.ErrorIs(t, err, outbox.ErrNoClaimableRecord)

	// the first relay crashed; its lease runs out
	second, err := store.Claim(ctx, now.Add(lockTTL+time.Second), lockTTL)
	require.NoError(t, err)
	assert.Equal(t, rec.EventID, second.EventID)

	require.NoError(t, store.MarkFailed(ctx, rec.EventID, "broker unavailable", now.Add(time.Hour)))
	stored, _ := readRecord(t, db, rec.EventID)
	assert.Equal(t, 1, stored.attempts)
	assert.Equal(t, "broker unavailable", stored.lastError.String)
	assert.False(t, stored.lockedAt.Valid)

	_, err = store.Claim(ctx, now.Add(2*lockTTL), lockTTL)
	require.ErrorIs(t, err, outbox.ErrNoClaimableRecord)

	require.NoError(t, store.MarkSent(ctx, rec.EventID, now))
	require.NoError(t, store.MarkFailed(ctx, rec.EventID, "late failure", now))
	stored, _ = readRecord(t, db, rec.EventID)
	assert.Equal(t, string(outbox.StatusSent), stored.status)
	assert.Equal(t, 1, stored.attempts)
}
