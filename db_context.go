package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
)

// SQLDialect represents a SQL database dialect.
type SQLDialect string

// Supported database dialects.
const (
	SQLDialectPostgres SQLDialect = "postgres"
	SQLDialectMySQL    SQLDialect = "mysql"
	SQLDialectMariaDB  SQLDialect = "mariadb"
)

// Queryer represents a query executor.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxQueryer represents a query executor inside a transaction.
type TxQueryer interface {
	Queryer
}

// Tx represents a database transaction.
// It is compatible with the standard sql.Tx type.
type Tx interface {
	Commit() error
	Rollback() error
	TxQueryer
}

// DB represents a database connection.
// It is compatible with the standard sql.DB type.
type DB interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)
	Queryer
}

// DBContext holds the database connection, the SQL dialect and the outbox table name.
type DBContext struct {
	db        DB
	dialect   SQLDialect
	tableName string
}

// DBContextOption is a function that configures a DBContext instance.
type DBContextOption func(*DBContext)

// WithTableName sets a custom table name for the outbox table.
// Default is "outbox".
// The table name must be a valid SQL identifier matching the pattern [a-zA-Z_][a-zA-Z0-9_]*.
// An invalid table name will cause a panic when creating the DBContext.
func WithTableName(tableName string) DBContextOption {
	return func(c *DBContext) {
		c.tableName = tableName
	}
}

// NewDBContext creates a new DBContext from a standard *sql.DB.
func NewDBContext(db *sql.DB, dialect SQLDialect, opts ...DBContextOption) *DBContext {
	return NewDBContextWithDB(&dbAdapter{DB: db}, dialect, opts...)
}

// NewDBContextWithDB creates a new DBContext with a custom DB implementation.
// This is useful for providing a different database abstraction or for testing.
func NewDBContextWithDB(db DB, dialect SQLDialect, opts ...DBContextOption) *DBContext {
	c := &DBContext{
		db:        db,
		dialect:   dialect,
		tableName: "outbox",
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := validateTableName(c.tableName); err != nil {
		panic(err)
	}

	return c
}

// Dialect returns the SQL dialect of the context.
func (c *DBContext) Dialect() SQLDialect {
	return c.dialect
}

var sqlIdentifierRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("table name cannot be empty")
	}
	if !sqlIdentifierRegexp.MatchString(name) {
		return fmt.Errorf("invalid table name %q: must match [a-zA-Z_][a-zA-Z0-9_]*", name)
	}
	return nil
}

// placeholder returns the bind parameter for the given 1-based index.
func (c *DBContext) placeholder(index int) string {
	if c.dialect == SQLDialectPostgres {
		return fmt.Sprintf("$%d", index)
	}
	return "?"
}

const recordColumns = "event_id, event_type, occurred_at, payload, status, attempts, next_attempt_at, locked_at, last_error, sent_at, created_at"

func (c *DBContext) insertQuery() string {
	return fmt.Sprintf(`INSERT INTO %s (event_id, event_type, occurred_at, payload, status, attempts, next_attempt_at, created_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
		c.tableName,
		c.placeholder(1), c.placeholder(2), c.placeholder(3), c.placeholder(4),
		c.placeholder(5), c.placeholder(6), c.placeholder(7), c.placeholder(8))
}

// claimablePredicate selects due PENDING records whose lease is absent or expired.
// Bind order: now, lease cutoff.
func (c *DBContext) claimablePredicate(first int) string {
	return fmt.Sprintf("status = '%s' AND next_attempt_at <= %s AND (locked_at IS NULL OR locked_at <= %s)",
		StatusPending, c.placeholder(first), c.placeholder(first+1))
}

// claimQuery is the single-statement claim used on Postgres.
// Bind order: lockedAt, now, lease cutoff.
func (c *DBContext) claimQuery() string {
	return fmt.Sprintf(`UPDATE %[1]s SET locked_at = %[2]s
		WHERE event_id = (
			SELECT event_id FROM %[1]s
			WHERE %[3]s
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %[4]s`,
		c.tableName, c.placeholder(1), c.claimablePredicate(2), recordColumns)
}

// selectClaimableQuery locks the oldest claimable row inside a transaction on MySQL and MariaDB.
// Bind order: now, lease cutoff.
func (c *DBContext) selectClaimableQuery() string {
	return fmt.Sprintf(`SELECT %s FROM %s
		WHERE %s
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		recordColumns, c.tableName, c.claimablePredicate(1))
}

// lockQuery sets the lease on a row locked by selectClaimableQuery.
// Bind order: lockedAt, event id.
func (c *DBContext) lockQuery() string {
	return fmt.Sprintf("UPDATE %s SET locked_at = %s WHERE event_id = %s",
		c.tableName, c.placeholder(1), c.placeholder(2))
}

// markSentQuery binds sentAt, event id.
func (c *DBContext) markSentQuery() string {
	return fmt.Sprintf(`UPDATE %s SET status = '%s', sent_at = %s, locked_at = NULL, last_error = NULL
		WHERE event_id = %s AND status = '%s'`,
		c.tableName, StatusSent, c.placeholder(1), c.placeholder(2), StatusPending)
}

// markFailedQuery binds last error, next attempt, event id.
func (c *DBContext) markFailedQuery() string {
	return fmt.Sprintf(`UPDATE %s SET attempts = attempts + 1, last_error = %s, locked_at = NULL, next_attempt_at = %s
		WHERE event_id = %s AND status = '%s'`,
		c.tableName, c.placeholder(1), c.placeholder(2), c.placeholder(3), StatusPending)
}

// txAdapter is a wrapper around a sql.Tx that implements the Tx interface.
type txAdapter struct {
	tx *sql.Tx
}

func (a *txAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.tx.ExecContext(ctx, query, args...)
}

func (a *txAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.tx.QueryContext(ctx, query, args...)
}

func (a *txAdapter) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return a.tx.QueryRowContext(ctx, query, args...)
}

func (a *txAdapter) Commit() error {
	return a.tx.Commit()
}

func (a *txAdapter) Rollback() error {
	return a.tx.Rollback()
}

// dbAdapter is a wrapper around a sql.DB that implements the DB interface.
type dbAdapter struct {
	DB *sql.DB
}

func (a *dbAdapter) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	tx, err := a.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &txAdapter{tx}, nil
}

func (a *dbAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.DB.ExecContext(ctx, query, args...)
}

func (a *dbAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.DB.QueryContext(ctx, query, args...)
}

func (a *dbAdapter) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return a.DB.QueryRowContext(ctx, query, args...)
}
