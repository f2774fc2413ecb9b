package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	outbox "github.com/oagudo/signup-outbox"
	"github.com/oagudo/signup-outbox/internal/events"
)

const (
	pgUniqueViolation   = "23505"
	mysqlDuplicateEntry = 1062
)

type userQueries struct {
	exists string
	insert string
}

var (
	postgresUserQueries = userQueries{
		exists: `SELECT 1 FROM users WHERE email = $1`,
		insert: `INSERT INTO users (id, email, password_hash, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
	}
	mysqlUserQueries = userQueries{
		exists: `SELECT 1 FROM users WHERE email = ?`,
		insert: `INSERT INTO users (id, email, password_hash, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
	}
)

// SQLRepository stores users in a SQL database through an outbox.Writer.
type SQLRepository struct {
	writer  *outbox.Writer
	queries userQueries
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository creates a repository writing through writer, speaking dialect.
func NewSQLRepository(writer *outbox.Writer, dialect outbox.SQLDialect) *SQLRepository {
	q := postgresUserQueries
	if dialect != outbox.SQLDialectPostgres {
		q = mysqlUserQueries
	}
	return &SQLRepository{writer: writer, queries: q}
}

// CreateUser implements Repository.
func (r *SQLRepository) CreateUser(ctx context.Context, user NewUser) (RegisteredUser, error) {
	err := r.writer.Write(ctx, func(ctx context.Context, tx outbox.TxQueryer, recWriter outbox.RecordWriter) error {
		var one int
		err := tx.QueryRowContext(ctx, r.queries.exists, user.Email).Scan(&one)
		if err == nil {
			return ErrConflict
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("looking up email: %w", err)
		}

		_, err = tx.ExecContext(ctx, r.queries.insert,
			user.ID, user.Email, user.PasswordHash, user.CreatedAt, user.CreatedAt)
		if err != nil {
			return fmt.Errorf("inserting user: %w", err)
		}

		rec, err := events.NewUserRegisteredRecord(user.ID, user.Email, outbox.WithOccurredAt(user.CreatedAt))
		if err != nil {
			return err
		}
		return recWriter.Store(ctx, rec)
	})

	if err != nil {
		if errors.Is(err, ErrConflict) || isUniqueViolation(err) {
			return RegisteredUser{}, ErrConflict
		}
		return RegisteredUser{}, fmt.Errorf("creating user: %w", err)
	}
	return RegisteredUser{UserID: user.ID, Email: user.Email}, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pgUniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	return false
}
