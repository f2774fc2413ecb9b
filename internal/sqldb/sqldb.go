// Package sqldb opens the auth-service SQL database and applies its schema.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	outbox "github.com/oagudo/signup-outbox"
	"github.com/oagudo/signup-outbox/internal/retry"
)

// Supported drivers, matching the DB_DRIVER configuration values.
const (
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
	DriverMySQL    = "mysql"
)

const (
	maxOpenConns    = 20
	maxIdleConns    = 2
	connMaxLifetime = 30 * time.Minute
	pingTimeout     = 5 * time.Second
)

// Dialect returns the outbox SQL dialect spoken by driver.
func Dialect(driver string) (outbox.SQLDialect, error) {
	switch driver {
	case DriverPostgres, DriverPgx:
		return outbox.SQLDialectPostgres, nil
	case DriverMySQL:
		return outbox.SQLDialectMySQL, nil
	default:
		return "", fmt.Errorf("unsupported sql driver %q", driver)
	}
}

// DSN adapts the configured connection string to what driver expects. MySQL
// connections always parse DATETIME columns into UTC time.Time values.
func DSN(driver, dsn string) (string, error) {
	if driver != DriverMySQL {
		return dsn, nil
	}

	cfg, err := mysql.ParseDSN(strings.TrimPrefix(dsn, "mysql://"))
	if err != nil {
		return "", fmt.Errorf("parsing mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// Open connects to the database, retrying according to policy until a ping succeeds.
func Open(ctx context.Context, log *zap.Logger, driver, dsn string, policy retry.Policy) (*sql.DB, error) {
	if _, err := Dialect(driver); err != nil {
		return nil, err
	}
	dsn, err := DSN(driver, dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	err = retry.Do(ctx, log, "connecting to "+driver, policy, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info("connected to sql database", zap.String("driver", driver))
	return db, nil
}
