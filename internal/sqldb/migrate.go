package sqldb

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations
var migrations embed.FS

// Migrate applies the users and outbox schema for driver. It is safe to run on
// every start; an up to date database is left untouched.
//
// The migrate instance is not closed: closing it would close db as well.
func Migrate(db *sql.DB, driver string, log *zap.Logger) error {
	dir, target, err := migrationTarget(db, driver)
	if err != nil {
		return err
	}

	src, err := iofs.New(migrations, "migrations/"+dir)
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, dir, target)
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("no new migrations found")
			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	version, _, _ := m.Version()
	log.Info("migrations applied", zap.Uint("version", version))
	return nil
}

func migrationTarget(db *sql.DB, driver string) (string, database.Driver, error) {
	switch driver {
	case DriverPostgres, DriverPgx:
		target, err := postgres.WithInstance(db, &postgres.Config{})
		if err != nil {
			return "", nil, fmt.Errorf("creating postgres migration driver: %w", err)
		}
		return "postgres", target, nil
	case DriverMySQL:
		target, err := migratemysql.WithInstance(db, &migratemysql.Config{})
		if err != nil {
			return "", nil, fmt.Errorf("creating mysql migration driver: %w", err)
		}
		return "mysql", target, nil
	default:
		return "", nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
}
