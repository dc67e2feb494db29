package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// newMigrator builds a migrate instance reading the embedded migrations.
//
// Migration files follow the naming convention:
//
//	000001_description.up.sql   - applies the migration
//	000001_description.down.sql - reverts the migration
func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// RunMigrations applies all pending versioned migrations. It is idempotent.
func RunMigrations(db *sql.DB) error {
	return step(db, "up", (*migrate.Migrate).Up)
}

// MigrateDown rolls back the most recent migration. Rolling back the initial
// migration drops every scraped table.
func MigrateDown(db *sql.DB) error {
	return step(db, "down", func(m *migrate.Migrate) error { return m.Steps(-1) })
}

// step runs one migrate operation and logs the resulting schema version. A
// dirty schema after the operation is an error.
func step(db *sql.DB, op string, run func(*migrate.Migrate) error) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	log := slog.With(slog.String("component", "db_migrate"), slog.String("op", op))
	if err := run(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("database schema unchanged")
			return nil
		}
		return fmt.Errorf("migrate %s: %w", op, err)
	}
	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		log.Info("no migrations applied")
		return nil
	case err != nil:
		log.Warn("could not determine migration version", slog.Any("err", err))
		return nil
	case dirty:
		return fmt.Errorf("schema dirty at version %d after %s: manual intervention required", version, op)
	}
	log.Info("schema migrated", slog.Uint64("version", uint64(version)))
	return nil
}

// GetMigrationVersion returns the current migration version and dirty state.
func GetMigrationVersion(db *sql.DB) (version uint, dirty bool, err error) {
	m, err := newMigrator(db)
	if err != nil {
		return 0, false, err
	}
	v, d, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return v, d, nil
}

// Setup runs versioned migrations and falls back to the embedded idempotent
// schema when the versioned path fails, e.g. on databases created before
// version tracking.
func Setup(ctx context.Context, db *sql.DB) error {
	if err := RunMigrations(db); err != nil {
		slog.Warn("versioned migrations failed, applying embedded schema",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if fbErr := Migrate(ctx, db); fbErr != nil {
			return fmt.Errorf("migrate (versioned: %v): %w", err, fbErr)
		}
	}
	return nil
}
