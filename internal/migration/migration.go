package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

const migrationsDir = "migrations"

// ErrDirtySchema means a previous run stopped halfway through a migration
// and the schema needs manual repair before the service can start.
var ErrDirtySchema = errors.New("migration: schema is dirty")

// RunMigrations brings the postgres schema up to the latest embedded
// version. db stays open; the migrator only borrows it.
func RunMigrations(db *sql.DB, log *zap.Logger) error {
	if db == nil {
		return errors.New("migration: database handle is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	m, err := newPostgresMigrator(db)
	if err != nil {
		return err
	}

	from, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		from = 0
	case err != nil:
		return fmt.Errorf("migration: read version: %w", err)
	case dirty:
		return fmt.Errorf("%w at version %d", ErrDirtySchema, from)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Debug("schema up to date", zap.Uint("version", from))
			return nil
		}
		return fmt.Errorf("migration: apply: %w", err)
	}

	to, _, _ := m.Version()
	log.Info("schema migrated", zap.Uint("from_version", from), zap.Uint("to_version", to))
	return nil
}

func newPostgresMigrator(db *sql.DB) (*migrate.Migrate, error) {
	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("migration: open embedded files: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("migration: source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "manuscript_schema_migrations"})
	if err != nil {
		return nil, fmt.Errorf("migration: driver: %w", err)
	}
	return migrate.NewWithInstance("iofs", source, "postgres", driver)
}
