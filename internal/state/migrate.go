package state

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const trustMigrationsPath = "migrations/trust"

//go:embed migrations/trust/*.sql
var migrationsFS embed.FS

const migrateDefaultTable = "schema_migrations"

// MigrateTrustDB applies trust.db migrations.
func MigrateTrustDB(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("migrate %s: nil db", trustMigrationsPath)
	}

	sourceDriver, err := iofs.New(migrationsFS, trustMigrationsPath)
	if err != nil {
		return fmt.Errorf("migrate %s: init source: %w", trustMigrationsPath, err)
	}

	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{
		MigrationsTable: migrateDefaultTable,
	})
	if err != nil {
		return fmt.Errorf("migrate %s: init db driver: %w", trustMigrationsPath, err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("migrate %s: init migrator: %w", trustMigrationsPath, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: up: %w", trustMigrationsPath, err)
	}
	return nil
}
