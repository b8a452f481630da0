// Package migrate runs the control plane's schema migrations with
// golang-migrate, adapted from the teacher's embedded-SQL runner to use a
// real migration tool now that the control plane owns more than one
// Postgres-backed table (audit_log, memory_records) with independent
// evolution.
package migrate

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Apply runs every pending up migration under dir against db. A missing
// migrations directory is not an error: a fresh dev checkout without the
// directory mounted still boots, relying on each store's own EnsureSchema
// fallback.
func Apply(db *sql.DB, dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(fmt.Sprintf("file://%s", dir), "postgres", driver)
	if err != nil {
		return fmt.Errorf("open migration source %s: %w", dir, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
