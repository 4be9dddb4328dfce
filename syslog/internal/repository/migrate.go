package repository

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/telhawk-systems/telhawk-syslog/syslog/migrations"
)

// MigrationResult describes the schema state after a migration run.
type MigrationResult struct {
	Version uint
	Dirty   bool
	Changed bool
}

func newMigrate(connString string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	return m, nil
}

// MigrateUp applies pending migrations. An up-to-date schema is not an error.
func MigrateUp(connString string) (MigrationResult, error) {
	return run(connString, (*migrate.Migrate).Up)
}

// MigrateDown reverts every migration.
func MigrateDown(connString string) (MigrationResult, error) {
	return run(connString, (*migrate.Migrate).Down)
}

func run(connString string, step func(*migrate.Migrate) error) (MigrationResult, error) {
	m, err := newMigrate(connString)
	if err != nil {
		return MigrationResult{}, err
	}
	defer m.Close()

	var res MigrationResult
	switch err := step(m); {
	case err == nil:
		res.Changed = true
	case errors.Is(err, migrate.ErrNoChange):
	default:
		return MigrationResult{}, fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return res, fmt.Errorf("failed to read migration version: %w", err)
	}
	res.Version, res.Dirty = version, dirty
	return res, nil
}
