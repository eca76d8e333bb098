package butler

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// migrationFS carries the registry schema so temporary repositories can
// migrate themselves without a migrations directory on disk.
//
//go:embed migrations/*.sql
var migrationFS embed.FS

// MigrateUp applies all pending registry migrations. It returns nil
// when the registry is already at the latest version.
func (r *Repository) MigrateUp() error {
	m, err := r.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("registry migration up failed: %w", err)
	}
	return nil
}

// MigrateDown rolls back the most recent registry migration.
func (r *Repository) MigrateDown() error {
	m, err := r.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("registry migration down failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the current registry version and dirty state.
// A fresh registry reports version 0.
func (r *Repository) MigrateVersion() (version uint, dirty bool, err error) {
	m, err := r.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// MigrateForce pins the registry version without running migrations.
// Only useful to recover from a dirty state.
func (r *Repository) MigrateForce(version int) error {
	m, err := r.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Force(version); err != nil {
		return fmt.Errorf("force registry version %d failed: %w", version, err)
	}
	return nil
}

// newMigrate builds a migrate instance over the open registry
// connection. The instance is not closed so the connection stays
// usable.
func (r *Repository) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(r.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{r: r}
	return m, nil
}

// migrateLogger routes migrate output through the repository logger.
type migrateLogger struct {
	r *Repository
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.r.logger.Infof("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }
