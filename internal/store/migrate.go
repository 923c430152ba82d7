package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	"github.com/Richard1990h/KING-V3-sub001/internal/logging"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFS embed.FS

// MigrationStatus is the current schema version
type MigrationStatus struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
}

// MigrationRunner applies the embedded versioned migrations for one driver.
// It owns its own connection, which Close releases.
type MigrationRunner struct {
	migrate *migrate.Migrate
	db      *sql.DB
	logger  *zap.Logger
}

// NewMigrationRunner opens a dedicated connection for driver (postgres or
// sqlite) and prepares the migration source.
func NewMigrationRunner(driver, dsn string, logger *zap.Logger) (*MigrationRunner, error) {
	r := &MigrationRunner{logger: logging.OrNop(logger).Named("migrate")}

	var (
		dbDriver database.Driver
		dir      string
		name     string
		err      error
	)
	switch driver {
	case "postgres", "postgresql":
		r.db, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
		}
		dbDriver, err = postgres.WithInstance(r.db, &postgres.Config{})
		if err != nil {
			r.db.Close()
			return nil, fmt.Errorf("failed to create PostgreSQL driver: %w", err)
		}
		dir, name = "migrations/postgres", "postgres"

	case "sqlite", "sqlite3":
		r.db, err = sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
		}
		dbDriver, err = sqlite3.WithInstance(r.db, &sqlite3.Config{})
		if err != nil {
			r.db.Close()
			return nil, fmt.Errorf("failed to create SQLite driver: %w", err)
		}
		dir, name = "migrations/sqlite", "sqlite3"

	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	src, err := iofs.New(migrationFS, dir)
	if err != nil {
		r.db.Close()
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	r.migrate, err = migrate.NewWithInstance("iofs", src, name, dbDriver)
	if err != nil {
		r.db.Close()
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return r, nil
}

// Up applies all pending migrations
func (r *MigrationRunner) Up() error {
	err := r.migrate.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("database is up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	status, _ := r.Status()
	r.logger.Info("migrations applied", zap.Uint("version", status.Version), zap.Bool("dirty", status.Dirty))
	return nil
}

// Down rolls back n migrations
func (r *MigrationRunner) Down(n int) error {
	if n <= 0 {
		n = 1
	}
	err := r.migrate.Steps(-n)
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	status, _ := r.Status()
	r.logger.Info("migrations rolled back", zap.Int("steps", n), zap.Uint("version", status.Version))
	return nil
}

// Status reports the applied version. A fresh database reports version 0.
func (r *MigrationRunner) Status() (MigrationStatus, error) {
	v, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return MigrationStatus{}, nil
	}
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("failed to read version: %w", err)
	}
	return MigrationStatus{Version: v, Dirty: dirty}, nil
}

// Force sets the version without running migrations, clearing the dirty flag
func (r *MigrationRunner) Force(version int) error {
	if err := r.migrate.Force(version); err != nil {
		return fmt.Errorf("force version %d: %w", version, err)
	}
	r.logger.Warn("migration version forced", zap.Int("version", version))
	return nil
}

// Close releases the source and the connection
func (r *MigrationRunner) Close() error {
	srcErr, dbErr := r.migrate.Close()
	return errors.Join(srcErr, dbErr)
}
