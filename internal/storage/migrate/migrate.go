// Package migrate runs the versioned schema migrations for both
// persistence dialects and reports the current applied version for
// `ironclaw doctor`. Migrations are embedded, applied in order, and
// written to be idempotent, so running them against a database the
// dialect's own startup DDL already initialized is safe.
package migrate

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	gomigrate "github.com/golang-migrate/migrate/v4"
	pgdriver "github.com/golang-migrate/migrate/v4/database/postgres"
	sqlitedriver "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

// Runner wraps a configured migration instance for one database.
type Runner struct {
	m  *gomigrate.Migrate
	db *sql.DB
}

// New opens the database named by backend ("sqlite" or "postgres") at
// url and prepares the embedded migration set for it.
func New(backend, url string) (*Runner, error) {
	var (
		db         *sql.DB
		sourcePath string
		err        error
	)
	switch backend {
	case "sqlite":
		sourcePath = "migrations/sqlite"
		db, err = sql.Open("sqlite", url)
	case "postgres":
		sourcePath = "migrations/postgres"
		db, err = sql.Open("postgres", url)
	default:
		return nil, fmt.Errorf("migrate: unknown backend %q", backend)
	}
	if err != nil {
		return nil, fmt.Errorf("migrate: opening %s database: %w", backend, err)
	}

	source, err := iofs.New(migrationFS, sourcePath)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: loading embedded migrations: %w", err)
	}

	var instance *gomigrate.Migrate
	switch backend {
	case "sqlite":
		drv, derr := sqlitedriver.WithInstance(db, &sqlitedriver.Config{})
		if derr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate: sqlite driver: %w", derr)
		}
		instance, err = gomigrate.NewWithInstance("iofs", source, "sqlite", drv)
	case "postgres":
		drv, derr := pgdriver.WithInstance(db, &pgdriver.Config{})
		if derr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate: postgres driver: %w", derr)
		}
		instance, err = gomigrate.NewWithInstance("iofs", source, "postgres", drv)
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: building instance: %w", err)
	}
	return &Runner{m: instance, db: db}, nil
}

// Up applies every pending migration in order. Already being at the
// latest version is not an error.
func (r *Runner) Up() error {
	if err := r.m.Up(); err != nil && !errors.Is(err, gomigrate.ErrNoChange) {
		return fmt.Errorf("migrate: applying migrations: %w", err)
	}
	return nil
}

// Version reports the currently applied migration version and whether
// the database is dirty (a migration was interrupted mid-apply). A
// database with no applied migrations reports version 0.
func (r *Runner) Version() (uint, bool, error) {
	v, dirty, err := r.m.Version()
	if errors.Is(err, gomigrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("migrate: reading version: %w", err)
	}
	return v, dirty, nil
}

// Close releases the migration instance and its database connection.
func (r *Runner) Close() error {
	serr, derr := r.m.Close()
	if serr != nil {
		return serr
	}
	return derr
}
