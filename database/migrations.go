// Package database provides database migration tooling.
package database

import (
	"embed"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // pgx migration driver
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationsFromSource returns a migration source driver from the embedded migrations.
func migrationsFromSource() source.Driver {
	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		panic(err)
	}
	return d
}

// Migrator is the interface for the migration tooling.
type Migrator interface {
	Up() error
	Down() error
	Steps(int) error
	Version() (uint, bool, error)
}

// NewFromConnectionString returns a new migration instance from the given connection string.
// Postgres URL schemes are rewritten to the pgx5 scheme so migrations and the
// application share a single database driver.
func NewFromConnectionString(connString string) (Migrator, error) {
	d := migrationsFromSource()
	if rest, ok := strings.CutPrefix(connString, "postgresql://"); ok {
		connString = "pgx5://" + rest
	} else if rest, ok := strings.CutPrefix(connString, "postgres://"); ok {
		connString = "pgx5://" + rest
	}
	return migrate.NewWithSourceInstance("iofs", d, connString)
}
