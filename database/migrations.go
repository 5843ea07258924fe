// Package database provides database migration tooling.
package database

import (
	"embed"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // registers the pgx5 database driver
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

// GetMigrate returns a migration instance for the given connection string.
// The caller is responsible for calling Close on the returned instance.
func GetMigrate(connString string) (*migrate.Migrate, error) {
	d := migrationsFromSource()
	return migrate.NewWithSourceInstance("iofs", d, pgx5ConnString(connString))
}

// GetVersion returns the current migration version and whether the database
// is in a dirty state.
func GetVersion(connString string) (uint, bool, error) {
	m, err := GetMigrate(connString)
	if err != nil {
		return 0, false, err
	}
	defer m.Close()
	return m.Version()
}

// pgx5ConnString rewrites a postgres URL scheme to the one the pgx5 migrate
// driver registers under.
func pgx5ConnString(connString string) string {
	if rest, ok := strings.CutPrefix(connString, "postgresql://"); ok {
		return "pgx5://" + rest
	}
	if rest, ok := strings.CutPrefix(connString, "postgres://"); ok {
		return "pgx5://" + rest
	}
	return connString
}
