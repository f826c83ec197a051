// Package sqlite is the embedded SQLite backend of the bot store.
package sqlite

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/chatbridge/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Dialect uses ? bind parameters.
var Dialect = store.Dialect{Name: "sqlite"}

// OpenDB creates or opens a SQLite database at path.
func OpenDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

// NewMigrator returns a migrator over the embedded migrations.
// Closing the migrator closes db.
func NewMigrator(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// NewBotStore opens the database at path, applies pending migrations and
// returns the store.
func NewBotStore(path string) (*store.SQLBotStore, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	m, err := NewMigrator(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := store.MigrateUp(m); err != nil {
		db.Close()
		return nil, err
	}
	return store.NewSQLBotStore(db, Dialect), nil
}
