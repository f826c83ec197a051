// Package pg is the Postgres backend of the bot store.
package pg

import (
	"database/sql"
	"embed"
	"fmt"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/chatbridge/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Dialect uses $n bind parameters.
var Dialect = store.Dialect{
	Name:        "postgres",
	Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
}

// OpenDB opens and pings a Postgres connection pool through the pgx stdlib driver.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
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
	drv, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return nil, fmt.Errorf("migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", drv)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// NewBotStore opens the database, applies pending migrations and returns the store.
func NewBotStore(dsn string) (*store.SQLBotStore, error) {
	db, err := OpenDB(dsn)
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
