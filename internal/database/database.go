// Package database provides the control plane's PostgreSQL connection,
// schema migration, and per-entity query methods.
package database

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	// PostgreSQL database driver for migrations.
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	// Driver for file-based migrations.
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	// PostgreSQL driver.
	_ "github.com/lib/pq"
)

// DB wraps sqlx.DB so the control plane can hang its own query methods off
// a single handle, the way egobackend's internal/database does.
type DB struct {
	*sqlx.DB
}

// New establishes a connection to PostgreSQL, tunes the pool, and pings.
func New(dbURL string) (*DB, error) {
	if dbURL == "" {
		return nil, errors.New("DB_PATH environment variable is not set")
	}

	db, err := sqlx.Connect("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping the database: %w", err)
	}

	log.Println("[database] connected to PostgreSQL")

	return &DB{DB: db}, nil
}

// Migrate applies all available 'up' migrations from migrationsPath. It is
// not an error for the schema to already be current.
func (db *DB) Migrate(databaseURL, migrationsPath string) error {
	sourceURL := fmt.Sprintf("file://%s", migrationsPath)

	m, err := migrate.New(sourceURL, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		log.Printf("[database] could not read migration version: %v", err)
	}
	if dirty {
		return fmt.Errorf("database is in a dirty migration state at version %d", version)
	}

	if errors.Is(err, migrate.ErrNilVersion) {
		log.Println("[database] migrations applied, no version tag found")
	} else {
		log.Printf("[database] migrations up-to-date at version %d", version)
	}
	return nil
}
