// Package store persists sessions, agents, events, findings and analysis
// results in an embedded SQLite database with concurrent-read/write
// semantics. A single connection is serialized behind one mutex; WAL
// journaling is enabled and foreign keys are enforced.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Register the pure-Go sqlite driver

	"github.com/cylestio/cylestio-perimeter/pkg/config"
)

//go:embed migrations
var migrationsFS embed.FS

// Open opens (or creates) the trace database, applies pragmas, and runs the
// embedded migrations. The migration pass is idempotent.
func Open(cfg config.StoreConfig) (*sql.DB, error) {
	var dsn string
	if cfg.StorageMode == "memory" {
		// A uniquely-named shared-cache memory database keeps the schema
		// alive across pool connections without colliding with other
		// in-memory stores in the same process (tests open several).
		dsn = fmt.Sprintf("file:memdb-%s?mode=memory&cache=shared", uuid.New().String())
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = "file:" + cfg.DBPath
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// All access is serialized by the store mutex; a single connection keeps
	// the in-memory mode coherent and sidesteps SQLITE_BUSY entirely.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-64000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if cfg.StorageMode == "memory" {
		slog.Info("Trace store opened with in-memory SQLite")
	} else {
		slog.Info("Trace store opened", "db_path", cfg.DBPath)
	}
	return db, nil
}

// runMigrations applies all embedded migrations that have not run yet.
func runMigrations(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	// Close only the source driver; m.Close() would also close the shared
	// *sql.DB handed to WithInstance.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

// Health verifies the database responds to a trivial query.
func Health(db *sql.DB) error {
	var one int
	if err := db.QueryRow("SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}
