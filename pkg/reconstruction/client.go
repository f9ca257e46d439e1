package reconstruction

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var embeddedMigrations embed.FS

// Database wraps the on-disk reconstruction database (cameras, images,
// keypoints, matches, two-view geometries) living at database.db within the
// scene's output directory.
type Database struct {
	db   *sql.DB
	path string
}

// NewClient opens (creating if necessary) the sqlite-backed reconstruction
// database at path and applies embedded migrations on startup — the same
// migrate-on-startup pattern as the reference implementation's database
// client, retargeted from a shared Postgres cluster to this reconstruction's
// local single-file store.
func NewClient(path string, busyTimeout time.Duration) (*Database, error) {
	log := slog.With("database_path", path)

	if !hasEmbeddedMigrations() {
		return nil, fmt.Errorf("embedded migrations missing from build")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// The reconstruction database has exactly one writer (the worker
	// goroutine); a single connection avoids SQLITE_BUSY entirely rather than
	// relying on busy_timeout as the only defense.
	db.SetMaxOpenConns(1)

	client := &Database{db: db, path: path}
	if err := client.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	log.Info("reconstruction database ready")
	return client, nil
}

func (d *Database) runMigrations() error {
	sourceDriver, err := iofs.New(embeddedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}

	dbDriver, err := sqlite3.WithInstance(d.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// Exists reports whether anything is present at path — used by the
// controller's FileNotFound recovery path: if the model directory has
// disappeared between requests, the worker re-runs bootstrap rather than
// operating on a half-initialized store.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// hasEmbeddedMigrations confirms the embed actually carries files, catching
// a build-time packaging mistake at startup instead of silently running
// against an empty schema.
func hasEmbeddedMigrations() bool {
	entries, err := fs.ReadDir(embeddedMigrations, "migrations")
	return err == nil && len(entries) > 0
}
