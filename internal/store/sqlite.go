// ABOUTME: SQLite implementation of the Substrate interface
// ABOUTME: Supports the pure-Go modernc driver and the cgo mattn driver with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by NewSQLiteStore.
const (
	DriverModernc = "sqlite"  // modernc.org/sqlite, pure Go
	DriverMattn   = "sqlite3" // github.com/mattn/go-sqlite3, requires cgo
)

// Options configures a SQLiteStore.
type Options struct {
	// Driver is DriverModernc (default) or DriverMattn.
	Driver string

	// MaxValueBytes rejects writes larger than this with ErrQuotaExceeded.
	// Zero disables the limit.
	MaxValueBytes int

	// BusyTimeout is how long a writer waits on a locked database.
	BusyTimeout time.Duration

	Logger *slog.Logger
}

// SQLiteStore implements Substrate on a single SQLite table
type SQLiteStore struct {
	db            *sql.DB
	maxValueBytes int
	logger        *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, opts Options) (*SQLiteStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	driver := opts.Driver
	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverMattn {
		return nil, fmt.Errorf("unknown sqlite driver %q", driver)
	}

	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// An in-memory database is per connection; pin it to one.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds()),
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:            db,
		maxValueBytes: opts.MaxValueBytes,
		logger:        logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the key/value table if it doesn't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM sqlite_master WHERE type = 'index' AND name = 'idx_kv_updated'`).Scan(&exists)
	if err == nil {
		return nil
	}
	if _, err := s.db.Exec(`CREATE INDEX idx_kv_updated ON kv(updated_at)`); err != nil {
		return fmt.Errorf("adding idx_kv_updated: %w", err)
	}
	s.logger.Info("applied migration", "index", "idx_kv_updated", "table", "kv")
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// GetItem returns the value stored under key.
// Returns ErrNotFound if the key doesn't exist.
func (s *SQLiteStore) GetItem(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying key %q: %w", key, err)
	}
	return value, nil
}

// SetItem inserts or replaces the value stored under key.
// Uses INSERT OR REPLACE to handle both insert and update cases.
func (s *SQLiteStore) SetItem(ctx context.Context, key, value string) error {
	if s.maxValueBytes > 0 && len(value) > s.maxValueBytes {
		return fmt.Errorf("%w: %d bytes for %q", ErrQuotaExceeded, len(value), key)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv (key, value, updated_at) VALUES (?, ?, ?)`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isFullError(err) {
			return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
		}
		return fmt.Errorf("saving key %q: %w", key, err)
	}

	s.logger.Debug("saved key", "key", key, "size", len(value))
	return nil
}

// RemoveItem deletes key if present.
func (s *SQLiteStore) RemoveItem(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting key %q: %w", key, err)
	}
	s.logger.Debug("removed key", "key", key)
	return nil
}

// Keys lists keys that start with prefix, sorted.
func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`,
		len(prefix), prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning key row: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating key rows: %w", err)
	}
	return keys, nil
}

// isFullError checks if the error is SQLite reporting a full disk or database
func isFullError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "database or disk is full") ||
		strings.Contains(errStr, "SQLITE_FULL")
}

// Ensure SQLiteStore implements Substrate interface
var _ Substrate = (*SQLiteStore)(nil)
