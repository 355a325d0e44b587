// Package store provides the persistent key/value substrate for outpost.
//
// # Architecture
//
// Everything the engine persists goes through the narrow Substrate interface:
//
//   - GetItem / SetItem / RemoveItem: string values keyed by dotted names
//   - Keys: prefix listing, used for namespace sweeps
//
// It deliberately mirrors a browser's localStorage: synchronous-feeling,
// string valued, shared by every engine instance that opens the same file,
// and without compare-and-swap. Layers above (cache, vault, leader) are
// responsible for encoding and for tolerating concurrent writers.
//
// # SQLite Configuration
//
// SQLiteStore keeps all keys in a single table:
//
//	CREATE TABLE kv (key TEXT PRIMARY KEY, value TEXT NOT NULL, updated_at TEXT NOT NULL);
//
// and opens the database with:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//	PRAGMA synchronous=NORMAL;
//
// Two drivers are supported: "sqlite" (modernc.org/sqlite, pure Go, the
// default) and "sqlite3" (github.com/mattn/go-sqlite3, cgo).
//
// Database file locations:
//
//   - Default: ~/.local/share/outpost/outpost.db
//   - Testing: :memory: (in-memory database)
//
// # Error Handling
//
//   - ErrNotFound: key does not exist
//   - ErrQuotaExceeded: value larger than Options.MaxValueBytes, or SQLITE_FULL
//   - ErrUnavailable: substrate failing (used by MockStore failure injection)
//
// # Testing
//
// Use NewMockStore() for unit tests:
//
//	s := store.NewMockStore()
//	s.FailWrites(true) // simulate a full or broken store
//
// Use NewSQLiteStore(":memory:", store.Options{}) for integration tests with real SQLite.
package store
