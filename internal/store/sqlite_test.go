// ABOUTME: Tests for SQLite substrate implementation
// ABOUTME: Covers open/create, item CRUD, prefix listing, quota and persistence across reopen

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath, Options{})
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath, Options{})
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_UnknownDriver(t *testing.T) {
	_, err := NewSQLiteStore(filepath.Join(t.TempDir(), "x.db"), Options{Driver: "postgres"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown sqlite driver")
}

func TestNewSQLiteStore_Memory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:", Options{})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.SetItem(ctx, "k", "v"))
	got, err := s.GetItem(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestSetAndGetItem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetItem(ctx, "cache.automations", `{"v":1}`))

	got, err := s.GetItem(ctx, "cache.automations")
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, got)
}

func TestSetItem_Replaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetItem(ctx, "k", "first"))
	require.NoError(t, s.SetItem(ctx, "k", "second"))

	got, err := s.GetItem(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "second", got)
}

func TestGetItem_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetItem(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveItem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetItem(ctx, "k", "v"))
	require.NoError(t, s.RemoveItem(ctx, "k"))

	_, err := s.GetItem(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	// Removing a missing key is fine
	assert.NoError(t, s.RemoveItem(ctx, "k"))
}

func TestKeys_Prefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"cache.b", "cache.a", "session.offline_auth", "cachex"} {
		require.NoError(t, s.SetItem(ctx, k, "1"))
	}

	keys, err := s.Keys(ctx, "cache.")
	require.NoError(t, err)
	assert.Equal(t, []string{"cache.a", "cache.b"}, keys)

	all, err := s.Keys(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestSetItem_Quota(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "q.db"), Options{MaxValueBytes: 8})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	err = s.SetItem(ctx, "big", strings.Repeat("x", 9))
	assert.True(t, errors.Is(err, ErrQuotaExceeded), "got %v", err)

	assert.NoError(t, s.SetItem(ctx, "small", "12345678"))
}

func TestPersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()

	first, err := NewSQLiteStore(dbPath, Options{})
	require.NoError(t, err)
	require.NoError(t, first.SetItem(ctx, "session.offline_auth", "token"))
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(dbPath, Options{})
	require.NoError(t, err)
	defer second.Close()

	got, err := second.GetItem(ctx, "session.offline_auth")
	require.NoError(t, err)
	assert.Equal(t, "token", got)
}

func TestTwoHandlesShareState(t *testing.T) {
	// Two stores on one file model two tabs sharing localStorage.
	dbPath := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()

	tabA, err := NewSQLiteStore(dbPath, Options{})
	require.NoError(t, err)
	defer tabA.Close()
	tabB, err := NewSQLiteStore(dbPath, Options{})
	require.NoError(t, err)
	defer tabB.Close()

	require.NoError(t, tabA.SetItem(ctx, "coordination.leader_lease", "a"))
	got, err := tabB.GetItem(ctx, "coordination.leader_lease")
	require.NoError(t, err)
	assert.Equal(t, "a", got)
}

func TestMigrationsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "migrate.db")

	for i := 0; i < 3; i++ {
		s, err := NewSQLiteStore(dbPath, Options{})
		require.NoError(t, err, "open #%d", i)
		require.NoError(t, s.Close())
	}
}
