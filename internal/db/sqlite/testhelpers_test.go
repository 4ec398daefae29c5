package sqlite

import (
	"database/sql"
	"path/filepath"
	"testing"
)

// testDB opens a raw SQLite database in a temp dir without running migrations.
func testDB(t *testing.T) (*sql.DB, string, func()) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}

	cleanup := func() {
		_ = db.Close()
	}
	return db, dbPath, cleanup
}

// testStore opens a migrated Store in a temp dir.
func testStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(StoreConfig{Path: filepath.Join(t.TempDir(), "notigate.db"), MaxConns: 2})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
