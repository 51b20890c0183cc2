package engine

import (
	"path/filepath"
	"testing"
	"time"
)

// TestOpenInMemory verifies that we can open an in-memory SQLite database
// using the modernc.org/sqlite driver and execute a trivial statement.
func TestOpenInMemory(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec("CREATE TABLE t(x INTEGER)"); err != nil {
		t.Fatalf("CREATE TABLE failed: %v", err)
	}
	if _, err := db.Exec("INSERT INTO t(x) VALUES (1),(2),(3)"); err != nil {
		t.Fatalf("INSERT failed: %v", err)
	}
}

// TestOpenWithBusyTimeout verifies the busy-timeout DSN rewriting still
// produces a usable connection for both memory and file forms.
func TestOpenWithBusyTimeout(t *testing.T) {
	db, err := OpenWithBusyTimeout(":memory:", 500*time.Millisecond)
	if err != nil {
		t.Fatalf("OpenWithBusyTimeout(:memory:) failed: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec("CREATE TABLE t(x INTEGER)"); err != nil {
		t.Fatalf("CREATE TABLE failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "cache.sqlite")
	fdb, err := OpenWithBusyTimeout(path, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("OpenWithBusyTimeout(%s) failed: %v", path, err)
	}
	defer fdb.Close()
	if _, err := fdb.Exec("CREATE TABLE t(x INTEGER)"); err != nil {
		t.Fatalf("CREATE TABLE on file db failed: %v", err)
	}
}

