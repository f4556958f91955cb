package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	query := `
	CREATE TABLE kv_records (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at INTEGER,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := db.Exec(query); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	return NewSQLiteStore(db)
}

func TestSQLiteStore_PutGetDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "session:abc", []byte("one"), 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok, err := s.Get(ctx, "session:abc")
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if string(got) != "one" {
		t.Errorf("Expected one, got %s", got)
	}

	// Overwrite replaces the value
	if err := s.Put(ctx, "session:abc", []byte("two"), 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, _, _ = s.Get(ctx, "session:abc")
	if string(got) != "two" {
		t.Errorf("Expected two after overwrite, got %s", got)
	}

	if err := s.Delete(ctx, "session:abc"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "session:abc"); ok {
		t.Error("Expected miss after delete")
	}
}

func TestSQLiteStore_GetMissingKey(t *testing.T) {
	s := setupTestStore(t)

	_, ok, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Error("Expected miss for absent key")
	}
}

func TestSQLiteStore_ExpiredRecordIsInvisible(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	// Write a row whose expiry is already in the past. Put always computes
	// expiry from now, so insert directly.
	_, err := s.DB().Exec(
		"INSERT INTO kv_records (key, value, expires_at, updated_at) VALUES (?, ?, ?, ?)",
		"flow:stale", []byte("x"), time.Now().Add(-time.Minute).Unix(), time.Now().Unix())
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	if _, ok, _ := s.Get(ctx, "flow:stale"); ok {
		t.Error("Expected expired record to be invisible to Get")
	}

	items, err := s.List(ctx, "flow:")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("Expected expired record to be invisible to List, got %d items", len(items))
	}
}

func TestSQLiteStore_ListPrefixBounds(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	keys := []string{"device:u1:a", "device:u1:b", "device:u2:a", "devices-other"}
	for _, k := range keys {
		if err := s.Put(ctx, k, []byte(k), 0); err != nil {
			t.Fatalf("Put %s failed: %v", k, err)
		}
	}

	items, err := s.List(ctx, "device:u1:")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(items))
	}
	for _, k := range []string{"device:u1:a", "device:u1:b"} {
		if string(items[k]) != k {
			t.Errorf("Missing or wrong value for %s", k)
		}
	}
}

func TestSQLiteStore_SweepRemovesOnlyExpired(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "keep", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	_, err := s.DB().Exec(
		"INSERT INTO kv_records (key, value, expires_at, updated_at) VALUES (?, ?, ?, ?)",
		"gone", []byte("v"), time.Now().Add(-time.Second).Unix(), time.Now().Unix())
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 swept row, got %d", n)
	}
	if _, ok, _ := s.Get(ctx, "keep"); !ok {
		t.Error("Sweep removed a live record")
	}
}
