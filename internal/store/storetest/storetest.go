// Package storetest opens throwaway sqlite-backed stores for tests.
package storetest

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"fielddiag/internal/db"
	"fielddiag/internal/store"
)

// New returns a migrated store in a temp directory. maxOpen above one lets
// tests exercise concurrent writers against sqlite locking.
func New(t testing.TB) (*store.Store, *sql.DB) {
	t.Helper()
	sqdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "app.db"), 4, 4, time.Minute)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqdb.Close() })
	if err := db.ApplyMigrations(sqdb, db.DriverSQLite, db.Migrations()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store.New(sqdb), sqdb
}
