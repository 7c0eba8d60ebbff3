// Package storagetest provides databases for package tests.
package storagetest

import (
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// NewSQLite opens a private in-memory sqlite database with foreign keys
// enforced. The pool is pinned to one connection so the database outlives
// individual statements.
func NewSQLite(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// SkipIfNoDatabase skips the test if TEST_POSTGRES_PRIMARY is not set
func SkipIfNoDatabase(t *testing.T) string {
	t.Helper()

	dbURL := os.Getenv("TEST_POSTGRES_PRIMARY")
	if dbURL == "" {
		t.Skip("Skipping test: TEST_POSTGRES_PRIMARY environment variable not set (database not available)")
	}
	return dbURL
}

// RequirePostgres connects to TEST_POSTGRES_PRIMARY or skips the test
func RequirePostgres(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := SkipIfNoDatabase(t)

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Skipf("Failed to connect to database: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("Database not reachable: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
