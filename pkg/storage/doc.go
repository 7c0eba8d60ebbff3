// Package storage holds the persistence plumbing shared by the rbac, access
// and governance stores: the Querier abstraction that lets store methods run
// either directly on a *sql.DB or inside a *sql.Tx, a transaction helper and
// a versioned migration runner.
//
// All schemas are written in the SQL subset understood by both PostgreSQL
// (production, via lib/pq) and SQLite (package tests, via go-sqlite3):
// string primary keys generated in Go, TEXT columns for JSON payloads,
// TIMESTAMP columns written from Go and $n placeholders.
//
// Connection setup for PostgreSQL and Redis lives in storage/postgres.
package storage
