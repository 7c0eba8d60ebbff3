// Package postgres opens the production connections: the PostgreSQL pool
// over lib/pq and the optional Redis client used for the permission cache
// and rate limits.
//
// The integration tests in this package run every migration and the
// concurrent approval path against a real PostgreSQL started with
// testcontainers:
//
//	go test -tags integration ./pkg/storage/postgres/...
package postgres
