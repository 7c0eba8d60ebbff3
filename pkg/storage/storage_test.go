package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)

	migrations := []Migration{
		{Version: 2, Description: "add column", SQL: "ALTER TABLE widgets ADD COLUMN color TEXT"},
		{Version: 1, Description: "create widgets", SQL: "CREATE TABLE widgets (id TEXT PRIMARY KEY)"},
	}

	require.NoError(t, Migrate(ctx, db, "widgets", migrations))
	// second run is a no-op
	require.NoError(t, Migrate(ctx, db, "widgets", migrations))

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE component = 'widgets'").Scan(&count))
	assert.Equal(t, 2, count)

	_, err := db.Exec("INSERT INTO widgets (id, color) VALUES ('w1', 'red')")
	assert.NoError(t, err)
}

func TestMigrate_FailureRollsBack(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)

	err := Migrate(ctx, db, "broken", []Migration{
		{Version: 1, Description: "bad", SQL: "CREATE TABLE oops ("},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to execute migration broken/1")

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Zero(t, count)
}

func TestWithTx(t *testing.T) {
	ctx := context.Background()

	t.Run("commit", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE things").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err = WithTx(ctx, db, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, "UPDATE things SET x = 1")
			return err
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rollback on error", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectRollback()

		sentinel := errors.New("validation")
		err = WithTx(ctx, db, func(tx *sql.Tx) error { return sentinel })
		assert.ErrorIs(t, err, sentinel)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("begin fails", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin().WillReturnError(errors.New("pool closed"))
		err = WithTx(ctx, db, func(tx *sql.Tx) error { return nil })
		assert.ErrorContains(t, err, "failed to start transaction")
	})
}

func TestNullHelpers(t *testing.T) {
	assert.False(t, NullString("").Valid)
	assert.True(t, NullString("x").Valid)

	n := int64(5)
	assert.Equal(t, sql.NullInt64{Int64: 5, Valid: true}, NullInt64(&n))
	assert.False(t, NullInt64(nil).Valid)
	assert.Nil(t, Int64Ptr(sql.NullInt64{}))
	assert.Equal(t, int64(5), *Int64Ptr(sql.NullInt64{Int64: 5, Valid: true}))

	now := time.Now()
	assert.Nil(t, TimePtr(sql.NullTime{}))
	assert.Equal(t, now, *TimePtr(NullTime(&now)))
}
