package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/storage"
)

func TestConnect_RequiresURL(t *testing.T) {
	_, err := Connect(context.Background(), storage.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres URL is required")
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := storage.DefaultConfig()
	cfg.PostgresURL = "postgres://tollgate@127.0.0.1:1/tollgate?sslmode=disable&connect_timeout=1"
	cfg.PostgresTimeout = 2 * time.Second

	_, err := Connect(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to ping postgres")
}

func TestConfigurePool(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	configurePool(db, storage.Config{PostgresMaxConns: 7, PostgresMinConns: 2})
	assert.Equal(t, 7, db.Stats().MaxOpenConnections)
}
