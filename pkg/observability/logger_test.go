package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/contextkeys"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithOperation("sync_crm_grant").
		WithFields(map[string]interface{}{"grant_id": "g-1"}).
		WithError(errors.New("timeout")).
		Warnf("sync failed after %d attempts", 1)

	entry := decodeLine(t, &buf)
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "sync failed after 1 attempts", entry["msg"])
	assert.Equal(t, "sync_crm_grant", entry["operation"])
	assert.Equal(t, "g-1", entry["grant_id"])
	assert.Equal(t, "timeout", entry["error"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WarnLevel, &buf)

	logger.Info("dropped")
	assert.Zero(t, buf.Len())

	logger.Error("kept")
	assert.NotZero(t, buf.Len())
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLogLevel("DEBUG"))
	assert.Equal(t, WarnLevel, ParseLogLevel("warning"))
	assert.Equal(t, ErrorLevel, ParseLogLevel(" error "))
	assert.Equal(t, InfoLevel, ParseLogLevel("verbose"))
	assert.Equal(t, "WARN", WarnLevel.String())
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewLogger(DebugLevel, &buf))
	ctx = contextkeys.WithRequestID(ctx, "req-1")
	ctx = contextkeys.WithTenantID(ctx, "tenant-1")
	ctx = contextkeys.WithUserID(ctx, "user-1")

	FromContext(ctx).Debug("hello")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "tenant-1", entry["tenant_id"])
	assert.Equal(t, "user-1", entry["user_id"])
}

func TestLogger_OrDefault(t *testing.T) {
	var nilLogger *Logger
	assert.NotNil(t, nilLogger.OrDefault())

	logger := NewLogger(InfoLevel, &bytes.Buffer{})
	assert.Same(t, logger, logger.OrDefault())
}
