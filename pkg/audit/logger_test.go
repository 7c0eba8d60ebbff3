package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/contextkeys"
)

func TestNewEvent(t *testing.T) {
	ctx := contextkeys.WithRequestID(context.Background(), "req-42")

	event := NewEvent(ctx, EventTypeApprovalReject, "tenant-1", "user-2").
		Target(TargetTypeApprovalRequest, "req-id").
		WithMessage("rejected").
		WithChanges(map[string]interface{}{"status": "PENDING"}, map[string]interface{}{"status": "REJECTED"})

	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())
	assert.Equal(t, "req-42", event.RequestID)
	assert.Equal(t, SeverityInfo, event.Severity)
	assert.Equal(t, EventStatusSuccess, event.Status)
	assert.Equal(t, TargetTypeApprovalRequest, event.TargetType)
	assert.Equal(t, "REJECTED", event.Changes.After["status"])
}

func TestAuditEvent_Failed(t *testing.T) {
	event := NewEvent(context.Background(), EventTypeAccountGrantSync, "t", "a").Failed(errors.New("crm down"))
	assert.Equal(t, EventStatusFailure, event.Status)
	assert.Equal(t, SeverityWarning, event.Severity)
	assert.Equal(t, "crm down", event.ErrorMessage)

	critical := NewEvent(context.Background(), EventTypeApprovalExecutionFailed, "t", "a").
		WithSeverity(SeverityCritical).
		Failed(nil)
	assert.Equal(t, SeverityCritical, critical.Severity)
}

type failingLogger struct{ err error }

func (f *failingLogger) Log(ctx context.Context, event *AuditEvent) error { return f.err }
func (f *failingLogger) Close() error                                     { return f.err }

func TestMultiLogger(t *testing.T) {
	ctx := context.Background()

	t.Run("sync fans out and returns first error", func(t *testing.T) {
		a, b := NewMemoryLogger(), NewMemoryLogger()
		m := NewMultiLogger(a, &failingLogger{err: errors.New("sink down")}, b)

		err := m.Log(ctx, NewEvent(ctx, EventTypeStepsReplace, "t", "a"))
		assert.EqualError(t, err, "sink down")
		assert.Len(t, a.Events(), 1)
		assert.Len(t, b.Events(), 1)
	})

	t.Run("async collects errors", func(t *testing.T) {
		a := NewMemoryLogger()
		m := NewMultiLogger(a, &failingLogger{err: errors.New("sink down")})
		m.SetAsync(true)

		require.NoError(t, m.Log(ctx, NewEvent(ctx, EventTypeStepsReplace, "t", "a")))
		m.Wait()
		assert.Len(t, a.Events(), 1)
		assert.Len(t, m.GetErrors(), 1)
	})

	t.Run("async counts errors it cannot buffer", func(t *testing.T) {
		m := NewMultiLogger(&failingLogger{err: errors.New("sink down")})
		m.SetAsync(true)

		// one logger buffers 17 errors
		for i := 0; i < 20; i++ {
			require.NoError(t, m.Log(ctx, NewEvent(ctx, EventTypeStepsReplace, "t", "a")))
		}
		m.Wait()
		assert.Len(t, m.GetErrors(), 17)
		assert.Equal(t, int64(3), m.DroppedErrors())
		assert.Equal(t, int64(0), m.DroppedErrors(), "the count resets once read")
	})

	t.Run("close reports failures", func(t *testing.T) {
		m := NewMultiLogger(NewMemoryLogger(), &failingLogger{err: errors.New("flush failed")})
		err := m.Close()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to close logger")
	})

	t.Run("no loggers", func(t *testing.T) {
		assert.NoError(t, NewMultiLogger().Log(ctx, NewEvent(ctx, EventTypeStepsReplace, "t", "a")))
	})
}
