package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShutdownManager_Shutdown(t *testing.T) {
	logger := NewLogger(ErrorLevel, &bytes.Buffer{})

	t.Run("runs functions in order", func(t *testing.T) {
		sm := NewShutdownManager(logger, nil, 0)
		var order []string
		sm.RegisterShutdownFunc(func(context.Context) error { order = append(order, "watcher"); return nil })
		sm.RegisterShutdownFunc(func(context.Context) error { order = append(order, "db"); return nil })

		assert.NoError(t, sm.Shutdown(context.Background()))
		assert.Equal(t, []string{"watcher", "db"}, order)
	})

	t.Run("counts failures and keeps going", func(t *testing.T) {
		sm := NewShutdownManager(logger, nil, 0)
		ran := false
		sm.RegisterShutdownFunc(func(context.Context) error { return errors.New("close failed") })
		sm.RegisterShutdownFunc(func(context.Context) error { ran = true; return nil })

		err := sm.Shutdown(context.Background())
		assert.EqualError(t, err, "shutdown completed with 1 errors")
		assert.True(t, ran)
	})

	t.Run("expired context", func(t *testing.T) {
		sm := NewShutdownManager(logger, nil, 0)
		sm.RegisterShutdownFunc(func(context.Context) error { return nil })
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.EqualError(t, sm.Shutdown(ctx), "shutdown timeout reached")
	})
}
