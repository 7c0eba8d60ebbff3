package async

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger() (*observability.Logger, *syncBuffer) {
	out := &syncBuffer{}
	return observability.NewLogger(observability.DebugLevel, out), out
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
	}
}

func TestSafeGo_Success(t *testing.T) {
	logger, out := newTestLogger()
	executed := atomic.Bool{}

	waitDone(t, SafeGo(context.Background(), logger, "test task", func(ctx context.Context) error {
		executed.Store(true)
		return nil
	}))

	if !executed.Load() {
		t.Error("SafeGo did not execute function")
	}
	if out.String() != "" {
		t.Errorf("Expected no log output, got %s", out.String())
	}
}

func TestSafeGo_WithError(t *testing.T) {
	logger, out := newTestLogger()

	waitDone(t, SafeGo(context.Background(), logger, "test task", func(ctx context.Context) error {
		return errors.New("watch failed")
	}))

	if !strings.Contains(out.String(), "watch failed") || !strings.Contains(out.String(), "test task") {
		t.Errorf("Expected error to be logged with task name, got %s", out.String())
	}
}

func TestSafeGo_CancellationNotLogged(t *testing.T) {
	logger, out := newTestLogger()
	ctx, cancel := context.WithCancel(context.Background())

	done := SafeGo(ctx, logger, "watcher", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cancel()
	waitDone(t, done)

	if out.String() != "" {
		t.Errorf("Expected cancellation to be silent, got %s", out.String())
	}
}

func TestSafeGo_PanicRecovery(t *testing.T) {
	logger, out := newTestLogger()

	waitDone(t, SafeGo(context.Background(), logger, "panicky", func(ctx context.Context) error {
		panic("boom")
	}))

	if !strings.Contains(out.String(), "PANIC recovered") {
		t.Errorf("Expected panic to be logged, got %s", out.String())
	}
}

func TestEvery(t *testing.T) {
	logger, out := newTestLogger()
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32

	done := Every(ctx, logger, 5*time.Millisecond, "periodic", func(ctx context.Context) error {
		n := runs.Add(1)
		switch n {
		case 1:
			return errors.New("first run failed")
		case 2:
			panic("second run panicked")
		}
		return nil
	})

	deadline := time.After(2 * time.Second)
	for runs.Load() < 4 {
		select {
		case <-deadline:
			t.Fatalf("Expected at least 4 runs, got %d", runs.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	waitDone(t, done)

	logs := out.String()
	if !strings.Contains(logs, "first run failed") {
		t.Errorf("Expected failed run to be logged, got %s", logs)
	}
	if !strings.Contains(logs, "PANIC recovered") {
		t.Errorf("Expected panic to be logged, got %s", logs)
	}
}
