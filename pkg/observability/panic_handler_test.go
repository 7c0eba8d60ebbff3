package observability

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecoverPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(ErrorLevel, &buf)

	assert.NotPanics(t, func() {
		defer RecoverPanic(logger, "test")
		panic("kaboom")
	})
	assert.Contains(t, buf.String(), "PANIC recovered")
	assert.Contains(t, buf.String(), "kaboom")
}

func TestPanicError(t *testing.T) {
	assert.Nil(t, PanicError(nil))
	assert.EqualError(t, PanicError("bad"), "panic: bad")
}
