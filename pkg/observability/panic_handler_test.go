package observability

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecoverPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(ErrorLevel, &buf)

	func() {
		defer RecoverPanic(logger, "probe sweep")
		panic("idp exploded")
	}()

	out := buf.String()
	assert.Contains(t, out, "panic recovered")
	assert.Contains(t, out, "idp exploded")
	assert.Contains(t, out, "probe sweep")
}

func TestRecoverPanicNoPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(ErrorLevel, &buf)

	func() {
		defer RecoverPanic(logger, "quiet job")
	}()

	assert.Zero(t, buf.Len())
}
