package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLoggerEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithFields(map[string]interface{}{
		"org_id":      int64(42),
		"provider_id": int64(7),
	}).Info("authentication succeeded")

	entry := logLine(t, &buf)
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "authentication succeeded", entry["msg"])
	assert.Equal(t, float64(42), entry["org_id"])
	assert.Equal(t, float64(7), entry["provider_id"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WarnLevel, &buf)

	logger.Info("suppressed")
	assert.Zero(t, buf.Len())

	logger.Warnf("breaker %s", "open")
	assert.Contains(t, buf.String(), "breaker open")
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(ErrorLevel, &buf)

	logger.WithError(errors.New("connection refused")).Error("probe failed")
	entry := logLine(t, &buf)
	assert.Equal(t, "connection refused", entry["error"])

	// A nil error adds nothing and returns the same logger.
	assert.Same(t, logger, logger.WithError(nil))
}

func TestLoggerFieldsDoNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	child := logger.WithField("provider_id", int64(3))
	child.Info("first")
	logger.Info("second")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "provider_id")
	assert.NotContains(t, lines[1], "provider_id")
}

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "debug", DebugLevel.String())
	assert.Equal(t, "error", ErrorLevel.String())
}
