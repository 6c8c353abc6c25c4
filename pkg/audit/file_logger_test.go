package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLoggerRecordAndSearch(t *testing.T) {
	logger, err := NewFileLogger(FileLoggerConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	defer logger.Close()

	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, logger.Record(ctx, &Event{Timestamp: base, Action: ActionLogin, Actor: "alice", OrganizationID: 1}))
	require.NoError(t, logger.Record(ctx, &Event{Timestamp: base.Add(time.Minute), Action: ActionDenied, Actor: "mallory", OrganizationID: 1}))

	got, err := logger.Search(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "mallory", got[0].Actor, "newest first")

	got, err = logger.Search(ctx, Filter{Actions: []Action{ActionLogin}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].Actor)
}

func TestFileLoggerRotation(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewFileLogger(FileLoggerConfig{
		BasePath: dir,
		Rotate:   true,
		MaxSize:  64, // tiny so the second write triggers rotation
		MaxFiles: 5,
	})
	require.NoError(t, err)
	defer logger.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, logger.Record(ctx, &Event{
			Timestamp: time.Now(),
			Action:    ActionLogin,
			Actor:     "alice@example.com",
			Message:   "login succeeded after identity provider round trip",
		}))
	}

	// The current file only holds events written since the last rotation.
	got, err := logger.Search(ctx, Filter{})
	require.NoError(t, err)
	assert.Less(t, len(got), 5)
}
