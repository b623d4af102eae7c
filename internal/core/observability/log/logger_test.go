package log

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerWritesTypedFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewWithCore(core).With(String("component", "tracker"))

	logger.Info("persisted batch", Int("records", 3), Error(errors.New("boom")))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "tracker", fields["component"])
	assert.Equal(t, int64(3), fields["records"])
	assert.Equal(t, "boom", fields["error"])
}

func TestWithContextAddsCorrelationID(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewWithCore(core)

	ctx := WithCorrelationID(context.Background(), "01HZX")
	logger.WithContext(ctx).Debug("request")

	require.Len(t, logs.All(), 1)
	assert.Equal(t, "01HZX", logs.All()[0].ContextMap()["correlation_id"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelSilent, ParseLevel("off"))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
	assert.Equal(t, "error", LevelError.String())
}

func TestNopLoggerIsSilent(t *testing.T) {
	logger := NewNop()
	logger.Error("ignored")
	assert.Equal(t, LevelSilent, logger.GetLevel())
}

func TestSetLevelIsSharedWithChildren(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	parent := NewWithCore(core)
	child := parent.With(String("component", "store"))

	parent.SetLevel(LevelWarn)
	assert.Equal(t, LevelWarn, child.GetLevel())

	child.Log(LevelInfo, "dropped")
	child.Log(LevelError, "kept")
	require.Len(t, logs.All(), 1)
	assert.Equal(t, "kept", logs.All()[0].Message)
}
