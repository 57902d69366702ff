package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("whatever"))
}

func TestNewWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	log, closer := New(Options{Level: "info", File: path})
	log.Info("pipeline started", "queue", "caldera.checking.instructions")
	log.Warn("broker dial failed")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "pipeline started")
	assert.Contains(t, string(data), levelColors[slog.LevelWarn]+"WARN"+colorReset)
}

func TestColorizeLevel(t *testing.T) {
	attr := colorizeLevel(nil, slog.Any(slog.LevelKey, slog.LevelError))
	assert.Equal(t, levelColors[slog.LevelError]+"ERROR"+colorReset, attr.Value.String())

	// Grouped and non-level attributes pass through untouched.
	msg := slog.String(slog.MessageKey, "hello")
	assert.Equal(t, msg, colorizeLevel(nil, msg))
	lvl := slog.Any(slog.LevelKey, slog.LevelError)
	assert.Equal(t, lvl, colorizeLevel([]string{"req"}, lvl))
}

func TestNewJSON(t *testing.T) {
	log, closer := New(Options{Level: "debug", JSON: true})
	defer func() { _ = closer.Close() }()
	assert.True(t, log.Enabled(nil, slog.LevelDebug))
}
