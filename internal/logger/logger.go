// Package logger configures the engine's slog output: level-colored text on
// the console, optional JSON, optional rotated file output.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults follow lumberjack semantics.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Options describes logging destinations and format for the process.
type Options struct {
	Level      string // debug, info, warn, error
	JSON       bool   // JSON handler instead of text
	File       string // when set, logs also rotate into this file
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New builds a slog.Logger from opts. The returned closer stops the file
// writer; it is a no-op when no file is configured.
func New(opts Options) (*slog.Logger, io.Closer) {
	level := parseLevel(opts.Level)

	var closer io.Closer = nopCloser{}
	out := io.Writer(os.Stderr)
	if opts.File != "" {
		rotated := &lj.Logger{
			Filename:   opts.File,
			MaxSize:    valOr(opts.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(opts.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(opts.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   opts.Compress,
		}
		closer = rotated
		out = io.MultiWriter(os.Stderr, rotated)
	}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: colorizeLevel,
		})
	}
	return slog.New(handler), closer
}

// ANSI color per level for the text handler.
var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m", // cyan
	slog.LevelInfo:  "\033[32m", // green
	slog.LevelWarn:  "\033[33m", // yellow
	slog.LevelError: "\033[31m", // red
}

const colorReset = "\033[0m"

// colorizeLevel rewrites the top-level level attribute so the rendered line
// carries a colored level token. Grouped attributes pass through untouched.
func colorizeLevel(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 || a.Key != slog.LevelKey {
		return a
	}
	lvl, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	color, ok := levelColors[lvl]
	if !ok {
		return a
	}
	a.Value = slog.StringValue(color + lvl.String() + colorReset)
	return a
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
