package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/me/dispatch/pkg/model"
)

// NewLogger creates the process logger. Output goes to stderr; format is
// "text" (default) or "json".
func NewLogger(level slog.Level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a logger writing to the given writer.
func NewLoggerWithWriter(level slog.Level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// Discard returns a logger that drops everything. Used by tests and by
// components constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

// ParseLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// TaskAttrs returns the attributes every task log line carries.
func TaskAttrs(t *model.Task) []any {
	return []any{
		"task_id", t.ID,
		"account_id", t.AccountID,
		"status", t.Status,
		"round", t.BroadcastRound,
		"broadcast_count", t.BroadcastCount,
	}
}

// AgentAttrs returns the attributes every agent log line carries.
func AgentAttrs(a *model.Agent) []any {
	return []any{
		"agent_id", a.ID,
		"account_id", a.AccountID,
		"host", a.HostName,
	}
}
