package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/me/dispatch/pkg/model"
)

func TestNewLoggerWithWriter_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelInfo, "text", &buf)

	logger.Info("task broadcast", "task_id", "task_1")

	output := buf.String()
	if !strings.Contains(output, "task broadcast") {
		t.Errorf("expected message in output, got: %s", output)
	}
	if !strings.Contains(output, "task_id=task_1") {
		t.Errorf("expected task_id in output, got: %s", output)
	}
}

func TestNewLoggerWithWriter_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelInfo, "json", &buf)

	logger.Info("agent disconnected", "agent_id", "agt_1")

	output := buf.String()
	if !strings.Contains(output, `"msg":"agent disconnected"`) {
		t.Errorf("expected JSON msg field in output, got: %s", output)
	}
	if !strings.Contains(output, `"agent_id":"agt_1"`) {
		t.Errorf("expected JSON agent_id field in output, got: %s", output)
	}
}

func TestNewLoggerWithWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelWarn, "text", &buf)

	logger.Info("should not appear")
	logger.Warn("should appear")

	output := buf.String()
	if strings.Contains(output, "should not appear") {
		t.Errorf("INFO message should be filtered at WARN level, got: %s", output)
	}
	if !strings.Contains(output, "should appear") {
		t.Errorf("WARN message should appear at WARN level, got: %s", output)
	}
}

func TestTaskAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelDebug, "text", &buf)
	task := &model.Task{ID: "task_abc", AccountID: "acct", Status: model.TaskStatusQueued, BroadcastRound: 2}

	logger.With("component", "broadcast").Debug("tick", TaskAttrs(task)...)

	output := buf.String()
	for _, want := range []string{"component=broadcast", "task_id=task_abc", "account_id=acct", "status=QUEUED", "round=2"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
