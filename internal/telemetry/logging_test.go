package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/opsboard/internal/shared"
)

func readLines(t *testing.T, home string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("unmarshal log json: %v", err)
		}
		out = append(out, entry)
	}
	return out
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, _, closer, err := NewLogger(home, "debug", "worker", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("delivered", "notification_id", "n-1")

	lines := readLines(t, home)
	if len(lines) != 1 {
		t.Fatalf("expected one log line, got %d", len(lines))
	}
	entry := lines[0]
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "worker" || entry["trace_id"] != "-" || entry["notification_id"] != "n-1" {
		t.Fatalf("unexpected entry: %#v", entry)
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, _, closer, err := NewLogger(home, "info", "", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("delivery failed",
		"auth_token", "abc123",
		"error", `Post "https://api.telegram.org/bot123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsawQ/sendMessage": EOF`,
		"header", "Authorization: Bearer super-secret-token",
	)

	entry := readLines(t, home)[0]
	if entry["auth_token"] != "[REDACTED]" || entry["header"] != "[REDACTED]" {
		t.Fatalf("expected key and header redaction, got %#v", entry)
	}
	if strings.Contains(entry["error"].(string), "AAHdqTcv") {
		t.Fatalf("expected bot token redacted, got %q", entry["error"])
	}
	if entry["component"] != "runtime" {
		t.Fatalf("expected default component, got %#v", entry["component"])
	}
}

func TestLevelVar_ChangesVerbosity(t *testing.T) {
	var buf bytes.Buffer
	logger, lv := NewWriterLogger(&buf, "info", "test")
	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug to be filtered, got %q", buf.String())
	}
	lv.Set(slog.LevelDebug)
	logger.Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("expected debug after level change, got %q", buf.String())
	}
}

func TestForContext_AddsRequestFields(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewWriterLogger(&buf, "info", "gateway")
	ctx := shared.WithTraceID(context.Background(), "trace-123")
	ctx = shared.WithTaskID(shared.WithActor(ctx, "agent:rex:main"), "task-9")
	ForContext(ctx, logger).Info("request")
	for _, want := range []string{`"trace_id":"trace-123"`, `"actor":"agent:rex:main"`, `"task_id":"task-9"`} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("expected %s in log, got %q", want, buf.String())
		}
	}

	if ForContext(context.Background(), logger) != logger {
		t.Fatal("empty context should return the logger unchanged")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, " WARN ": slog.LevelWarn, "warning": slog.LevelWarn,
		"error": slog.LevelError, "": slog.LevelInfo, "bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestContextHandler_StampsWithoutDuplicates(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewWriterLogger(&buf, "info", "worker")
	ctx := shared.WithTaskID(shared.WithTraceID(context.Background(), "trace-7"), "task-1")

	logger.InfoContext(ctx, "tick")
	ForContext(ctx, logger).InfoContext(ctx, "bound")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two lines, got %q", buf.String())
	}
	for _, line := range lines {
		if n := strings.Count(line, `"trace_id":`); n != 1 {
			t.Fatalf("trace_id appears %d times in %s", n, line)
		}
		if !strings.Contains(line, `"trace_id":"trace-7"`) || !strings.Contains(line, `"task_id":"task-1"`) {
			t.Fatalf("context fields missing from %s", line)
		}
		if strings.Contains(line, `"actor"`) {
			t.Fatalf("system actor should be omitted: %s", line)
		}
	}
}

func TestContextHandler_ComponentOverride(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewWriterLogger(&buf, "info", "runtime")
	logger.With("component", "gateway").Info("listening")

	line := strings.TrimSpace(buf.String())
	if n := strings.Count(line, `"component":`); n != 1 {
		t.Fatalf("component appears %d times in %s", n, line)
	}
	if !strings.Contains(line, `"component":"gateway"`) {
		t.Fatalf("component not overridden: %s", line)
	}
}
