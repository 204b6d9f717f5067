package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestComponentLoggerFormatsLine(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf, slog.LevelDebug)
	defer Configure(&buf, slog.LevelInfo)

	l := NewComponentLogger("mcp.pool")
	l.Warn("reconnect attempt %d failed: %v", 3, "dial tcp refused")

	out := buf.String()
	if !strings.Contains(out, "[WARN]") {
		t.Fatalf("expected WARN level tag, got %q", out)
	}
	if !strings.Contains(out, "[mcp.pool]") {
		t.Fatalf("expected component tag, got %q", out)
	}
	if !strings.Contains(out, "reconnect attempt 3 failed: dial tcp refused") {
		t.Fatalf("expected formatted message, got %q", out)
	}
}

func TestOrNopHandlesNil(t *testing.T) {
	var l Logger
	safe := OrNop(l)
	safe.Info("should not panic")

	concrete := NewComponentLogger("x")
	if OrNop(concrete) != Logger(concrete) {
		t.Fatalf("OrNop should pass through non-nil loggers")
	}
}

func TestDebugSuppressedAboveLevel(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf, slog.LevelInfo)
	defer Configure(&buf, slog.LevelInfo)

	l := NewComponentLogger("store")
	l.Debug("should not appear")
	if buf.Len() != 0 {
		t.Fatalf("expected debug line to be suppressed, got %q", buf.String())
	}
}
