// Package logging provides the component-scoped text logger used across the
// daemon. It wraps log/slog with a handler that renders the compact
// "[LEVEL] [component] message" line format the rest of the codebase parses
// in tests, while still emitting structured attributes for anything that
// wants to consume JSON downstream.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Logger is the minimal logging surface consumed throughout the daemon.
// Components depend on this interface rather than *ComponentLogger so tests
// can substitute a no-op or recording implementation.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// ComponentLogger is the default Logger implementation. It tags every line
// with a component name and delegates to an underlying slog.Logger.
type ComponentLogger struct {
	component string
	slog      *slog.Logger
}

var (
	mu      sync.Mutex
	base    = slog.New(newTextHandler(os.Stderr, slog.LevelInfo))
	minLvl  = slog.LevelInfo
	nopInst = &nopLogger{}
)

// Configure rewires the process-wide base logger. Call once during daemon
// bootstrap after the validated config is available.
func Configure(w io.Writer, level slog.Level) {
	mu.Lock()
	defer mu.Unlock()
	minLvl = level
	base = slog.New(newTextHandler(w, level))
}

// NewComponentLogger returns a Logger tagged with the given component name,
// e.g. "circuit-breaker", "mcp.pool", "hooks.pipeline".
func NewComponentLogger(component string) *ComponentLogger {
	mu.Lock()
	b := base
	mu.Unlock()
	return &ComponentLogger{component: component, slog: b}
}

// OrNop returns l if non-nil, otherwise a Logger that discards everything.
// Components accept an optional *ComponentLogger/Logger from callers and use
// OrNop to avoid nil checks at every call site.
func OrNop(l Logger) Logger {
	if l == nil {
		return nopInst
	}
	return l
}

func (c *ComponentLogger) Debug(format string, args ...any) { c.log(slog.LevelDebug, format, args...) }
func (c *ComponentLogger) Info(format string, args ...any)  { c.log(slog.LevelInfo, format, args...) }
func (c *ComponentLogger) Warn(format string, args ...any)  { c.log(slog.LevelWarn, format, args...) }
func (c *ComponentLogger) Error(format string, args ...any) { c.log(slog.LevelError, format, args...) }

func (c *ComponentLogger) log(level slog.Level, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	c.slog.Log(context.Background(), level, msg, slog.String("component", c.component))
}

// WithFields returns a child *slog.Logger carrying structured attributes, for
// call sites that want slog's native structured API instead of the printf
// style Logger interface (e.g. request-scoped logging in the HTTP adapter).
func (c *ComponentLogger) WithFields(args ...any) *slog.Logger {
	return c.slog.With(append([]any{slog.String("component", c.component)}, args...)...)
}

type nopLogger struct{}

func (*nopLogger) Debug(string, ...any) {}
func (*nopLogger) Info(string, ...any)  {}
func (*nopLogger) Warn(string, ...any)  {}
func (*nopLogger) Error(string, ...any) {}

// textHandler renders "TIMESTAMP [LEVEL] [component] message key=value ..."
// lines, matching the format the daemon's log scrapers expect.
type textHandler struct {
	w     io.Writer
	level slog.Level
	mu    *sync.Mutex
	attrs []slog.Attr
}

func newTextHandler(w io.Writer, level slog.Level) *textHandler {
	return &textHandler{w: w, level: level, mu: &sync.Mutex{}}
}

func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *textHandler) Handle(_ context.Context, r slog.Record) error {
	component := "-"
	var extras []string
	for _, a := range h.attrs {
		if a.Key == "component" {
			component = a.Value.String()
			continue
		}
		extras = append(extras, fmt.Sprintf("%s=%v", a.Key, a.Value.Any()))
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = a.Value.String()
			return true
		}
		extras = append(extras, fmt.Sprintf("%s=%v", a.Key, a.Value.Any()))
		return true
	})

	line := fmt.Sprintf("%s [%s] [%s] %s", r.Time.UTC().Format(time.RFC3339Nano), levelTag(r.Level), component, r.Message)
	for _, e := range extras {
		line += " " + e
	}
	line += "\n"

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, line)
	return err
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &textHandler{w: h.w, level: h.level, mu: h.mu}
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return next
}

func (h *textHandler) WithGroup(_ string) slog.Handler {
	return h
}

func levelTag(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARN"
	case l >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}
