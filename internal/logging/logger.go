// Package logging provides a thin wrapper around log/slog with TRACE level support
// and a compact one-line output format for the velux-active client.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Custom log levels extending slog - re-export for convenience.
const (
	// LevelTrace is below DEBUG for wire-level logging (frames, pings, redirects).
	LevelTrace = slog.Level(-8)
	// LevelDebug re-exports slog.LevelDebug.
	LevelDebug = slog.LevelDebug
	// LevelInfo re-exports slog.LevelInfo.
	LevelInfo = slog.LevelInfo
	// LevelWarn re-exports slog.LevelWarn.
	LevelWarn = slog.LevelWarn
	// LevelError re-exports slog.LevelError.
	LevelError = slog.LevelError
)

// ComponentKey is the attribute key used by Logger.Component.
const ComponentKey = "component"

// ParseLevel parses a string into a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// LevelString returns the string representation of a log level.
func LevelString(level slog.Level) string {
	switch {
	case level <= LevelTrace:
		return "TRACE"
	case level <= LevelDebug:
		return "DEBUG"
	case level <= LevelInfo:
		return "INFO"
	case level <= LevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

// Logger wraps slog.Logger with convenience methods including TRACE level.
type Logger struct {
	*slog.Logger
	level slog.Level
}

// cleanHandler implements slog.Handler with a simplified log format:
// "YYYY-MM-DD HH:MM:SS LEVEL message key=value key=value..."
//
// Attributes added through With are rendered before the record's own
// attributes. Groups prefix keys with "group.".
type cleanHandler struct {
	level  slog.Level
	out    io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr
	prefix string
}

func newCleanHandler(level slog.Level, out io.Writer) *cleanHandler {
	return &cleanHandler{
		level: level,
		out:   out,
		mu:    &sync.Mutex{},
	}
}

// Enabled reports whether the handler handles records at the given level.
func (h *cleanHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle formats and writes the log record.
func (h *cleanHandler) Handle(_ context.Context, r slog.Record) error {
	// Format: "2026-01-03 20:36:42 INFO session live component=session home=abc"
	var sb strings.Builder
	sb.WriteString(r.Time.Format(time.DateOnly + " " + time.TimeOnly))
	sb.WriteString(" ")
	sb.WriteString(LevelString(r.Level))
	sb.WriteString(" ")
	sb.WriteString(r.Message)

	for _, a := range h.attrs {
		writeAttr(&sb, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&sb, h.prefix, a)
		return true
	})

	sb.WriteString("\n")

	mu := h.mu
	if mu == nil {
		mu = &sync.Mutex{}
	}
	mu.Lock()
	defer mu.Unlock()
	_, err := io.WriteString(h.out, sb.String())
	return err
}

func writeAttr(sb *strings.Builder, prefix string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(sb, prefix+a.Key+".", ga)
		}
		return
	}
	sb.WriteString(" ")
	sb.WriteString(prefix)
	sb.WriteString(a.Key)
	sb.WriteString("=")
	fmt.Fprintf(sb, "%v", a.Value.Resolve().Any())
}

// WithAttrs returns a new handler that renders the given attributes on every record.
func (h *cleanHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	clone := *h
	clone.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	clone.attrs = append(clone.attrs, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		clone.attrs = append(clone.attrs, a)
	}
	return &clone
}

// WithGroup returns a new handler with the given group name.
func (h *cleanHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

// New creates a new Logger with the specified level writing to stdout.
func New(level slog.Level) *Logger {
	return NewWithWriter(level, os.Stdout)
}

// NewWithWriter creates a new Logger with the specified level writing to w.
func NewWithWriter(level slog.Level, w io.Writer) *Logger {
	return &Logger{
		Logger: slog.New(newCleanHandler(level, w)),
		level:  level,
	}
}

// Discard returns a Logger that drops every record. Used as a default when
// callers do not supply one.
func Discard() *Logger {
	return NewWithWriter(LevelError+4, io.Discard)
}

// SetDefault sets the default slog logger.
func SetDefault(logger *Logger) {
	slog.SetDefault(logger.Logger)
}

// With returns a Logger carrying the given attributes on every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
		level:  l.level,
	}
}

// Component returns a Logger tagged with component=name.
func (l *Logger) Component(name string) *Logger {
	return l.With(ComponentKey, name)
}

// Trace logs at TRACE level (below DEBUG).
func (l *Logger) Trace(msg string, args ...any) {
	l.Log(context.Background(), LevelTrace, msg, args...)
}

// IsTraceEnabled returns true if TRACE level is enabled.
func (l *Logger) IsTraceEnabled() bool {
	return l.level <= LevelTrace
}

// IsDebugEnabled returns true if DEBUG level is enabled.
func (l *Logger) IsDebugEnabled() bool {
	return l.level <= LevelDebug
}

// Level returns the current log level.
func (l *Logger) Level() slog.Level {
	return l.level
}
