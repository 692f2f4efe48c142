package flow

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Logger is the runtime logging contract. Messages are printf style.
type Logger interface {
	Trace(msg string, args ...any)
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Fatal(msg string, args ...any)
	WithContext(ctx context.Context) Logger
}

// FieldsLogger extends Logger with structured-field support.
type FieldsLogger interface {
	WithFields(map[string]any) Logger
}

// Level orders FmtLogger output.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = [...]string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

func (l Level) String() string {
	if l < LevelTrace || l > LevelFatal {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel accepts level names in any case.
func ParseLevel(name string) (Level, error) {
	for i, n := range levelNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return Level(i), nil
		}
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// FmtLogger writes one line per message: timestamp, level, message and the
// sorted fields. A logger bound to a context carrying a recording span adds
// trace_id and span_id.
type FmtLogger struct {
	out    io.Writer
	level  Level
	span   trace.SpanContext
	fields map[string]any
}

// NewFmtLogger writes to stderr when out is nil, at info level.
func NewFmtLogger(out io.Writer) *FmtLogger {
	if out == nil {
		out = os.Stderr
	}
	return &FmtLogger{out: out, level: LevelInfo}
}

// WithLevel returns a copy logging at level and above.
func (l *FmtLogger) WithLevel(level Level) *FmtLogger {
	cp := l.clone()
	cp.level = level
	return cp
}

func (l *FmtLogger) Trace(msg string, args ...any) { l.write(LevelTrace, msg, args) }
func (l *FmtLogger) Debug(msg string, args ...any) { l.write(LevelDebug, msg, args) }
func (l *FmtLogger) Info(msg string, args ...any)  { l.write(LevelInfo, msg, args) }
func (l *FmtLogger) Warn(msg string, args ...any)  { l.write(LevelWarn, msg, args) }
func (l *FmtLogger) Error(msg string, args ...any) { l.write(LevelError, msg, args) }
func (l *FmtLogger) Fatal(msg string, args ...any) { l.write(LevelFatal, msg, args) }

func (l *FmtLogger) WithContext(ctx context.Context) Logger {
	cp := l.clone()
	if ctx != nil {
		cp.span = trace.SpanContextFromContext(ctx)
	}
	return cp
}

func (l *FmtLogger) WithFields(fields map[string]any) Logger {
	cp := l.clone()
	cp.fields = mergeMaps(cp.fields, fields)
	return cp
}

func (l *FmtLogger) clone() *FmtLogger {
	if l == nil {
		return NewFmtLogger(nil)
	}
	cp := *l
	return &cp
}

func (l *FmtLogger) write(level Level, msg string, args []any) {
	if l == nil {
		l = NewFmtLogger(nil)
	}
	if level < l.level {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}

	var b strings.Builder
	b.WriteString(time.Now().UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, " %-5s %s", level, strings.TrimSpace(msg))
	if l.span.IsValid() {
		fmt.Fprintf(&b, " trace_id=%s span_id=%s", l.span.TraceID(), l.span.SpanID())
	}
	for _, k := range slices.Sorted(maps.Keys(l.fields)) {
		fmt.Fprintf(&b, " %s=%v", k, l.fields[k])
	}
	b.WriteByte('\n')
	_, _ = io.WriteString(l.out, b.String())
}

// loggerWith returns logger, or the fallback logger when nil, carrying
// fields when it supports them.
func loggerWith(logger Logger, fields map[string]any) Logger {
	if logger == nil {
		logger = NewFmtLogger(nil)
	}
	if len(fields) == 0 {
		return logger
	}
	if fl, ok := logger.(FieldsLogger); ok {
		return fl.WithFields(fields)
	}
	return logger
}

// mergeMaps copies a and then b into a new map. It returns nil when both
// are empty.
func mergeMaps(a, b map[string]any) map[string]any {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]any, len(a)+len(b))
	maps.Copy(out, a)
	maps.Copy(out, b)
	return out
}
