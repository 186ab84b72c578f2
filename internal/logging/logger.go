// Package logging provides the levelled, per-component logger used across
// dbfs. Messages are printf-style; records are emitted through log/slog so
// the output can be switched between text and JSON.
package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// LogLevel represents different logging levels
type LogLevel int

const (
	// LevelError only logs errors
	LevelError LogLevel = iota
	// LevelWarn logs warnings and errors
	LevelWarn
	// LevelInfo logs general information, warnings and errors
	LevelInfo
	// LevelDebug logs detailed debug information and all above
	LevelDebug
	// LevelTrace logs very detailed trace information and all above
	LevelTrace
)

var levelNames = map[LogLevel]string{
	LevelError: "ERROR",
	LevelWarn:  "WARN",
	LevelInfo:  "INFO",
	LevelDebug: "DEBUG",
	LevelTrace: "TRACE",
}

// slogTrace sits below slog.LevelDebug so handlers filter it like any
// other level.
const slogTrace = slog.LevelDebug - 4

var slogLevels = map[LogLevel]slog.Level{
	LevelError: slog.LevelError,
	LevelWarn:  slog.LevelWarn,
	LevelInfo:  slog.LevelInfo,
	LevelDebug: slog.LevelDebug,
	LevelTrace: slogTrace,
}

// String returns the upper-case level name.
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel converts a level name such as "debug" or "TRACE".
func ParseLevel(name string) (LogLevel, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for level, levelName := range levelNames {
		if levelName == upper {
			return level, nil
		}
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// backend is shared by a logger and every logger derived from it with
// WithPrefix, so level and output changes apply to all components.
type backend struct {
	mu      sync.RWMutex
	level   LogLevel
	handler slog.Handler
}

// Logger provides structured logging capabilities
type Logger struct {
	prefix string
	b      *backend
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// GetLogger returns the default logger instance
func GetLogger() *Logger {
	once.Do(func() {
		defaultLogger = NewLogger("DBFS")

		if level, ok := EnvLevel(); ok {
			defaultLogger.SetLevel(level)
		}
	})
	return defaultLogger
}

// EnvLevel returns the level forced by the environment, if any. LOG_LEVEL
// names a level; FUSE_DEBUG forces debug output for protocol
// troubleshooting and wins over LOG_LEVEL.
func EnvLevel() (LogLevel, bool) {
	if os.Getenv("FUSE_DEBUG") != "" {
		return LevelDebug, true
	}
	if name := os.Getenv("LOG_LEVEL"); name != "" {
		if level, err := ParseLevel(name); err == nil {
			return level, true
		}
	}
	return LevelInfo, false
}

// NewLogger creates a new logger with the given prefix, writing text
// records to stdout at INFO level.
func NewLogger(prefix string) *Logger {
	return &Logger{
		prefix: prefix,
		b: &backend{
			level:   LevelInfo,
			handler: newHandler(os.Stdout, "text"),
		},
	}
}

func newHandler(w io.Writer, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		// The backend filters by level itself; the handler sees everything.
		Level:     slogTrace,
		AddSource: os.Getenv("LOG_LONGFILE") != "",
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				a.Value = slog.TimeValue(a.Value.Time().UTC())
			case slog.LevelKey:
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == slogTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level LogLevel) {
	l.b.mu.Lock()
	defer l.b.mu.Unlock()
	l.b.level = level
}

// Level returns the current logging level.
func (l *Logger) Level() LogLevel {
	l.b.mu.RLock()
	defer l.b.mu.RUnlock()
	return l.b.level
}

// SetOutput redirects records to w using the "text" or "json" format.
func (l *Logger) SetOutput(w io.Writer, format string) {
	h := newHandler(w, format)
	l.b.mu.Lock()
	defer l.b.mu.Unlock()
	l.b.handler = h
}

// StdLogger returns a *log.Logger that writes through this logger at the
// given level, for libraries that only accept the standard logger.
func (l *Logger) StdLogger(level LogLevel) *log.Logger {
	l.b.mu.RLock()
	h := l.b.handler
	l.b.mu.RUnlock()
	return slog.NewLogLogger(h.WithAttrs([]slog.Attr{slog.String("component", l.prefix)}), slogLevels[level])
}

// shouldLog determines if a message at the given level should be logged
func (l *Logger) shouldLog(level LogLevel) bool {
	l.b.mu.RLock()
	defer l.b.mu.RUnlock()
	return level <= l.b.level
}

// log performs the actual logging
func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	if !l.shouldLog(level) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), slogLevels[level], fmt.Sprintf(format, args...), pcs[0])
	r.AddAttrs(slog.String("component", l.prefix))

	l.b.mu.RLock()
	h := l.b.handler
	l.b.mu.RUnlock()
	if err := h.Handle(context.Background(), r); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write log message: %v\n", err)
	}
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

// Trace logs a trace message
func (l *Logger) Trace(format string, args ...interface{}) {
	l.log(LevelTrace, format, args...)
}

// WithPrefix creates a logger for a sub-component. It shares level and
// output with its parent.
func (l *Logger) WithPrefix(prefix string) *Logger {
	return &Logger{
		prefix: prefix,
		b:      l.b,
	}
}
