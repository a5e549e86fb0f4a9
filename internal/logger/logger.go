// Package logger provides level-gated, fixed-column logging for the
// anonymizer service and CLI.
//
// Each entry is a single line:
//
//	2006-01-02 15:04:05.000 | MODULE       | ACTION                 | LEVEL | message
//
// Levels (lowest to highest): debug, info, warn, error.
// Entries below the configured minimum level are dropped.
//
// A nil *Logger is valid and discards everything, so components can take an
// optional logger without guarding every call.
//
// Usage:
//
//	log := logger.New("ANONYMIZER", cfg.LogLevel)
//	log.Infof("anonymize", "replaced %d spans", n)
//	detLog := log.Named("DETECTOR")
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// Level represents a log severity.
type Level int32

// Log severity constants, ordered lowest to highest.
const (
	LevelDebug Level = iota // fine-grained diagnostic output
	LevelInfo               // normal operational messages
	LevelWarn               // unexpected but recoverable conditions
	LevelError              // failures requiring attention
)

var levelLabels = [...]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO ",
	LevelWarn:  "WARN ",
	LevelError: "ERROR",
}

// Logger writes structured log lines for a single module.
// Loggers derived with Named share the level and the output.
type Logger struct {
	module string
	level  *atomic.Int32
	out    *log.Logger
}

// New creates a Logger writing to stderr for the given module, gated at the
// given level string. Unrecognized level strings default to "info".
func New(module, levelStr string) *Logger {
	return NewWithWriter(module, levelStr, os.Stderr)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(module, levelStr string, w io.Writer) *Logger {
	lvl := new(atomic.Int32)
	lvl.Store(int32(ParseLevel(levelStr)))
	return &Logger{
		module: strings.ToUpper(module),
		level:  lvl,
		// The full line is formatted here, so no prefix or flags.
		out: log.New(w, "", 0),
	}
}

// Named returns a logger for another module sharing this logger's level
// and destination.
func (l *Logger) Named(module string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{module: strings.ToUpper(module), level: l.level, out: l.out}
}

// SetLevel changes the minimum log level at runtime. It affects every logger
// derived from the same root.
func (l *Logger) SetLevel(levelStr string) {
	if l == nil {
		return
	}
	l.level.Store(int32(ParseLevel(levelStr)))
}

// Enabled reports whether entries at level would be written.
func (l *Logger) Enabled(level Level) bool {
	return l != nil && level >= Level(l.level.Load())
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(action, msg string) { l.write(LevelDebug, action, msg) }

// Info logs at INFO level.
func (l *Logger) Info(action, msg string) { l.write(LevelInfo, action, msg) }

// Warn logs at WARN level.
func (l *Logger) Warn(action, msg string) { l.write(LevelWarn, action, msg) }

// Error logs at ERROR level.
func (l *Logger) Error(action, msg string) { l.write(LevelError, action, msg) }

// Debugf logs a formatted message at DEBUG level.
func (l *Logger) Debugf(action, format string, args ...any) {
	if l.Enabled(LevelDebug) {
		l.Debug(action, fmt.Sprintf(format, args...))
	}
}

// Infof logs a formatted message at INFO level.
func (l *Logger) Infof(action, format string, args ...any) {
	if l.Enabled(LevelInfo) {
		l.Info(action, fmt.Sprintf(format, args...))
	}
}

// Warnf logs a formatted message at WARN level.
func (l *Logger) Warnf(action, format string, args ...any) {
	if l.Enabled(LevelWarn) {
		l.Warn(action, fmt.Sprintf(format, args...))
	}
}

// Errorf logs a formatted message at ERROR level.
func (l *Logger) Errorf(action, format string, args ...any) {
	if l.Enabled(LevelError) {
		l.Error(action, fmt.Sprintf(format, args...))
	}
}

// Fatalf logs a formatted message at ERROR level and then calls os.Exit(1).
func (l *Logger) Fatalf(action, format string, args ...any) {
	l.Error(action, fmt.Sprintf(format, args...))
	os.Exit(1)
}

func (l *Logger) write(level Level, action, msg string) {
	if !l.Enabled(level) {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	l.out.Printf("%s | %-12s | %-22s | %s | %s", ts, l.module, action, levelLabels[level], msg)
}

// ParseLevel converts a string to a Level, defaulting to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}
