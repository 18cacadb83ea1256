// Package utils contains shared helpers for the relay: the console
// logger, time and duration helpers, and small generic utilities.
package utils

import (
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	ansiReset   = "\033[0m"
	ansiBright  = "\033[1m"
	ansiRed     = "\033[31m"
	ansiGreen   = "\033[32m"
	ansiYellow  = "\033[33m"
	ansiBlue    = "\033[34m"
	ansiMagenta = "\033[35m"
	ansiCyan    = "\033[36m"
	ansiGray    = "\033[90m"
)

// Level identifies the severity of a log entry.
type Level string

const (
	LevelDebug   Level = "DEBUG"
	LevelInfo    Level = "INFO"
	LevelSuccess Level = "SUCCESS"
	LevelWarn    Level = "WARN"
	LevelError   Level = "ERROR"
)

// LogEntry is one recorded log line.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     Level  `json:"level"`
	Message   string `json:"message"`
}

// LogListener receives every entry as it is logged.
type LogListener func(entry LogEntry)

// Logger writes levelled, colourised lines to stdout and keeps a bounded
// in-memory history for the diagnostics endpoints.
type Logger struct {
	mu         sync.RWMutex
	debug      bool
	noColor    bool
	history    []LogEntry
	maxHistory int
	listeners  []LogListener
}

// NewLogger returns a logger with an empty history ring.
func NewLogger() *Logger {
	return &Logger{
		noColor:    os.Getenv("NO_COLOR") != "",
		maxHistory: 1000,
	}
}

// SetDebug toggles emission of DEBUG entries.
func (l *Logger) SetDebug(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debug = enabled
}

// DebugEnabled reports whether DEBUG entries are emitted.
func (l *Logger) DebugEnabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.debug
}

// AddListener registers a callback invoked for every entry.
func (l *Logger) AddListener(fn LogListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// History returns a copy of the retained entries, oldest first.
func (l *Logger) History() []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]LogEntry, len(l.history))
	copy(out, l.history)
	return out
}

func (l *Logger) paint(color, s string) string {
	if l.noColor {
		return s
	}
	return color + s + ansiReset
}

func (l *Logger) emit(level Level, color string, format string, args ...interface{}) {
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	msg := fmt.Sprintf(format, args...)

	fmt.Fprintf(os.Stdout, "%s %s %s\n",
		l.paint(ansiGray, "["+ts+"]"),
		l.paint(color, "["+string(level)+"]"),
		msg)

	entry := LogEntry{Timestamp: ts, Level: level, Message: msg}

	l.mu.Lock()
	l.history = append(l.history, entry)
	if len(l.history) > l.maxHistory {
		l.history = l.history[1:]
	}
	listeners := make([]LogListener, len(l.listeners))
	copy(listeners, l.listeners)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(entry)
	}
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.emit(LevelInfo, ansiBlue, format, args...)
}

// Success logs a completed-operation message.
func (l *Logger) Success(format string, args ...interface{}) {
	l.emit(LevelSuccess, ansiGreen, format, args...)
}

// Warn logs a recoverable problem.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.emit(LevelWarn, ansiYellow, format, args...)
}

// Error logs a failure.
func (l *Logger) Error(format string, args ...interface{}) {
	l.emit(LevelError, ansiRed, format, args...)
}

// Debug logs a message only when debug mode is on.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.DebugEnabled() {
		l.emit(LevelDebug, ansiMagenta, format, args...)
	}
}

// Plain prints an unadorned line, bypassing level tags and history.
func (l *Logger) Plain(format string, args ...interface{}) {
	fmt.Printf(format, args...)
	fmt.Println()
}

// Header prints a bright section banner for CLI output.
func (l *Logger) Header(title string) {
	fmt.Printf("\n%s=== %s ===%s\n\n", ansiBright+ansiCyan, title, ansiReset)
}

var (
	defaultLogger     *Logger
	defaultLoggerOnce sync.Once
)

// GetLogger returns the process-wide logger.
func GetLogger() *Logger {
	defaultLoggerOnce.Do(func() {
		defaultLogger = NewLogger()
	})
	return defaultLogger
}

// Info logs through the process-wide logger.
func Info(format string, args ...interface{}) { GetLogger().Info(format, args...) }

// Success logs through the process-wide logger.
func Success(format string, args ...interface{}) { GetLogger().Success(format, args...) }

// Warn logs through the process-wide logger.
func Warn(format string, args ...interface{}) { GetLogger().Warn(format, args...) }

// Error logs through the process-wide logger.
func Error(format string, args ...interface{}) { GetLogger().Error(format, args...) }

// Debug logs through the process-wide logger.
func Debug(format string, args ...interface{}) { GetLogger().Debug(format, args...) }

// SetDebug toggles debug mode on the process-wide logger.
func SetDebug(enabled bool) { GetLogger().SetDebug(enabled) }

// IsDebug reports the process-wide logger's debug mode.
func IsDebug() bool { return GetLogger().DebugEnabled() }
