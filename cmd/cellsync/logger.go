// Package main - logger.go implements structured logging for the cellsync daemon.
//
// Logs are formatted as:
//
//	2024-01-15T10:30:45.123Z INFO  [sync] message key1=value1 key2=value2
//
// Component loggers are created with withPrefix and handed to the library
// packages, whose Logger interfaces the logger satisfies directly. The local
// API server takes a *slog.Logger built by slog at the same verbosity.
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"
)

// logger provides structured logging for the application
type logger struct {
	prefix  string
	verbose bool
}

// newLogger creates a new logger
func newLogger(verbose bool) *logger {
	return &logger{
		verbose: verbose,
		prefix:  "",
	}
}

// withPrefix creates a new logger with a prefix
func (l *logger) withPrefix(prefix string) *logger {
	return &logger{
		verbose: l.verbose,
		prefix:  prefix,
	}
}

// slog returns a text slog.Logger at the same verbosity, for packages that
// log through log/slog.
func (l *logger) slog() *slog.Logger {
	level := slog.LevelInfo
	if l.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// formatMessage formats a log message with key-value pairs
func (l *logger) formatMessage(level, msg string, keysAndValues ...any) string {
	var sb strings.Builder

	sb.WriteString(time.Now().Format("2006-01-02T15:04:05.000Z07:00"))
	sb.WriteString(" ")

	sb.WriteString(fmt.Sprintf("%-5s", level))
	sb.WriteString(" ")

	if l.prefix != "" {
		sb.WriteString("[")
		sb.WriteString(l.prefix)
		sb.WriteString("] ")
	}

	sb.WriteString(msg)

	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprintf("%v", keysAndValues[i])
		var value any
		if i+1 < len(keysAndValues) {
			value = keysAndValues[i+1]
		}

		sb.WriteString(" ")
		sb.WriteString(key)
		sb.WriteString("=")
		sb.WriteString(formatValue(value))
	}

	return sb.String()
}

// formatValue renders durations and times compactly.
func formatValue(v any) string {
	switch value := v.(type) {
	case time.Duration:
		return value.Round(time.Millisecond).String()
	case time.Time:
		if value.IsZero() {
			return "never"
		}
		return value.Format(time.RFC3339)
	case error:
		return value.Error()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Debug logs a debug message (only in verbose mode)
func (l *logger) Debug(msg string, keysAndValues ...any) {
	if l.verbose {
		log.Println(l.formatMessage("DEBUG", msg, keysAndValues...))
	}
}

// Info logs an info message
func (l *logger) Info(msg string, keysAndValues ...any) {
	log.Println(l.formatMessage("INFO", msg, keysAndValues...))
}

// Error logs an error message
func (l *logger) Error(msg string, keysAndValues ...any) {
	log.Println(l.formatMessage("ERROR", msg, keysAndValues...))
}

func init() {
	// Timestamps come from formatMessage
	log.SetFlags(0)
}
