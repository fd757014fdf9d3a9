// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides structured, component-scoped logging on top of
// log/slog, used throughout flywall's services instead of the standard
// library's bare logger.
package logging

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps an *slog.Logger with a fluent, component-scoped API.
type Logger struct {
	base *slog.Logger
}

var defaultLogger = &Logger{base: slog.New(slog.NewTextHandler(os.Stderr, nil))}

// Default returns the process-wide default logger.
func Default() *Logger {
	return defaultLogger
}

// SetDefault replaces the process-wide default logger.
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger = l
	}
}

// New builds a Logger backed by the given slog.Handler.
func New(handler slog.Handler) *Logger {
	return &Logger{base: slog.New(handler)}
}

// WithComponent returns a Logger that tags every record with "component".
func WithComponent(name string) *Logger {
	return Default().WithComponent(name)
}

// WithComponent returns a derived Logger tagging every record with "component".
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{base: l.base.With("component", name)}
}

// WithError returns a derived Logger carrying the given error as an attribute.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{base: l.base.With("error", err.Error())}
}

// With returns a derived Logger carrying the given key/value pairs.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{base: l.base.With(kv...)}
}

func (l *Logger) Debug(msg string, kv ...any) { l.base.Debug(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)   { l.base.Info(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)   { l.base.Warn(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any)  { l.base.Error(msg, kv...) }

// DebugContext logs at debug level, attaching values from ctx if the handler supports it.
func (l *Logger) DebugContext(ctx context.Context, msg string, kv ...any) {
	l.base.DebugContext(ctx, msg, kv...)
}

// Slog returns the underlying *slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.base
}

// Package-level convenience functions delegating to the default logger.
func Debug(msg string, kv ...any) { Default().Debug(msg, kv...) }
func Info(msg string, kv ...any)  { Default().Info(msg, kv...) }
func Warn(msg string, kv ...any)  { Default().Warn(msg, kv...) }
func Error(msg string, kv ...any) { Default().Error(msg, kv...) }
