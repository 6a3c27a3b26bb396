package log

import (
	"context"
	golog "log"
	"strings"
)

type contextKey string

const (
	loggerKey contextKey = "opencode-mem.logger"
)

var defaultLevel = LevelWarn

// SetDefaultLevel sets the default log level.
func SetDefaultLevel(level Level) {
	defaultLevel = level
}

// GetDefaultLevel returns the default log level.
func GetDefaultLevel() Level {
	return defaultLevel
}

// Logger is the request-scoped logging interface threaded through C2/C3/
// C5/C6/C7: each component calls With to tag its own identifiers
// (session_id, peer_id, device_id) onto every subsequent line. It aligns
// with the slog package but allows swapping in another backend (e.g.
// zerolog) behind the same five methods.
type Logger interface {
	// Debug logs a message at debug level with optional key-value pairs
	Debug(msg string, args ...any)

	// Info logs a message at info level with optional key-value pairs
	Info(msg string, args ...any)

	// Warn logs a message at warn level with optional key-value pairs
	Warn(msg string, args ...any)

	// Error logs a message at error level with optional key-value pairs
	Error(msg string, args ...any)

	// With returns a Logger that includes the given attributes in each
	// output operation.
	With(args ...any) Logger
}

// WithLogger returns a new context with the given logger.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// Ctx returns the logger from the given context.
func Ctx(ctx context.Context) Logger {
	if ctx == nil {
		return New(defaultLevel)
	}
	logger, ok := ctx.Value(loggerKey).(Logger)
	if !ok {
		return New(defaultLevel)
	}
	return logger
}

// LevelFromString converts a string to a Level, returning the default
// level for an unrecognised string.
func LevelFromString(value string) Level {
	switch strings.ToLower(value) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return defaultLevel
	}
}

// Fatal wraps the standard library log.Fatal function.
func Fatal(args ...any) {
	golog.Fatal(args...)
}
