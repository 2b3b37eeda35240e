package logging

import (
	"log/slog"
	"os"
)

// InitLogger builds a logger with the specified level; installing it as
// the slog default is left to the caller. It configures a JSON handler
// with source location information.
func InitLogger(level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	})
	return slog.New(handler)
}

// NewComponentLogger creates a component-specific logger with context.
// It adds the component name to all log messages for better traceability.
func NewComponentLogger(base *slog.Logger, component string) *slog.Logger {
	return base.With(
		slog.String("component", component),
	)
}

// NewSessionLogger derives a logger bound to one voice session. Every
// record carries the session trace ID for end-to-end correlation.
func NewSessionLogger(base *slog.Logger, traceID string) *slog.Logger {
	return base.With(
		slog.String("trace_id", traceID),
	)
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
