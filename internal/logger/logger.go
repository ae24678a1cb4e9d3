// Package logger provides structured logging using log/slog.
// It sets up a JSON handler with service-level context and carries a
// connection id through context.Context so every record emitted for one
// feed connection can be correlated.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

type ctxKey string

const connIDKey ctxKey = "conn_id"

// Init creates and returns a structured logger for the given service.
// The logger outputs JSON to stdout with the service name embedded.
func Init(service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)

	// Set as default so log/slog.Info() etc. also use structured output
	slog.SetDefault(logger)

	return logger
}

// ParseLevel maps "debug", "info", "warn"/"warning" and "error" to a slog
// level. Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithConnID stores a feed connection id in the context.
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey, id)
}

// ConnID extracts the connection id from context. Returns "" if not set.
func ConnID(ctx context.Context) string {
	if v, ok := ctx.Value(connIDKey).(string); ok {
		return v
	}
	return ""
}

// Attrs returns slog attributes carried by ctx.
// Usage: log.With(logger.Attrs(ctx)...)
func Attrs(ctx context.Context) []any {
	id := ConnID(ctx)
	if id == "" {
		return nil
	}
	return []any{slog.String("conn_id", id)}
}
