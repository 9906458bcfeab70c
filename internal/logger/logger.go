// Package logger provides structured logging using log/slog.
// It sets up a JSON handler with service-level context and carries the
// instrument symbol through context.Context.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type ctxKey string

const symbolKey ctxKey = "symbol"

// Init creates a JSON logger on stdout for the given service and installs it
// as the slog default.
func Init(service string, level slog.Level) *slog.Logger {
	return InitWriter(os.Stdout, service, level)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)
	slog.SetDefault(logger)

	return logger
}

// ParseLevel maps debug, info, warn and error (case-insensitive) to a level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
}

// WithSymbol stores the instrument symbol in the context.
func WithSymbol(ctx context.Context, symbol string) context.Context {
	return context.WithValue(ctx, symbolKey, symbol)
}

// Symbol extracts the symbol from context. Returns "" if not set.
func Symbol(ctx context.Context) string {
	if v, ok := ctx.Value(symbolKey).(string); ok {
		return v
	}
	return ""
}

// LogWithSymbol returns slog attributes including the symbol from context.
// Usage: slog.Info("msg", logger.LogWithSymbol(ctx)...)
func LogWithSymbol(ctx context.Context) []any {
	sym := Symbol(ctx)
	if sym == "" {
		return nil
	}
	return []any{slog.String("symbol", sym)}
}
