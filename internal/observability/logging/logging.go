package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	"backplane/internal/observability/middleware"
)

type Config struct {
	ServiceName string
	Environment string
	Level       string
	// Output defaults to stdout.
	Output io.Writer
}

func NewLogger(cfg Config) *slog.Logger {
	level := new(slog.LevelVar)

	switch cfg.Level {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: level,
	})

	return slog.New(handler).With(
		slog.String("service", cfg.ServiceName),
		slog.String("env", cfg.Environment),
	)
}

// FromContext returns the default logger annotated with the request and
// trace IDs carried by ctx, if any.
func FromContext(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if ctx == nil {
		return l
	}
	if id := middleware.RequestIDFromContext(ctx); id != "" {
		l = l.With("request_id", id)
	}
	if id := middleware.TraceIDFromContext(ctx); id != "" {
		l = l.With("trace_id", id)
	}
	return l
}
