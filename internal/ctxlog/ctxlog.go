// Package ctxlog carries the request-scoped *slog.Logger through
// context.Context, so handlers, the analyzer and the Grad-CAM pipeline log
// with the same request_id and filename attributes.
package ctxlog

import (
	"context"
	"log/slog"
)

type loggerKey struct{}

// WithLogger returns a copy of ctx that carries logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger stored in ctx. Code reached outside a
// request, such as model loading in tests or background work, has no
// request logger; it falls back to slog.Default(), which cmd/server points at
// the configured handler.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}
