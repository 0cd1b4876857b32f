package logging

import (
	"context"

	"go.uber.org/zap"
)

type loggerContextKey struct{}

// ContextWithLogger attaches logger to ctx.
func ContextWithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// LoggerFromContext returns the logger attached to ctx, if any.
func LoggerFromContext(ctx context.Context) (*zap.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey{}).(*zap.Logger)
	return logger, ok && logger != nil
}

// FromContextOr returns the logger attached to ctx or fallback.
func FromContextOr(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if logger, ok := LoggerFromContext(ctx); ok {
		return logger
	}
	return fallback
}

// SessionLogger scopes a logger to one streaming session.
func SessionLogger(base *zap.Logger, sessionID, clientID string) *zap.Logger {
	return base.With(zap.String("session_id", sessionID), zap.String("client_id", clientID))
}
