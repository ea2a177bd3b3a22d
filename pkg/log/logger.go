// Package log provides zap setup shared by every payprocd package: JSON
// in live mode, zap's development console encoder in test/dev mode, and a
// context-carried logger so a request's peer credentials can ride along
// without threading a *zap.Logger through every call (SPEC_FULL.md §1.1).
package log

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

const loggerKey ctxKey = "logger"

var (
	defaultLogger *zap.Logger
	once          sync.Once
)

// WithLogger attaches l to ctx.
func WithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext returns the logger attached to ctx, or the process default.
func FromContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return GetLogger()
	}
	if l, ok := ctx.Value(loggerKey).(*zap.Logger); ok && l != nil {
		return l
	}
	return GetLogger()
}

// GetLogger returns the lazily-built process-wide default logger.
func GetLogger() *zap.Logger {
	once.Do(func() {
		l, err := NewLogger()
		if err != nil {
			l = zap.NewExample()
			l.Warn("failed to initialize logger, using fallback", zap.Error(err))
		}
		defaultLogger = l
	})
	if defaultLogger == nil {
		defaultLogger = zap.NewNop()
	}
	return defaultLogger
}

// NewLogger builds a logger from APP_MODE: "live"/"prod" gets JSON output,
// anything else gets zap's development console encoder at debug level.
func NewLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()

	mode := os.Getenv("APP_MODE")
	if mode != "live" && mode != "prod" {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

// New builds a logger, falling back to zap.NewExample on build failure.
func New() *zap.Logger {
	l, err := NewLogger()
	if err != nil {
		fallback := zap.NewExample()
		fallback.Warn("unable to build configured logger, using example fallback", zap.Error(err))
		return fallback
	}
	return l
}

// SyncLogger flushes l and returns l.Sync's error unfiltered, including
// the error that syncing stdout or stderr can report; a nil l is a no-op.
func SyncLogger(l *zap.Logger) error {
	if l == nil {
		return nil
	}
	return l.Sync()
}
