// Package logging provides structured logging backed by zap.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger = zap.NewNop()

// Config holds logging configuration.
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json" or "console"
}

// Init configures the package-level logger. Call once at startup.
func Init(cfg Config) error {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	l, err := zc.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	logger = l
	return nil
}

// L returns the underlying zap logger.
func L() *zap.Logger { return logger }

// Sync flushes buffered log entries.
func Sync() {
	_ = logger.Sync()
}

// Debug logs at debug level.
func Debug(msg string, fields ...zap.Field) { logger.Debug(msg, fields...) }

// Info logs at info level.
func Info(msg string, fields ...zap.Field) { logger.Info(msg, fields...) }

// Warn logs at warn level.
func Warn(msg string, fields ...zap.Field) { logger.Warn(msg, fields...) }

// Error logs at error level.
func Error(msg string, fields ...zap.Field) { logger.Error(msg, fields...) }

// Fatal logs at fatal level and exits.
func Fatal(msg string, fields ...zap.Field) { logger.Fatal(msg, fields...) }
