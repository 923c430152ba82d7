// Package logging provides the process-wide structured logger for forge.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
)

// Init builds the global logger. Only the first call has an effect. An
// empty environment falls back to ENVIRONMENT; an empty or unknown level
// keeps the environment's default (debug in development and test, info
// elsewhere).
func Init(environment, level string) {
	once.Do(func() {
		logger = build(environment, level)
	})
}

func build(environment, level string) *zap.Logger {
	if environment == "" {
		environment = os.Getenv("ENVIRONMENT")
	}

	var cfg zap.Config
	switch environment {
	case "development", "test":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	if lvl, err := zapcore.ParseLevel(level); level != "" && err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// L returns the global logger, building it from the environment on first use
func L() *zap.Logger {
	if logger == nil {
		Init("", "")
	}
	return logger
}

// Sync flushes buffered entries. Call before exit.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}

// OrNop returns l, or a no-op logger when l is nil. Constructors use it so
// callers and tests may omit a logger.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
