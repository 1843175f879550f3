// Package telemetry wires up the structured logger shared by every engine.
//
// The corpus consistently reaches for go.uber.org/zap for this (the
// Monte-Carlo simulator, the portfolio optimizer, and the backtest engine
// all log through it); this package centralizes that choice so the rest of
// the module never touches zap's constructors directly.
package telemetry

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process-wide logger. dev selects a human-readable
// console encoder (local runs); otherwise JSON is used, matching how the
// corpus splits "dev" vs "prod" zap configs.
func NewLogger(dev bool) *zap.Logger {
	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.OutputPaths = []string{"stdout"}

	logger, err := cfg.Build()
	if err != nil {
		// Telemetry must never block startup; fall back to a minimal logger.
		fallback, _ := zap.NewProduction()
		if fallback == nil {
			fallback = zap.NewNop()
		}
		fallback.Sugar().Warnf("telemetry: falling back to default logger: %v", err)
		return fallback
	}
	return logger
}

// NewLoggerFromEnv picks dev/prod mode from DIFFSTOCK_ENV (defaults to
// production-style JSON logging).
func NewLoggerFromEnv() *zap.Logger {
	return NewLogger(os.Getenv("DIFFSTOCK_ENV") == "dev")
}

// Named returns a child logger scoped to one engine, e.g. "trainer",
// "inference", "paper", "control".
func Named(base *zap.Logger, component string) *zap.Logger {
	return base.Named(component)
}
