// Package logging builds the structured loggers used across the engine.
// Every long-lived component takes a *zap.Logger (or, at a package boundary
// written against logr, the zapr adapter) instead of reaching for the
// global log package.
package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-shaped JSON logger, or a console-encoded one in
// dev mode for readability while iterating locally.
func New(dev bool) *zap.Logger {
	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Sampling = nil
	}
	logger, err := cfg.Build()
	if err != nil {
		// Fall back to a no-op logger rather than panic at startup; callers
		// still get a non-nil logger so every downstream WithFields works.
		return zap.NewNop()
	}
	return logger
}

// LogR adapts a zap logger to logr.Logger for code written against the logr
// interface. No package in this module calls it; the lock manager takes no
// logger and fastkv takes a *zap.Logger directly.
func LogR(z *zap.Logger) logr.Logger {
	return zapr.NewLogger(z)
}

// Component returns a child logger tagged with a "component" field, the
// convention every package in this engine uses instead of ad hoc prefixes.
func Component(z *zap.Logger, name string) *zap.Logger {
	return z.With(zap.String("component", name))
}
