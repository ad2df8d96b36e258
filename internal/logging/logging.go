// Package logging builds the zap loggers used across thingosdci. There is
// no controller-runtime manager to hand loggers out here, so every core
// constructor takes one explicitly instead of pulling it from a context.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.SugaredLogger at the given level. dev selects the
// console encoder (human-readable, colorized level) used by `thingosdci
// serve --dev`; production uses the JSON encoder.
func New(level string, dev bool) (*zap.SugaredLogger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	return logger.Sugar(), nil
}
