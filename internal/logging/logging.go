// Package logging builds the single *zap.Logger the orchestrator threads
// through every component constructor. There is no package-level logger:
// Design Note "global manager singletons ... map to explicit dependencies
// passed into the orchestrator constructor" applies to logging too.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls the constructed logger.
type Options struct {
	Level      string // "debug", "info", "warn", "error"
	Production bool   // JSON encoding; false uses console encoding for local runs
}

// New builds a *zap.Logger from Options.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.Set(opts.Level); err != nil {
			return nil, err
		}
	}

	var cfg zap.Config
	if opts.Production {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// Sugar wraps l for the CLI boundary, where printf-style formatting is
// more convenient than structured fields.
func Sugar(l *zap.Logger) *zap.SugaredLogger {
	return l.Sugar()
}
