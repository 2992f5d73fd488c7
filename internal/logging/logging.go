// Package logging builds the process-wide zap logger for the orchestrator,
// the way the teacher's cmd/nerd/main.go builds its CLI logger: a
// zap.NewProductionConfig with an atomic debug level, constructed once at
// startup and passed down explicitly rather than reached for through a
// global (spec §9 — no module-level mutable singletons).
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger for the given level name ("debug", "info",
// "warn", "error") and JSON/console encoding, plus the AtomicLevel backing
// it so a caller (the config watcher's reload path) can raise or lower
// verbosity without rebuilding the logger.
func New(level string, jsonFormat bool) (*zap.Logger, zap.AtomicLevel, error) {
	cfg := zap.NewProductionConfig()
	if !jsonFormat {
		cfg = zap.NewDevelopmentConfig()
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	atomicLevel := zap.NewAtomicLevelAt(lvl)
	cfg.Level = atomicLevel

	logger, err := cfg.Build()
	if err != nil {
		return nil, atomicLevel, fmt.Errorf("build logger: %w", err)
	}
	return logger, atomicLevel, nil
}

// SetLevel updates level in place, reparsing name and falling back to the
// current level on an unrecognized name.
func SetLevel(level zap.AtomicLevel, name string) {
	lvl, err := zapcore.ParseLevel(name)
	if err != nil {
		return
	}
	level.SetLevel(lvl)
}
