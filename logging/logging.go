// Package logging constructs the process logger. Components receive a
// *zap.Logger through their constructors; nothing logs through a global.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cockroachdb/errors"
)

// Config selects the log level and output encoding.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string

	// JSON switches to structured production output; the default is a
	// human-readable console encoding.
	JSON bool
}

// DefaultConfig logs human-readable output at info level.
func DefaultConfig() Config {
	return Config{Level: "info"}
}

// New builds a logger from the config.
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, errors.Wrapf(err, "log level %q", cfg.Level)
	}

	var zapCfg zap.Config
	if cfg.JSON {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	return logger, nil
}
