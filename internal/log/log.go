// Package log builds the process logger from configuration.
package log

import (
	"go.uber.org/zap"

	"github.com/ebogdum/artilock/config"
)

// New returns a production logger for the json format and a development
// logger otherwise, at the configured level.
func New(logCfg config.LogConfig) (*zap.Logger, error) {
	var cfg zap.Config

	if logCfg.Format == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	switch logCfg.Level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	// Diagnostics go to stderr so `exec` leaves the child's stdout alone.
	cfg.OutputPaths = []string{"stderr"}

	return cfg.Build()
}
