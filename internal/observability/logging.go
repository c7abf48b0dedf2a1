// Package observability provides logging utilities for the campus server.
package observability

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cory-johannsen/campus/internal/config"
)

// NewLogger creates a structured logger from the given logging configuration.
// The "console" format is for local development; "json" is the production
// encoding and samples repeated entries so a hot dispatch path cannot flood
// the output.
//
// Precondition: cfg.Level must be one of "debug", "info", "warn", "error".
// Precondition: cfg.Format must be "json" or "console".
// Postcondition: Returns a configured zap.Logger or a non-nil error.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var core zapcore.Core
	switch cfg.Format {
	case "json":
		core = zapcore.NewCore(
			zapcore.NewJSONEncoder(encCfg),
			zapcore.Lock(os.Stdout),
			level,
		)
		core = zapcore.NewSamplerWithOptions(core, time.Second, 100, 10)
	case "console":
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		core = zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.Lock(os.Stderr),
			level,
		)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	logger := zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	return logger.Named("campus"), nil
}
