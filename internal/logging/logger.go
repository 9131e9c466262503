// Package logging builds the zap loggers used by a crawl run.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func consoleConfig(development bool) zap.Config {
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	// Sampling would drop repeated per-image lines.
	cfg.Sampling = nil
	return cfg
}

// New builds a stderr logger. Development mode logs debug lines in color,
// production mode writes JSON at info.
func New(development bool) (*zap.Logger, error) {
	logger, err := consoleConfig(development).Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("build console logger: %w", err)
	}
	return logger, nil
}
