package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogFileName is the per-run log file written under the run directory.
const LogFileName = "crawler.log"

// SanitizeRunName turns a start URL into a single directory name.
func SanitizeRunName(rawURL string) string {
	name := strings.ReplaceAll(strings.TrimSpace(rawURL), "/", "$(-)")
	if name == "" {
		return "run"
	}
	return name
}

// RunLogPath returns where NewRun writes the log file for rawURL.
func RunLogPath(dir, rawURL string) string {
	return filepath.Join(dir, SanitizeRunName(rawURL), LogFileName)
}

// NewRun builds a logger that writes to the console and to a log file named
// after the run's start URL. The returned close function syncs and closes the file.
func NewRun(dir, rawURL string, development bool) (*zap.Logger, func() error, error) {
	path := RunLogPath(dir, rawURL)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open run log: %w", err)
	}

	console, err := New(development)
	if err != nil {
		_ = file.Close()
		return nil, nil, err
	}

	level := zapcore.InfoLevel
	if development {
		level = zapcore.DebugLevel
	}
	fileEncoderCfg := zap.NewProductionEncoderConfig()
	fileEncoderCfg.TimeKey = "ts"
	fileEncoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoderCfg), zapcore.AddSync(file), level)

	logger := console.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	}))

	closeFn := func() error {
		_ = logger.Sync()
		if err := file.Close(); err != nil {
			return fmt.Errorf("close run log: %w", err)
		}
		return nil
	}
	return logger, closeFn, nil
}
