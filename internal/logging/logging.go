// Package logging builds the process loggers and holds the package-level
// default used by components constructed without an injected logger.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction.
type Options struct {
	// Verbose lowers the level from info to debug.
	Verbose bool

	// LogDir, when set, adds a file sink at <LogDir>/huntsman.log
	// alongside stderr. The directory is created if missing.
	LogDir string
}

// New builds a sugared logger. Callers own calling Sync on shutdown.
func New(opts Options) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.OutputPaths = []string{"stderr"}

	if opts.Verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	if opts.LogDir != "" {
		if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		cfg.OutputPaths = append(cfg.OutputPaths, filepath.Join(opts.LogDir, "huntsman.log"))
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Sugar(), nil
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = zap.NewNop().Sugar()
)

// Default returns the process-wide fallback logger. It is never nil.
func Default() *zap.SugaredLogger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault replaces the fallback logger. Passing nil installs a no-op
// logger rather than leaving a nil behind.
func SetDefault(l *zap.SugaredLogger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if l == nil {
		l = zap.NewNop().Sugar()
	}
	defaultLogger = l
}

// OrDefault returns l if non-nil, otherwise the package default.
func OrDefault(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l != nil {
		return l
	}
	return Default()
}
