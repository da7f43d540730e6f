// Package logging provides the process-wide structured logger. It keeps
// the debug-mode toggle idiom of a plain build-time flag plus a runtime
// environment override, but emits structured zap records rather than raw
// Printf lines, so every planner/store/adapter log line carries consistent
// fields (component, path, group_id).
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnableDebug can be overridden at build time:
//
//	go build -ldflags "-X github.com/standardbeagle/mediastate/internal/logging.EnableDebug=true"
var EnableDebug = "false"

var (
	mu   sync.Mutex
	base *zap.Logger
)

func init() {
	base = newLogger(levelFromEnv())
}

func levelFromEnv() zapcore.Level {
	if IsDebugEnabled() {
		return zapcore.DebugLevel
	}
	if lvl := os.Getenv("STATE_LOG_LEVEL"); lvl != "" {
		var l zapcore.Level
		if err := l.UnmarshalText([]byte(lvl)); err == nil {
			return l
		}
	}
	return zapcore.InfoLevel
}

func newLogger(level zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// IsDebugEnabled mirrors the build-flag-plus-env-override pattern: debug
// mode is on if compiled in, or if STATE_LOG_LEVEL=debug at runtime.
func IsDebugEnabled() bool {
	if EnableDebug == "true" {
		return true
	}
	return os.Getenv("STATE_LOG_LEVEL") == "debug"
}

// SetLevel replaces the process-wide logger's minimum level.
func SetLevel(level string) {
	mu.Lock()
	defer mu.Unlock()
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return
	}
	_ = base.Sync()
	base = newLogger(l)
}

// For returns a logger scoped to a named component, e.g. For("planner").
func For(component string) *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	return base.With(zap.String("component", component))
}

// Sync flushes any buffered log entries. Call on shutdown.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	_ = base.Sync()
}
