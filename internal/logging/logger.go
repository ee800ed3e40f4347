// Package logging provides categorized logging for pilot.
// Each subsystem logs under its own category so noisy components can be
// silenced independently. Backed by zap; before Initialize is called all
// loggers are no-ops, which keeps tests quiet by default.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup and wiring
	CategoryBus       Category = "bus"       // Signal bus dispatch
	CategoryResource  Category = "resource"  // Control resource locks
	CategoryArbiter   Category = "arbiter"   // Safety gate decisions
	CategoryExecutor  Category = "executor"  // Action execution lifecycle
	CategoryScheduler Category = "scheduler" // Goal queue and survival checks
	CategoryWatchdog  Category = "watchdog"  // Stuck detection
	CategoryHistory   Category = "history"   // Journal writes
	CategoryAgent     Category = "agent"     // Facade and directive routing
)

// Config controls the logging backend.
type Config struct {
	Level       string `yaml:"level"`       // debug, info, warn, error
	Development bool   `yaml:"development"` // Console encoder with caller info
}

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	loggers = make(map[Category]*Logger)
)

// Logger wraps a category-named sugared logger.
// Methods are printf-style to match call sites throughout the codebase.
type Logger struct {
	s *zap.SugaredLogger
}

// Initialize builds the zap backend. Safe to call more than once; the last
// call wins. Call sites fetch loggers via Get each time, so the new backend
// applies everywhere after this returns. Handles cached by callers keep the
// backend they were created with.
func Initialize(cfg Config) error {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	mu.Lock()
	root = logger
	loggers = make(map[Category]*Logger)
	mu.Unlock()
	return nil
}

// Get returns the logger for a category, creating it on first use.
func Get(c Category) *Logger {
	mu.RLock()
	if l, ok := loggers[c]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[c]; ok {
		return l
	}
	l := &Logger{s: root.Named(string(c)).Sugar()}
	loggers[c] = l
	return l
}

// Sync flushes buffered log entries. Call before process exit.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}

func (l *Logger) Debug(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.s.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.s.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.s.Errorf(format, args...) }
