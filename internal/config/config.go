// Package config holds all pilot configuration.
// Every tunable the control core recognizes lives here: safety thresholds
// and command categories, executor timeouts and loop-breaker bounds,
// scheduler retry limits, watchdog windows, and the journal location.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"pilot/internal/logging"
)

// Config holds all pilot configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Safety gate
	Safety SafetyConfig `yaml:"safety"`

	// Action execution
	Executor ExecutorConfig `yaml:"executor"`

	// Goal scheduling
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Stuck detection
	Watchdog WatchdogConfig `yaml:"watchdog"`

	// Persistent journal
	History HistoryConfig `yaml:"history"`

	// Logging
	Logging logging.Config `yaml:"logging"`
}

// SafetyConfig configures the arbiter. Command categories are explicit
// enumerations; no substring matching against command names is done anywhere.
type SafetyConfig struct {
	CriticalHealth float64 `yaml:"critical_health"` // Below this, dangerous commands are vetoed
	CriticalHunger float64 `yaml:"critical_hunger"` // Below this, only food/safe commands pass

	DestructiveCommands []string `yaml:"destructive_commands"` // Require trust
	DangerousCommands   []string `yaml:"dangerous_commands"`   // Vetoed at critical health
	SafeCommands        []string `yaml:"safe_commands"`        // Always allowed while starving
	FoodCommands        []string `yaml:"food_commands"`        // Allowed while starving

	// FailClosed vetoes commands when vitals are unavailable (agent not yet
	// embodied). The reference behavior is fail-open; deployments with a
	// lower risk tolerance should enable this.
	FailClosed bool `yaml:"fail_closed"`
}

// ExecutorConfig configures the action executor.
type ExecutorConfig struct {
	DefaultTimeout string `yaml:"default_timeout"` // Per-action timeout when the caller sets none
	StopCeiling    string `yaml:"stop_ceiling"`    // Max wait for a cooperative stop before fatal escalation

	// Loop breaker: actions arriving closer together than RapidWindow count
	// as rapid repeats. Past FastLoopCount the pending resume is cancelled;
	// past InfiniteLoopCount the agent is shut down.
	RapidWindow       string `yaml:"rapid_window"`
	FastLoopCount     int    `yaml:"fast_loop_count"`
	InfiniteLoopCount int    `yaml:"infinite_loop_count"`

	OutputLimit int `yaml:"output_limit"` // Truncation bound for output summaries in signals
}

// SchedulerConfig configures the goal scheduler.
type SchedulerConfig struct {
	MaxAttempts  int    `yaml:"max_attempts"`  // Dequeues allowed before a goal is abandoned
	TickInterval string `yaml:"tick_interval"` // Spacing of scheduler ticks in the run loop
}

// WatchdogConfig configures the liveness monitor.
type WatchdogConfig struct {
	PollInterval    string  `yaml:"poll_interval"`    // Position sampling interval
	StuckTimeout    string  `yaml:"stuck_timeout"`    // No-progress window before recovery triggers
	MovementEpsilon float64 `yaml:"movement_epsilon"` // Minimum displacement that counts as progress
}

// HistoryConfig configures the persistent journal.
type HistoryConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Name:    "pilot",
		Version: "0.1.0",
		Safety: SafetyConfig{
			CriticalHealth:      10,
			CriticalHunger:      6,
			DestructiveCommands: []string{"clearChat", "restart", "remember"},
			DangerousCommands:   []string{"attack", "build", "collectBlocks"},
			SafeCommands:        []string{"goToPlayer", "stay", "stop"},
			FoodCommands:        []string{"eat", "consume"},
			FailClosed:          false,
		},
		Executor: ExecutorConfig{
			DefaultTimeout:    "10m",
			StopCeiling:       "10s",
			RapidWindow:       "20ms",
			FastLoopCount:     3,
			InfiniteLoopCount: 5,
			OutputLimit:       500,
		},
		Scheduler: SchedulerConfig{
			MaxAttempts:  3,
			TickInterval: "1s",
		},
		Watchdog: WatchdogConfig{
			PollInterval:    "3s",
			StuckTimeout:    "30s",
			MovementEpsilon: 0.5,
		},
		History: HistoryConfig{
			DatabasePath: ".pilot/journal.db",
		},
		Logging: logging.Config{
			Level: "info",
		},
	}
}

// Load reads configuration from a YAML file, layering it over defaults and
// then applying PILOT_* environment overrides. A missing file is not an
// error; defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values that would wedge the core.
func (c *Config) Validate() error {
	if c.Safety.CriticalHealth < 0 {
		return fmt.Errorf("safety.critical_health must be >= 0, got %v", c.Safety.CriticalHealth)
	}
	if c.Safety.CriticalHunger < 0 {
		return fmt.Errorf("safety.critical_hunger must be >= 0, got %v", c.Safety.CriticalHunger)
	}
	if c.Executor.FastLoopCount <= 0 {
		return fmt.Errorf("executor.fast_loop_count must be > 0, got %d", c.Executor.FastLoopCount)
	}
	if c.Executor.InfiniteLoopCount <= c.Executor.FastLoopCount {
		return fmt.Errorf("executor.infinite_loop_count (%d) must exceed fast_loop_count (%d)",
			c.Executor.InfiniteLoopCount, c.Executor.FastLoopCount)
	}
	if c.Scheduler.MaxAttempts <= 0 {
		return fmt.Errorf("scheduler.max_attempts must be > 0, got %d", c.Scheduler.MaxAttempts)
	}
	if c.Watchdog.MovementEpsilon < 0 {
		return fmt.Errorf("watchdog.movement_epsilon must be >= 0, got %v", c.Watchdog.MovementEpsilon)
	}
	for _, d := range []struct {
		name, value string
	}{
		{"executor.default_timeout", c.Executor.DefaultTimeout},
		{"executor.stop_ceiling", c.Executor.StopCeiling},
		{"executor.rapid_window", c.Executor.RapidWindow},
		{"scheduler.tick_interval", c.Scheduler.TickInterval},
		{"watchdog.poll_interval", c.Watchdog.PollInterval},
		{"watchdog.stuck_timeout", c.Watchdog.StuckTimeout},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("%s: invalid duration %q", d.name, d.value)
		}
	}
	return nil
}

// ParseDuration parses a config duration string, falling back to def when the
// string is empty or malformed. Validate catches malformed values at load
// time; the fallback covers zero-value configs built in code.
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
