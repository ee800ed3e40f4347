package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10.0, cfg.Safety.CriticalHealth)
	assert.Equal(t, 6.0, cfg.Safety.CriticalHunger)
	assert.False(t, cfg.Safety.FailClosed)
	assert.Equal(t, 3, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, 3, cfg.Executor.FastLoopCount)
	assert.Equal(t, 5, cfg.Executor.InfiniteLoopCount)
	assert.Contains(t, cfg.Safety.DestructiveCommands, "restart")
	assert.Contains(t, cfg.Safety.FoodCommands, "eat")
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Safety.CriticalHealth, cfg.Safety.CriticalHealth)
}

func TestLoadLayersFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pilot.yaml")
	data := `
name: tester
safety:
  critical_health: 8
  fail_closed: true
executor:
  stop_ceiling: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tester", cfg.Name)
	assert.Equal(t, 8.0, cfg.Safety.CriticalHealth)
	assert.True(t, cfg.Safety.FailClosed)
	assert.Equal(t, "2s", cfg.Executor.StopCeiling)
	// Untouched sections keep their defaults.
	assert.Equal(t, "10m", cfg.Executor.DefaultTimeout)
	assert.Equal(t, 3, cfg.Scheduler.MaxAttempts)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("safety: [not a map"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("safety:\n  critical_health: 8\n"), 0644))

	t.Setenv("PILOT_CRITICAL_HEALTH", "15")
	t.Setenv("PILOT_FAIL_CLOSED", "true")
	t.Setenv("PILOT_STUCK_TIMEOUT", "45s")
	t.Setenv("PILOT_DB", "/tmp/other.db")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 15.0, cfg.Safety.CriticalHealth)
	assert.True(t, cfg.Safety.FailClosed)
	assert.Equal(t, "45s", cfg.Watchdog.StuckTimeout)
	assert.Equal(t, "/tmp/other.db", cfg.History.DatabasePath)
}

func TestEnvOverridesIgnoreGarbage(t *testing.T) {
	t.Setenv("PILOT_CRITICAL_HEALTH", "not-a-number")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Safety.CriticalHealth, cfg.Safety.CriticalHealth)
}

func TestValidateCatchesBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative critical health", func(c *Config) { c.Safety.CriticalHealth = -1 }},
		{"zero fast loop count", func(c *Config) { c.Executor.FastLoopCount = 0 }},
		{"infinite below fast", func(c *Config) { c.Executor.InfiniteLoopCount = c.Executor.FastLoopCount }},
		{"zero max attempts", func(c *Config) { c.Scheduler.MaxAttempts = 0 }},
		{"negative epsilon", func(c *Config) { c.Watchdog.MovementEpsilon = -0.5 }},
		{"bad stop ceiling", func(c *Config) { c.Executor.StopCeiling = "soon" }},
		{"bad tick interval", func(c *Config) { c.Scheduler.TickInterval = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 2*time.Second, ParseDuration("2s", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("garbage", time.Minute))
}
