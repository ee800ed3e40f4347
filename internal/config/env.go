package config

import (
	"os"
	"strconv"
)

// applyEnvOverrides applies environment variable overrides.
// Environment wins over the YAML file so deployments can tune safety
// thresholds without editing configs baked into images.
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("PILOT_CRITICAL_HEALTH"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Safety.CriticalHealth = f
		}
	}
	if v := os.Getenv("PILOT_CRITICAL_HUNGER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Safety.CriticalHunger = f
		}
	}
	if v := os.Getenv("PILOT_FAIL_CLOSED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Safety.FailClosed = b
		}
	}
	if v := os.Getenv("PILOT_STUCK_TIMEOUT"); v != "" {
		c.Watchdog.StuckTimeout = v
	}
	if v := os.Getenv("PILOT_DB"); v != "" {
		c.History.DatabasePath = v
	}
	if v := os.Getenv("PILOT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}
