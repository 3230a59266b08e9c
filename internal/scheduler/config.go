package scheduler

import (
	"strings"
	"time"

	"github.com/smallbiznis/tokenmeter/internal/config"
)

// Config controls the pending charge sweep.
type Config struct {
	Enabled   bool
	SweepSpec string
	LockTTL   time.Duration
	// JobTimeout bounds one sweep run.
	JobTimeout time.Duration
	// PendingOlderThan overrides the billing pending grace when positive.
	PendingOlderThan time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		SweepSpec:  "@every 5m",
		LockTTL:    2 * time.Minute,
		JobTimeout: 90 * time.Second,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:   cfg.Scheduler.Enabled,
		SweepSpec: cfg.Scheduler.SweepSpec,
		LockTTL:   cfg.Scheduler.LockTTL,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if strings.TrimSpace(c.SweepSpec) == "" {
		c.SweepSpec = defaults.SweepSpec
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
