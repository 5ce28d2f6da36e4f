package scheduler

import (
	"time"

	"github.com/smallbiznis/marketpay/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	Enabled                bool
	RunInterval            time.Duration
	BatchSize              int
	PendingAge             time.Duration
	HealthFailureThreshold int
	JobTimeout             time.Duration
	EnabledJobs            []string
}

func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		RunInterval:            time.Minute,
		BatchSize:              50,
		PendingAge:             15 * time.Minute,
		HealthFailureThreshold: 3,
		JobTimeout:             30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.PendingAge <= 0 {
		c.PendingAge = defaults.PendingAge
	}
	if c.HealthFailureThreshold <= 0 {
		c.HealthFailureThreshold = defaults.HealthFailureThreshold
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}

// ProvideConfig maps the deployment config onto scheduler settings.
func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:                cfg.Scheduler.Enabled,
		RunInterval:            cfg.Scheduler.TickInterval,
		BatchSize:              cfg.Scheduler.BatchSize,
		PendingAge:             cfg.Scheduler.PendingAge,
		HealthFailureThreshold: cfg.Scheduler.HealthFailureThreshold,
	}.withDefaults()
}
