package scheduler

import (
	"time"

	"github.com/smallbiznis/manuscript/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval      time.Duration
	BatchSize        int
	JobTimeout       time.Duration
	EnabledJobs      []string
	AutoIntake       bool
	AutoIntakeDelay  time.Duration
	OutboxBatchSize  int
	RecoverBatchSize int
}

func DefaultConfig() Config {
	return Config{
		RunInterval:      30 * time.Second,
		BatchSize:        50,
		JobTimeout:       30 * time.Second,
		OutboxBatchSize:  100,
		RecoverBatchSize: 100,
	}
}

// ProvideConfig maps application configuration onto the scheduler.
func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:     cfg.Scheduler.RunInterval,
		BatchSize:       cfg.Scheduler.BatchSize,
		JobTimeout:      cfg.Scheduler.JobTimeout,
		EnabledJobs:     cfg.Scheduler.EnabledJobs,
		AutoIntake:      cfg.AutoIntake.Enabled,
		AutoIntakeDelay: cfg.AutoIntake.Delay,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.AutoIntakeDelay < 0 {
		c.AutoIntakeDelay = 0
	}
	if c.OutboxBatchSize <= 0 {
		c.OutboxBatchSize = defaults.OutboxBatchSize
	}
	if c.RecoverBatchSize <= 0 {
		c.RecoverBatchSize = defaults.RecoverBatchSize
	}
	return c
}
