package scheduler

import (
	"errors"
	"time"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Config struct {
	// RunInterval is the pause between scheduler passes.
	RunInterval time.Duration
	// BatchSize bounds how many subscriptions one recurring-grant batch loads.
	BatchSize int
	// EnabledJobs limits which jobs run; empty means all.
	EnabledJobs []string
}

func (c Config) withDefaults() Config {
	if c.RunInterval <= 0 {
		c.RunInterval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}
