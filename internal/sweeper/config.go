package sweeper

import "time"

// Config controls sweep cadence, stuck-phase timeouts and batch sizes.
type Config struct {
	RunInterval       time.Duration
	GenerationTimeout time.Duration
	DeployTimeout     time.Duration
	BatchSize         int
	LockTTL           time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		GenerationTimeout: 10 * time.Minute,
		DeployTimeout:     15 * time.Minute,
		BatchSize:         50,
		LockTTL:           5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = defaults.GenerationTimeout
	}
	if c.DeployTimeout <= 0 {
		c.DeployTimeout = defaults.DeployTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}
