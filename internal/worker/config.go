package worker

import "time"

// Config holds configuration for the worker pool.
type Config struct {
	Workers        int           // concurrent executions (default: 2)
	JobDir         string        // parent of per-job output directories
	ReportInterval time.Duration // queue depth metric period (default: 5s)
	ClaimAttempts  int           // manifest claim tries before requeueing (default: 3)
	ClaimBackoff   time.Duration // first delay between claim tries (default: 50ms)
	Notifier       Notifier      // optional, told about every recorded outcome
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.JobDir == "" {
		c.JobDir = "jobs"
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = 5 * time.Second
	}
	if c.ClaimAttempts <= 0 {
		c.ClaimAttempts = 3
	}
	if c.ClaimBackoff <= 0 {
		c.ClaimBackoff = 50 * time.Millisecond
	}
	return c
}
