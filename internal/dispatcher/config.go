package dispatcher

import (
	"accessd/internal/config"
	"time"
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize  int           // pending events buffer (default: 1000)
	Workers     int           // concurrent deliveries (default: 2)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)

	MaxRetries       int           // retries after the first attempt (default: 3)
	RetryBackoff     time.Duration // first retry delay, doubled per attempt (default: 100ms)
	BreakerThreshold int           // failed deliveries before a host's circuit opens (default: 5)
	BreakerCooldown  time.Duration // how long a host's circuit stays open (default: 30s)
	MaxRequeues      int           // times an event waits out an open circuit (default: 10)
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		BufferSize:  config.GetIntEnv("NOTIFY_BUFFER_SIZE", 1000),
		Workers:     config.GetIntEnv("NOTIFY_WORKERS", 2),
		HTTPTimeout: config.GetDurationEnv("NOTIFY_HTTP_TIMEOUT", 10*time.Second),
		MaxRetries:  config.GetIntEnv("NOTIFY_MAX_RETRIES", 3),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 10
	}
	return c
}
