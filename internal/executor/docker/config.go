package docker

import (
	"accessd/internal/config"
	"strings"
	"time"
)

// Config holds configuration for the container backend.
type Config struct {
	Images      map[string]string   // job type -> image
	Commands    map[string][]string // job type -> command overriding the image default
	CPU         float64             // cores per job container, 0 for unlimited
	MemoryMB    int                 // memory per job container, 0 for unlimited
	ExtraHosts  []string            // Extra /etc/hosts entries (e.g., ["db.internal:host-gateway"])
	PullRetries int                 // attempts when pulling a missing image
	StopTimeout time.Duration       // grace period when removing a container

	PullFailureThreshold int           // failed pulls of one image before jobs fail fast
	PullCooldown         time.Duration // how long an image's pulls stay suspended
}

// LoadConfigFromEnv loads backend configuration from environment variables.
func LoadConfigFromEnv() Config {
	var extraHosts []string
	if hosts := config.GetEnv("EXTRA_HOSTS", ""); hosts != "" {
		extraHosts = strings.Split(hosts, ",")
	}

	cfg := Config{
		Images: map[string]string{
			"matrix": config.GetEnv("MATRIX_IMAGE", "spatial-access/matrix:latest"),
			"model":  config.GetEnv("MODEL_IMAGE", "spatial-access/model:latest"),
		},
		CPU:         config.GetFloatEnv("EXECUTOR_CPU", 0),
		MemoryMB:    config.GetIntEnv("EXECUTOR_MEMORY_MB", 0),
		ExtraHosts:  extraHosts,
		PullRetries: config.GetIntEnv("DOCKER_PULL_RETRIES", 3),
		StopTimeout: config.GetDurationEnv("DOCKER_STOP_TIMEOUT", 10*time.Second),

		PullFailureThreshold: config.GetIntEnv("DOCKER_PULL_FAILURE_THRESHOLD", 3),
		PullCooldown:         config.GetDurationEnv("DOCKER_PULL_COOLDOWN", time.Minute),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.PullRetries <= 0 {
		c.PullRetries = 3
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.PullFailureThreshold <= 0 {
		c.PullFailureThreshold = 3
	}
	if c.PullCooldown <= 0 {
		c.PullCooldown = time.Minute
	}
	if c.Images == nil {
		c.Images = map[string]string{}
	}
	return c
}
