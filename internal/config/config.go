// Package config provides configuration loading from environment variables
// and an optional YAML file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServiceConfig holds configuration for the access service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	LogLevel          string

	DataDir           string   // Holds manifest.db, resources/ and jobs/
	AllowedExtensions []string // Lowercase, without the leading dot
	MaxUploadSize     int64    // Bytes accepted per upload request
	UploadRateLimit   float64  // Uploads per second, 0 disables limiting

	Workers          int
	ResourceLifespan time.Duration
	JobLifespan      time.Duration
	SweepInterval    time.Duration

	ExecutorBackend string // "docker" or "command"

	NotifyURL        string // webhook for job events, empty disables them
	NotifySigningKey string
}

// fileConfig mirrors ServiceConfig for the YAML overlay. Zero values leave
// the environment setting untouched.
type fileConfig struct {
	Port              string        `yaml:"port"`
	MetricsPort       string        `yaml:"metrics_port"`
	APIKeyFile        string        `yaml:"api_key_file"`
	ShutdownDrainWait time.Duration `yaml:"shutdown_drain_wait"`
	LogLevel          string        `yaml:"log_level"`
	DataDir           string        `yaml:"data_dir"`
	AllowedExtensions []string      `yaml:"allowed_extensions"`
	MaxUploadSize     int64         `yaml:"max_upload_size"`
	UploadRateLimit   float64       `yaml:"upload_rate_limit"`
	Workers           int           `yaml:"workers"`
	ResourceLifespan  time.Duration `yaml:"resource_lifespan"`
	JobLifespan       time.Duration `yaml:"job_lifespan"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	ExecutorBackend   string        `yaml:"executor_backend"`
	NotifyURL         string        `yaml:"notify_url"`
	NotifyKeyFile     string        `yaml:"notify_signing_key_file"`
}

const (
	defaultMaxUploadSize = 512 << 20
	defaultLifespan      = 24 * time.Hour
)

// LoadServiceConfig loads service configuration from environment variables,
// then applies the YAML file named by CONFIG_FILE when set.
func LoadServiceConfig() (*ServiceConfig, error) {
	cfg := &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		LogLevel:          GetEnv("LOG_LEVEL", "info"),
		DataDir:           GetEnv("DATA_DIR", "./data"),
		AllowedExtensions: GetListEnv("ALLOWED_EXTENSIONS", []string{"csv", "png"}),
		MaxUploadSize:     GetInt64Env("MAX_UPLOAD_SIZE", defaultMaxUploadSize),
		UploadRateLimit:   GetFloatEnv("UPLOAD_RATE_LIMIT", 0),
		Workers:           GetIntEnv("WORKERS", 2),
		ResourceLifespan:  GetDurationEnv("RESOURCE_LIFESPAN", defaultLifespan),
		JobLifespan:       GetDurationEnv("JOB_LIFESPAN", defaultLifespan),
		SweepInterval:     GetDurationEnv("SWEEP_INTERVAL", time.Minute),
		ExecutorBackend:   GetEnv("EXECUTOR_BACKEND", "docker"),
		NotifyURL:         GetEnv("NOTIFY_URL", ""),
		NotifySigningKey:  GetSecretFile(GetEnv("NOTIFY_SIGNING_KEY_FILE", "")),
	}

	if path := GetEnv("CONFIG_FILE", ""); path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return nil, err
		}
	}
	return cfg.withDefaults(), nil
}

// ApplyFile overlays non-zero values from a YAML file onto the config.
func (c *ServiceConfig) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&c.Port, fc.Port)
	setString(&c.MetricsPort, fc.MetricsPort)
	if fc.APIKeyFile != "" {
		c.APIKey = GetSecretFile(fc.APIKeyFile)
	}
	setDuration(&c.ShutdownDrainWait, fc.ShutdownDrainWait)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.DataDir, fc.DataDir)
	if len(fc.AllowedExtensions) > 0 {
		c.AllowedExtensions = fc.AllowedExtensions
	}
	if fc.MaxUploadSize > 0 {
		c.MaxUploadSize = fc.MaxUploadSize
	}
	if fc.UploadRateLimit > 0 {
		c.UploadRateLimit = fc.UploadRateLimit
	}
	if fc.Workers > 0 {
		c.Workers = fc.Workers
	}
	setDuration(&c.ResourceLifespan, fc.ResourceLifespan)
	setDuration(&c.JobLifespan, fc.JobLifespan)
	setDuration(&c.SweepInterval, fc.SweepInterval)
	setString(&c.ExecutorBackend, fc.ExecutorBackend)
	setString(&c.NotifyURL, fc.NotifyURL)
	if fc.NotifyKeyFile != "" {
		c.NotifySigningKey = GetSecretFile(fc.NotifyKeyFile)
	}
	return nil
}

// withDefaults fills in zero values with defaults and normalizes extensions.
func (c *ServiceConfig) withDefaults() *ServiceConfig {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxUploadSize <= 0 {
		c.MaxUploadSize = defaultMaxUploadSize
	}
	if c.ResourceLifespan <= 0 {
		c.ResourceLifespan = defaultLifespan
	}
	if c.JobLifespan <= 0 {
		c.JobLifespan = defaultLifespan
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	exts := make([]string, 0, len(c.AllowedExtensions))
	for _, ext := range c.AllowedExtensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			exts = append(exts, ext)
		}
	}
	c.AllowedExtensions = exts
	return c
}

// ManifestPath returns the location of the manifest database.
func (c *ServiceConfig) ManifestPath() string {
	return filepath.Join(c.DataDir, "manifest.db")
}

// ResourceDir returns the directory holding resource blobs.
func (c *ServiceConfig) ResourceDir() string {
	return filepath.Join(c.DataDir, "resources")
}

// JobDir returns the directory holding per-job output directories.
func (c *ServiceConfig) JobDir() string {
	return filepath.Join(c.DataDir, "jobs")
}

// SlogLevel parses LogLevel, defaulting to info.
func (c *ServiceConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}
