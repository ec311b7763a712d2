package main

import (
	"accessd/internal/config"
	"accessd/internal/manifest"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "accessd", cmd.Use)
	assert.NotNil(t, cmd.RunE, "root runs the service by default")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()

	for _, name := range []string{"serve", "sweep"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	for _, name := range []string{"config", "data-dir", "log-level"} {
		require.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
	for _, name := range []string{"port", "metrics-port", "workers", "backend"} {
		require.NotNil(t, cmd.Flags().Lookup(name), "root accepts serve flag %s", name)
	}
}

// clearEnv isolates a test from configuration in the environment.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"CONFIG_FILE", "DATA_DIR", "LOG_LEVEL", "JOB_LIFESPAN", "RESOURCE_LIFESPAN", "EXECUTOR_BACKEND"} {
		t.Setenv(key, "")
	}
}

// loadWithArgs runs loadConfig under a command parsed from args.
func loadWithArgs(t *testing.T, args ...string) *config.ServiceConfig {
	t.Helper()
	opts := &RootOptions{}
	var got *config.ServiceConfig
	cmd := &cobra.Command{
		Use: "test",
		RunE: func(c *cobra.Command, _ []string) error {
			var err error
			got, err = loadConfig(c, opts)
			return err
		},
	}
	bindRootFlags(cmd, opts)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	require.NotNil(t, got)
	return got
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("DATA_DIR", "/from/env")
	t.Setenv("LOG_LEVEL", "debug")

	cfgFile := filepath.Join(dir, "accessd.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("log_level: warn\nworkers: 7\n"), 0o644))

	t.Run("environment", func(t *testing.T) {
		cfg := loadWithArgs(t)
		assert.Equal(t, "/from/env", cfg.DataDir)
		assert.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("config file over environment", func(t *testing.T) {
		cfg := loadWithArgs(t, "--config", cfgFile)
		assert.Equal(t, "warn", cfg.LogLevel)
		assert.Equal(t, 7, cfg.Workers)
	})

	t.Run("flags over config file", func(t *testing.T) {
		cfg := loadWithArgs(t, "--config", cfgFile, "--data-dir", dir, "--log-level", "error")
		assert.Equal(t, dir, cfg.DataDir)
		assert.Equal(t, "error", cfg.LogLevel)
		assert.Equal(t, 7, cfg.Workers)
	})
}

func TestNewBackend(t *testing.T) {
	t.Run("command", func(t *testing.T) {
		backend, closeFn, err := newBackend(&config.ServiceConfig{ExecutorBackend: "command"})
		require.NoError(t, err)
		assert.NotNil(t, backend)
		assert.NoError(t, closeFn())
	})

	t.Run("unknown", func(t *testing.T) {
		_, _, err := newBackend(&config.ServiceConfig{ExecutorBackend: "lambda"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "lambda")
	})
}

func TestSweepCommand(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("JOB_LIFESPAN", "1ms")

	m, err := manifest.Open(filepath.Join(dir, "manifest.db"))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, m.RecordJob(ctx, manifest.Job{ID: "old-job", Type: "matrix", CreatedAt: time.Now()}))
	require.NoError(t, m.SetJobStatus(ctx, "old-job", manifest.StatusCancelled))
	require.NoError(t, m.RecordJob(ctx, manifest.Job{ID: "waiting", Type: "matrix", CreatedAt: time.Now()}))
	require.NoError(t, m.Close())

	time.Sleep(10 * time.Millisecond)

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"sweep", "--data-dir", dir, "--json"})
	require.NoError(t, cmd.Execute())

	var res struct {
		Resources int `json:"resources"`
		Jobs      int `json:"jobs"`
		Failures  int `json:"failures"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, 1, res.Jobs)
	assert.Equal(t, 0, res.Resources)
	assert.Equal(t, 0, res.Failures)

	m, err = manifest.Open(filepath.Join(dir, "manifest.db"))
	require.NoError(t, err)
	defer m.Close()
	_, found, err := m.GetJob(ctx, "old-job")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = m.GetJob(ctx, "waiting")
	require.NoError(t, err)
	assert.True(t, found, "non-terminal jobs are never swept")
}
