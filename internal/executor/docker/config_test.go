package docker

import (
	"accessd/internal/executor"
	"testing"
	"time"
)

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("MATRIX_IMAGE", "registry.local/matrix:1.2")
	t.Setenv("EXTRA_HOSTS", "db.internal:host-gateway,cache:10.0.0.2")
	t.Setenv("EXECUTOR_CPU", "1.5")
	t.Setenv("DOCKER_PULL_RETRIES", "0")

	cfg := LoadConfigFromEnv()
	if cfg.Images["matrix"] != "registry.local/matrix:1.2" {
		t.Errorf("matrix image = %q", cfg.Images["matrix"])
	}
	if cfg.Images["model"] != "spatial-access/model:latest" {
		t.Errorf("model image = %q", cfg.Images["model"])
	}
	if len(cfg.ExtraHosts) != 2 {
		t.Errorf("ExtraHosts = %v", cfg.ExtraHosts)
	}
	if cfg.CPU != 1.5 {
		t.Errorf("CPU = %v", cfg.CPU)
	}
	if cfg.PullRetries != 3 {
		t.Errorf("PullRetries = %d, want default 3", cfg.PullRetries)
	}
	if cfg.StopTimeout != 10*time.Second {
		t.Errorf("StopTimeout = %v", cfg.StopTimeout)
	}
	if cfg.PullFailureThreshold != 3 || cfg.PullCooldown != time.Minute {
		t.Errorf("pull breaker = %d/%v, want defaults 3/1m", cfg.PullFailureThreshold, cfg.PullCooldown)
	}
}

func TestContainerInputPath(t *testing.T) {
	t.Parallel()
	in := executor.Input{Ref: executor.Ref{Field: "primary_resource_id", ID: "abc-123"}, Path: "/data/resources/abc-123"}
	if got := containerInputPath(in); got != "/inputs/abc-123" {
		t.Errorf("containerInputPath() = %q", got)
	}

	inv := executor.Invocation{
		Orders:  map[string]any{"init_kwargs": map[string]any{"primary_resource_id": "abc-123"}},
		Inputs:  []executor.Input{in},
		Variant: executor.Matrix{},
	}
	params := inv.Params(containerInputPath)
	init := params["init_kwargs"].(map[string]any)
	if init["primary_input"] != "/inputs/abc-123" {
		t.Errorf("primary_input = %v", init["primary_input"])
	}
}
