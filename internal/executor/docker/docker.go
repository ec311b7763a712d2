// Package docker runs job computations as containers on the host Docker
// daemon. Each job gets one container with its input resources mounted
// read-only and its output directory mounted writable.
package docker

import (
	"accessd/internal/executor"
	"accessd/pkg/backoff"
	"accessd/pkg/circuitbreaker"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Container paths seen by the computation.
const (
	inputsRoot = "/inputs"
	outputPath = "/output"
	logTail    = "50"
)

// Backend implements executor.Backend using Docker.
type Backend struct {
	client *client.Client
	config Config
	pulls  *circuitbreaker.Set // per image
	logger *slog.Logger
}

// NewBackend connects to the Docker daemon named by the environment.
func NewBackend(cfg Config) (*Backend, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	cfg = cfg.withDefaults()
	return &Backend{
		client: dockerClient,
		config: cfg,
		pulls: circuitbreaker.NewSet(circuitbreaker.Config{
			Threshold: cfg.PullFailureThreshold,
			Cooldown:  cfg.PullCooldown,
		}),
		logger: slog.With("component", "executor", "backend", "docker"),
	}, nil
}

// Run implements executor.Backend. It blocks until the container exits and
// always removes the container.
func (b *Backend) Run(ctx context.Context, inv executor.Invocation) error {
	imageName, ok := b.config.Images[inv.Type]
	if !ok || imageName == "" {
		return fmt.Errorf("no image configured for job type %q", inv.Type)
	}
	logger := b.logger.With("jobId", inv.JobID, "image", imageName)

	// Jobs for an image whose pulls keep failing fail fast until the
	// cooldown passes.
	err := b.pulls.Get(imageName).Do(ctx, func() error {
		return backoff.Retry(ctx, b.config.PullRetries, nil, func() error {
			return b.pullImageIfNeeded(ctx, imageName)
		})
	})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", imageName, err)
	}

	containerID, err := b.createJobContainer(ctx, inv, imageName)
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	defer b.removeContainer(containerID)

	start := time.Now()
	if err := b.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	logger.Info("Container started", "containerId", containerID)

	exitCode, err := b.waitForExit(ctx, containerID)
	if err != nil {
		return fmt.Errorf("wait for container: %w", err)
	}
	logger.Info("Container exited", "exitCode", exitCode, "duration", time.Since(start))

	if exitCode != 0 {
		if tail := b.logsTail(ctx, containerID); tail != "" {
			return fmt.Errorf("exit code %d: %s", exitCode, tail)
		}
		return fmt.Errorf("exit code %d", exitCode)
	}
	return nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (b *Backend) Ready(ctx context.Context) error {
	_, err := b.client.Ping(ctx)
	return err
}

// Close releases the Docker client.
func (b *Backend) Close() error {
	return b.client.Close()
}

// containerInputPath is where a resource appears inside the container.
func containerInputPath(in executor.Input) string {
	return path.Join(inputsRoot, in.ID)
}

func (b *Backend) createJobContainer(ctx context.Context, inv executor.Invocation, imageName string) (string, error) {
	orders, err := json.Marshal(inv.Params(containerInputPath))
	if err != nil {
		return "", fmt.Errorf("encode orders: %w", err)
	}

	env := []string{
		fmt.Sprintf("JOB_ID=%s", inv.JobID),
		fmt.Sprintf("JOB_TYPE=%s", inv.Type),
		fmt.Sprintf("JOB_ORDERS=%s", orders),
		fmt.Sprintf("OUTPUT_DIR=%s", outputPath),
	}

	outputDir, err := filepath.Abs(inv.OutputDir)
	if err != nil {
		return "", err
	}
	mounts := []mount.Mount{{
		Type:   mount.TypeBind,
		Source: outputDir,
		Target: outputPath,
	}}
	seen := make(map[string]bool, len(inv.Inputs))
	for _, in := range inv.Inputs {
		if seen[in.ID] {
			continue
		}
		seen[in.ID] = true
		src, err := filepath.Abs(in.Path)
		if err != nil {
			return "", err
		}
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   src,
			Target:   containerInputPath(in),
			ReadOnly: true,
		})
	}

	containerConfig := &container.Config{
		Image:      imageName,
		Cmd:        b.config.Commands[inv.Type],
		Env:        env,
		WorkingDir: outputPath,
		Labels: map[string]string{
			"job.id":     inv.JobID,
			"job.type":   inv.Type,
			"managed-by": "accessd",
		},
	}

	hostConfig := &container.HostConfig{
		Mounts:     mounts,
		ExtraHosts: b.config.ExtraHosts,
		Resources: container.Resources{
			NanoCPUs: int64(b.config.CPU * 1e9),
			Memory:   int64(b.config.MemoryMB) * 1024 * 1024,
		},
	}

	containerName := fmt.Sprintf("accessd-%s-%s", inv.Type, inv.JobID)
	resp, err := b.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (b *Backend) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := b.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

// logsTail returns the last lines the container wrote, stdout and stderr
// interleaved.
func (b *Backend) logsTail(ctx context.Context, containerID string) string {
	logs, err := b.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       logTail,
	})
	if err != nil {
		return ""
	}
	defer logs.Close()

	var sb strings.Builder
	if _, err := stdcopy.StdCopy(&sb, &sb, logs); err != nil && err != io.EOF {
		b.logger.Debug("Failed to read container logs", "containerId", containerID, "error", err)
	}
	return strings.TrimSpace(sb.String())
}

func (b *Backend) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := b.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := b.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// removeContainer runs on a fresh context so cleanup survives a cancelled run.
func (b *Backend) removeContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.config.StopTimeout+5*time.Second)
	defer cancel()

	stopTimeout := int(b.config.StopTimeout.Seconds())
	_ = b.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &stopTimeout})
	if err := b.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		b.logger.Warn("Failed to remove container", "containerId", containerID, "error", err)
	}
}

// Verify Backend implements the executor interfaces
var (
	_ executor.Backend = (*Backend)(nil)
	_ executor.Pinger  = (*Backend)(nil)
)
