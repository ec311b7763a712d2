//go:build integration

package docker

import (
	"accessd/internal/apperrors"
	"accessd/internal/executor"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newIntegrationBackend(t *testing.T, script string) *executor.Registry {
	t.Helper()
	backend, err := NewBackend(Config{
		Images:   map[string]string{"matrix": "alpine:latest"},
		Commands: map[string][]string{"matrix": {"/bin/sh", "-c", script}},
	})
	if err != nil {
		t.Fatalf("Failed to create backend: %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := backend.Ready(ctx); err != nil {
		t.Skipf("Docker not available: %v", err)
	}
	return executor.NewRegistry(backend, executor.Matrix{})
}

func matrixInvocation(t *testing.T) executor.Invocation {
	t.Helper()
	dir := t.TempDir()
	input := filepath.Join(dir, "input.csv")
	if err := os.WriteFile(input, []byte("id,lat,lon\n1,41.8,-87.6\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "out")
	if err := os.MkdirAll(out, 0o777); err != nil {
		t.Fatal(err)
	}
	return executor.Invocation{
		JobID:     "it-" + strings.ReplaceAll(t.Name(), "/", "-"),
		Type:      "matrix",
		Orders:    map[string]any{"init_kwargs": map[string]any{"primary_resource_id": "r1", "primary_hints": map[string]any{}}},
		Inputs:    []executor.Input{{Ref: executor.Ref{Parents: []string{"init_kwargs"}, Field: "primary_resource_id", ID: "r1"}, Path: input}},
		OutputDir: out,
		Variant:   executor.Matrix{},
	}
}

func TestBackend_WritesOutput(t *testing.T) {
	reg := newIntegrationBackend(t, `cp /inputs/r1 /output/output.csv && echo "$JOB_ORDERS" > /output/orders.json`)
	inv := matrixInvocation(t)

	out := reg.Run(context.Background(), inv)
	if !out.Succeeded() {
		t.Fatalf("Run failed: %v", out.Err)
	}
	data, err := os.ReadFile(filepath.Join(inv.OutputDir, "orders.json"))
	if err != nil {
		t.Fatalf("orders.json not written: %v", err)
	}
	if !strings.Contains(string(data), `"primary_input":"/inputs/r1"`) {
		t.Errorf("orders not bound to container path: %s", data)
	}
}

func TestBackend_NonZeroExitIsExecutorFailure(t *testing.T) {
	reg := newIntegrationBackend(t, `echo "ValueError: bad hints" >&2; exit 3`)
	out := reg.Run(context.Background(), matrixInvocation(t))

	if out.Succeeded() {
		t.Fatal("expected failure")
	}
	if apperrors.KindOf(out.Err) != apperrors.KindExecutorFailure {
		t.Errorf("kind = %q", apperrors.KindOf(out.Err))
	}
	if !strings.Contains(out.Err.Error(), "ValueError: bad hints") {
		t.Errorf("expected log tail in message, got %q", out.Err.Error())
	}
}
