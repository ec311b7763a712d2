package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func failing(msg string) Probe {
	return ProbeFunc(func(context.Context) error { return errors.New(msg) })
}

var passing = ProbeFunc(func(context.Context) error { return nil })

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker()

	response := checker.Liveness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		checks []Check
		want   Status
	}{
		{"no checks", nil, StatusUnhealthy},
		{"all pass", []Check{
			{Name: "manifest", Probe: passing, Critical: true},
			{Name: "executor", Probe: passing, Critical: true},
		}, StatusHealthy},
		{"critical fails", []Check{
			{Name: "manifest", Probe: failing("database is locked"), Critical: true},
			{Name: "executor", Probe: passing},
		}, StatusUnhealthy},
		{"non-critical fails", []Check{
			{Name: "manifest", Probe: passing, Critical: true},
			{Name: "executor", Probe: failing("docker unreachable")},
		}, StatusDegraded},
		{"nil probe", []Check{{Name: "executor", Critical: true}}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := NewChecker(tt.checks...).Readiness(context.Background())
			if response.Status != tt.want {
				t.Errorf("Readiness() = %s, want %s (%+v)", response.Status, tt.want, response.Checks)
			}
			for _, c := range tt.checks {
				if _, ok := response.Checks[c.Name]; !ok {
					t.Errorf("expected %s check in response", c.Name)
				}
			}
		})
	}
}

func TestChecker_ReadinessReportsMessage(t *testing.T) {
	t.Parallel()
	checker := NewChecker(Check{Name: "manifest", Probe: failing("disk I/O error"), Critical: true})

	result := checker.Readiness(context.Background()).Checks["manifest"]
	if result.Message != "disk I/O error" {
		t.Errorf("Expected probe error message, got %q", result.Message)
	}
}

func TestChecker_ReadinessCached(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	probe := ProbeFunc(func(context.Context) error {
		calls.Add(1)
		return nil
	})
	checker := NewChecker(Check{Name: "manifest", Probe: probe, Critical: true})

	checker.Readiness(context.Background())
	checker.Readiness(context.Background())

	if calls.Load() != 1 {
		t.Errorf("Expected cached readiness to probe once, got %d", calls.Load())
	}
}

func TestChecker_ShuttingDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(Check{Name: "manifest", Probe: passing, Critical: true})

	if !checker.Readiness(context.Background()).IsHealthy() {
		t.Fatal("Expected healthy before shutdown")
	}
	checker.SetShuttingDown()

	response := checker.Readiness(context.Background())
	if response.IsHealthy() {
		t.Error("Expected unhealthy after shutdown")
	}
	if _, ok := response.Checks["shutdown"]; !ok {
		t.Error("Expected shutdown check to be present")
	}
}

func TestResponse_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"healthy", StatusHealthy, true},
		{"degraded", StatusDegraded, true},
		{"unhealthy", StatusUnhealthy, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := &Response{Status: tt.status}
			if response.IsHealthy() != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", response.IsHealthy(), tt.expected)
			}
		})
	}
}
