// Package health provides liveness and readiness probes.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Probe is a dependency readiness can verify.
type Probe interface {
	Ready(ctx context.Context) error
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) error

// Ready implements Probe.
func (f ProbeFunc) Ready(ctx context.Context) error { return f(ctx) }

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check is a named probe. A failing critical check makes the service
// unhealthy; a failing non-critical check only degrades it.
type Check struct {
	Name     string
	Probe    Probe
	Critical bool
}

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Checker performs health checks on dependencies.
type Checker struct {
	checks  []Check
	timeout time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a health checker over the given checks. With no checks
// readiness is unhealthy: the service has nothing wired.
func NewChecker(checks ...Check) *Checker {
	sorted := append([]Check(nil), checks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return &Checker{
		checks:  sorted,
		timeout: 5 * time.Second,
	}
}

// Liveness returns healthy while the process is serving requests. It
// depends on nothing external.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness runs every check, caching the result for a second.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}

	if c.cachedReady != nil && time.Since(c.lastCheck) < time.Second {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	response := &Response{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(c.checks))}
	if len(c.checks) == 0 {
		response.Status = StatusUnhealthy
		response.Checks["config"] = CheckResult{Status: StatusUnhealthy, Message: "no readiness checks configured"}
	}

	for _, check := range c.checks {
		result := c.run(ctx, check)
		response.Checks[check.Name] = result
		if result.Status == StatusHealthy {
			continue
		}
		if check.Critical {
			response.Status = StatusUnhealthy
		} else if response.Status == StatusHealthy {
			response.Status = StatusDegraded
		}
	}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) run(ctx context.Context, check Check) CheckResult {
	if check.Probe == nil {
		return CheckResult{Status: StatusUnhealthy, Message: check.Name + " not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := check.Probe.Ready(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// IsHealthy reports whether the service can take traffic. Degraded counts.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy || r.Status == StatusDegraded
}

// SetShuttingDown makes readiness fail from now on so load balancers stop
// routing new requests.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}
