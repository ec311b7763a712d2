// Package testutil provides polling helpers for tests that wait on
// asynchronous job processing.
package testutil

import (
	"accessd/internal/manifest"
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// WaitOptions configures WaitFor behavior.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption is a functional option for WaitFor.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 10s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Timeout = d
	}
}

// WithInterval sets the polling interval (default: 20ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
	}
}

func defaultOptions() WaitOptions {
	return WaitOptions{
		Timeout:  10 * time.Second,
		Interval: 20 * time.Millisecond,
	}
}

// WaitFor polls until condition returns true or timeout is reached.
// Returns true if condition was met, false on timeout.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	deadline := time.Now().Add(o.Timeout)
	for {
		if condition() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(o.Interval)
	}
}

// MustWaitFor polls until condition returns true or fails the test,
// naming what it waited for.
func MustWaitFor(tb testing.TB, what string, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatalf("timed out waiting for %s", what)
	}
}

// MustWaitForCount polls until counter reaches target or fails the test.
func MustWaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) {
	tb.Helper()
	ok := WaitFor(tb, func() bool {
		return counter.Load() >= target
	}, opts...)
	if !ok {
		tb.Fatalf("timed out waiting for counter to reach %d (current: %d)", target, counter.Load())
	}
}

// JobGetter is satisfied by the manifest and the job service.
type JobGetter interface {
	GetJob(ctx context.Context, id string) (manifest.Job, bool, error)
}

// WaitForTerminal polls until the job reaches a terminal status and returns
// its final snapshot. The test fails on timeout or when the job vanishes.
func WaitForTerminal(tb testing.TB, jobs JobGetter, id string, opts ...WaitOption) manifest.Job {
	tb.Helper()

	var last manifest.Job
	ok := WaitFor(tb, func() bool {
		job, found, err := jobs.GetJob(context.Background(), id)
		if err != nil || !found {
			return false
		}
		last = job
		return job.Status.Terminal()
	}, opts...)
	if !ok {
		tb.Fatalf("timed out waiting for job %s to finish (last status: %q)", id, last.Status)
	}
	return last
}
