// Package circuitbreaker stops calling a failing dependency after repeated
// errors and lets a single probe through once a cooldown has passed.
//
// States:
//   - Closed: calls pass through
//   - Open: calls fail fast with ErrOpen
//   - HalfOpen: one probe call decides whether to close or reopen
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned by Do while the breaker is rejecting calls.
var ErrOpen = errors.New("circuit open")

// State represents the state of a circuit breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold int           // consecutive failures before opening (default: 5)
	Cooldown  time.Duration // time spent open before a probe (default: 30s)
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// Breaker guards calls to one dependency.
type Breaker struct {
	config Config
	now    func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	return &Breaker{config: cfg.withDefaults(), now: time.Now}
}

// Do runs fn unless the breaker is open. A cancelled ctx does not count
// against the dependency.
func (b *Breaker) Do(ctx context.Context, fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err, ctx.Err() != nil)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		wait := b.config.Cooldown - b.now().Sub(b.openedAt)
		if wait > 0 {
			return fmt.Errorf("%w: retry in %s", ErrOpen, wait.Round(time.Second))
		}
		b.state = HalfOpen
		b.probing = true
		return nil
	case HalfOpen:
		if b.probing {
			return fmt.Errorf("%w: probe in flight", ErrOpen)
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) record(err error, cancelled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	switch {
	case err == nil:
		b.state = Closed
		b.failures = 0
	case cancelled:
		// Leave the state alone; the caller gave up, the dependency did not.
	default:
		b.failures++
		if b.state == HalfOpen || b.failures >= b.config.Threshold {
			b.state = Open
			b.openedAt = b.now()
		}
	}
}

// State returns the current state. An open breaker whose cooldown has
// elapsed still reports Open until the next call probes it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Set holds one breaker per key, created on first use.
type Set struct {
	config Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewSet creates an empty set whose breakers share cfg.
func NewSet(cfg Config) *Set {
	return &Set{config: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for key.
func (s *Set) Get(key string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[key]
	if !ok {
		b = New(s.config)
		s.breakers[key] = b
	}
	return b
}
