// Package circuitbreaker guards the external storage backends. A backend
// that keeps failing trips its breaker open, so the degraded store can swap
// to the in-memory fallback immediately instead of paying a timeout per
// envelope.
package circuitbreaker

import (
	"errors"
	"log"
	"sync"
	"time"
)

// State of a breaker.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // failures exceeded, calls short-circuit
	StateHalfOpen              // probing whether the backend recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned while the breaker short-circuits calls.
var ErrOpen = errors.New("circuit breaker is open")

// Counts tracks the rolling request window in the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveFailures  uint32
	ConsecutiveSuccesses uint32
}

// FailureRatio is failures over requests, 0 when idle.
func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

// Config tunes one breaker.
type Config struct {
	Name string

	// MaxProbes bounds requests let through in half-open state.
	MaxProbes uint32

	// Interval clears the closed-state counts periodically.
	Interval time.Duration

	// Cooldown is how long an open breaker waits before probing.
	Cooldown time.Duration

	// TripAfter is the consecutive-failure count that opens the breaker.
	TripAfter uint32
}

// DefaultConfig suits a storage backend probed on every envelope.
func DefaultConfig(name string) Config {
	return Config{
		Name:      name,
		MaxProbes: 1,
		Interval:  60 * time.Second,
		Cooldown:  15 * time.Second,
		TripAfter: 3,
	}
}

// Breaker is a minimal three-state circuit breaker.
type Breaker struct {
	cfg Config
	log *log.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New creates a breaker in the closed state.
func New(cfg Config) *Breaker {
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = 1
	}
	if cfg.TripAfter == 0 {
		cfg.TripAfter = 3
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 15 * time.Second
	}
	b := &Breaker{
		cfg:   cfg,
		state: StateClosed,
		log:   log.New(log.Writer(), "[BREAKER:"+cfg.Name+"] ", log.LstdFlags),
	}
	b.newGeneration(time.Now())
	return b
}

// Do runs fn when the breaker allows it and records the result.
func (b *Breaker) Do(fn func() error) error {
	gen, err := b.before()
	if err != nil {
		return err
	}
	err = fn()
	b.after(gen, err == nil)
	return err
}

// State reports the current state, advancing open → half-open on cooldown.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	return state
}

// Counts returns a copy of the current window.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, gen := b.currentState(now)

	if state == StateOpen {
		return gen, ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxProbes {
		return gen, ErrOpen
	}
	b.counts.Requests++
	return gen, nil
}

func (b *Breaker) after(gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, current := b.currentState(now)

	// Ignore results from a previous generation.
	if gen != current {
		return
	}

	if success {
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.cfg.TripAfter {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 && !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)
	b.log.Printf("state change: %s -> %s", prev, state)
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}
	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			b.expiry = now.Add(b.cfg.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.cfg.Cooldown)
	default:
		b.expiry = time.Time{}
	}
}
