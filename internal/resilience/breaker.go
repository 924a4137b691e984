// Package resilience provides the small fault-tolerance primitives the core
// leans on: a per-dependency circuit breaker, a health monitor over periodic
// checks, and an ordered fallback chain.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// BreakerState is the circuit position.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// ErrCircuitOpen is returned when the breaker rejects a call outright.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit. Non-positive means 5.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// ResetTimeout is how long the circuit stays open before allowing a
	// half-open probe. Non-positive means 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout" json:"reset_timeout"`

	// HalfOpenRequests is how many probes the half-open state admits.
	// Non-positive means 1.
	HalfOpenRequests int `yaml:"half_open_requests" json:"half_open_requests"`
}

// DefaultBreakerConfig returns the defaults used across the core.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// Breaker is a circuit breaker for one dependency. Safe for concurrent use.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	inFlight int

	now func() time.Time
}

// NewBreaker builds a closed breaker for the named dependency.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = 1
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Name returns the dependency id this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current position, accounting for reset-timeout expiry.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// Allow reports whether a call may proceed. A half-open breaker admits up
// to HalfOpenRequests probes; the caller must report the outcome via
// RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.inFlight < b.cfg.HalfOpenRequests {
			b.inFlight++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess notes a successful call. One success in half-open closes
// the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.inFlight > 0 {
		b.inFlight--
	}
	b.state = StateClosed
	b.failures = 0
}

// RecordFailure notes a failed call. A failure in half-open reopens the
// circuit immediately; in closed state the threshold applies.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		if b.inFlight > 0 {
			b.inFlight--
		}
		b.openLocked()
		return
	}

	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.openLocked()
	}
}

// Do runs fn through the breaker, recording the outcome.
func (b *Breaker) Do(fn func() error) error {
	if !b.Allow() {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

func (b *Breaker) openLocked() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
	b.inFlight = 0
}

func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.state = StateHalfOpen
		b.inFlight = 0
	}
}

// BreakerSet manages one breaker per dependency id with shared config.
type BreakerSet struct {
	cfg BreakerConfig

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerSet builds an empty set.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for id, creating it on first use.
func (s *BreakerSet) Get(id string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[id]
	if !ok {
		b = NewBreaker(id, s.cfg)
		s.breakers[id] = b
	}
	return b
}

// States returns a snapshot of every breaker's position.
func (s *BreakerSet) States() map[string]BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]BreakerState, len(s.breakers))
	for id, b := range s.breakers {
		out[id] = b.State()
	}
	return out
}
