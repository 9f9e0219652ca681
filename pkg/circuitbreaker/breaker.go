// Package circuitbreaker implements the circuit breaker pattern.
//
// A circuit breaker prevents cascading failures by tracking consecutive failures
// and temporarily blocking requests to failing resources.
//
// States:
//   - Closed: Normal operation, requests allowed
//   - Open: Too many failures, requests blocked until the open timeout elapses
//   - HalfOpen: Probing recovery; SuccessThreshold consecutive successes close
//     the circuit, any failure reopens it
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// State represents the state of a circuit breaker.
type State int

const (
	Closed   State = iota // Normal operation, requests allowed
	Open                  // Failing, requests blocked
	HalfOpen              // Testing if recovered
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

// MarshalText renders the state name in JSON snapshots.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config holds configuration for a circuit breaker.
type Config struct {
	FailureThreshold int           // Consecutive failures before the circuit opens (default: 5)
	SuccessThreshold int           // Consecutive half-open successes before it closes (default: 3)
	OpenTimeout      time.Duration // Time spent open before half-open (default: 30s)
	Clock            clockwork.Clock
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		OpenTimeout:      30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// Transition describes a state change of a named breaker.
type Transition struct {
	Name string
	From State
	To   State
	At   time.Time
}

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutiveFailures"`
	ConsecutiveSuccesses int       `json:"consecutiveSuccesses"`
	TotalRequests        int64     `json:"totalRequests"`
	TotalFailures        int64     `json:"totalFailures"`
	TotalSuccesses       int64     `json:"totalSuccesses"`
	LastStateChangeAt    time.Time `json:"lastStateChangeAt"`
	OpenedAt             time.Time `json:"openedAt,omitzero"`
	ReopenAt             time.Time `json:"reopenAt,omitzero"` // when an open circuit admits a trial request
}

// Breaker implements the circuit breaker pattern for a single resource.
type Breaker struct {
	name     string
	cfg      Config
	notify   func(Transition)
	mu       sync.Mutex
	state    State
	failures int // consecutive failures
	success  int // consecutive successes

	totalFailures  int64
	totalSuccesses int64

	lastStateChange time.Time
	openedAt        time.Time
}

// New creates a new circuit breaker for the named resource.
func New(name string, cfg Config) *Breaker {
	return newBreaker(name, cfg, nil)
}

func newBreaker(name string, cfg Config, notify func(Transition)) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		name:            name,
		cfg:             cfg,
		notify:          notify,
		state:           Closed,
		lastStateChange: cfg.Clock.Now(),
	}
}

// Name returns the resource name.
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a request should be attempted. An open circuit whose
// timeout has elapsed moves to half-open and admits the request; that is the
// only way out of Open.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	var t *Transition
	allowed := true
	if b.state == Open {
		if b.cfg.Clock.Since(b.openedAt) >= b.cfg.OpenTimeout {
			t = b.setState(HalfOpen)
		} else {
			allowed = false
		}
	}
	b.mu.Unlock()

	b.emit(t)
	return allowed
}

// RecordSuccess records a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var t *Transition
	b.totalSuccesses++
	b.success++
	b.failures = 0
	if b.state == HalfOpen && b.success >= b.cfg.SuccessThreshold {
		t = b.setState(Closed)
	}
	b.mu.Unlock()

	b.emit(t)
}

// RecordFailure records a failed request.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	var t *Transition
	b.totalFailures++
	b.failures++
	b.success = 0
	switch b.state {
	case HalfOpen:
		// Failed while probing, go straight back to open
		t = b.setState(Open)
	case Closed:
		if b.failures >= b.cfg.FailureThreshold {
			t = b.setState(Open)
		}
	}
	b.mu.Unlock()

	b.emit(t)
}

// Reset forces the breaker closed and zeroes its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var t *Transition
	if b.state != Closed {
		t = b.setState(Closed)
	}
	b.failures = 0
	b.success = 0
	b.totalFailures = 0
	b.totalSuccesses = 0
	b.mu.Unlock()

	b.emit(t)
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Stats returns a snapshot without changing state.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Name:                 b.name,
		State:                b.state,
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.success,
		TotalRequests:        b.totalFailures + b.totalSuccesses,
		TotalFailures:        b.totalFailures,
		TotalSuccesses:       b.totalSuccesses,
		LastStateChangeAt:    b.lastStateChange,
	}
	if b.state == Open {
		s.OpenedAt = b.openedAt
		s.ReopenAt = b.openedAt.Add(b.cfg.OpenTimeout)
	}
	return s
}

// setState must be called with mu held.
func (b *Breaker) setState(to State) *Transition {
	now := b.cfg.Clock.Now()
	t := &Transition{Name: b.name, From: b.state, To: to, At: now}

	b.state = to
	b.lastStateChange = now
	switch to {
	case Open:
		b.openedAt = now
		b.success = 0
	case HalfOpen:
		b.success = 0
	case Closed:
		b.failures = 0
		b.openedAt = time.Time{}
	}
	return t
}

func (b *Breaker) emit(t *Transition) {
	if t != nil && b.notify != nil {
		b.notify(*t)
	}
}
