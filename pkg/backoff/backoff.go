// Package backoff provides exponential backoff calculation with jitter.
package backoff

import (
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Defaults applied to zero Policy fields.
const (
	DefaultBaseDelay = 500 * time.Millisecond
	DefaultMaxDelay  = 10 * time.Second
	DefaultJitter    = 250 * time.Millisecond
)

// ErrInvalidAttempt is returned for attempt numbers below 1.
var ErrInvalidAttempt = errors.New("backoff: attempt must be >= 1")

// Policy for exponential backoff. Zero values use defaults.
type Policy struct {
	BaseDelay time.Duration // default: 500ms
	MaxDelay  time.Duration // default: 10s
	Jitter    time.Duration // default: 250ms, negative disables jitter
}

// DefaultPolicy returns the default policy.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay: DefaultBaseDelay,
		MaxDelay:  DefaultMaxDelay,
		Jitter:    DefaultJitter,
	}
}

func (p Policy) withDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter == 0 {
		p.Jitter = DefaultJitter
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Exponential returns the jitter-free delay for an attempt.
// Attempt 1 returns BaseDelay, attempt 2 returns BaseDelay*2, etc., clamped at MaxDelay.
// Attempts below 1 are treated as 1.
func Exponential(attempt int, p Policy) time.Duration {
	return exponential(attempt, p.withDefaults())
}

func exponential(attempt int, p Policy) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2.0, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Delay returns Exponential(attempt) plus uniform jitter in [0, Jitter],
// never exceeding MaxDelay. It uses the process-wide random source.
func Delay(attempt int, p Policy) (time.Duration, error) {
	return delay(attempt, p.withDefaults(), rand.Int64N)
}

// delay expects p with defaults already applied. Defaulting is not
// idempotent: a disabled jitter becomes 0, which would read as unset.
func delay(attempt int, p Policy, int64n func(int64) int64) (time.Duration, error) {
	if attempt < 1 {
		return 0, ErrInvalidAttempt
	}
	d := exponential(attempt, p)
	if p.Jitter > 0 {
		d += time.Duration(int64n(int64(p.Jitter) + 1))
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d, nil
}

// Calculator computes delays for a fixed policy from its own seeded random
// source. Safe for concurrent use.
type Calculator struct {
	policy Policy

	mu  sync.Mutex
	rng *rand.Rand
}

// NewCalculator creates a calculator whose jitter sequence is determined by seed.
func NewCalculator(p Policy, seed uint64) *Calculator {
	return &Calculator{
		policy: p.withDefaults(),
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Policy returns the effective policy, defaults applied.
func (c *Calculator) Policy() Policy {
	return c.policy
}

// Delay returns the jittered delay for attempt.
func (c *Calculator) Delay(attempt int) (time.Duration, error) {
	return delay(attempt, c.policy, func(n int64) int64 {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.rng.Int64N(n)
	})
}
