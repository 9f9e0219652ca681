// Package health provides health check functionality for liveness and readiness checks.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ReadinessChecker is the interface for readiness checks.
// Implemented by queues and stores to verify they can accept work.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Degradable is a ReadinessChecker that can keep serving while impaired.
type Degradable interface {
	ReadinessChecker
	Degraded() bool
}

// Pinger is implemented by store clients.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// CheckFunc performs one named check.
type CheckFunc func(ctx context.Context) CheckResult

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

type namedCheck struct {
	name  string
	check CheckFunc
}

// Checker performs health checks on dependencies.
type Checker struct {
	timeout  time.Duration
	cacheTTL time.Duration
	clock    clockwork.Clock

	mu           sync.RWMutex
	checks       []namedCheck
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// Option configures a Checker.
type Option func(*Checker)

// WithTimeout bounds each check.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) { c.timeout = d }
}

// WithCacheTTL sets how long a readiness result is reused. Zero disables caching.
func WithCacheTTL(d time.Duration) Option {
	return func(c *Checker) { c.cacheTTL = d }
}

// WithClock sets the clock used for caching.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Checker) { c.clock = clock }
}

// NewChecker creates a new health checker.
func NewChecker(opts ...Option) *Checker {
	c := &Checker{
		timeout:  5 * time.Second,
		cacheTTL: time.Second,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add registers a named readiness check.
func (c *Checker) Add(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, namedCheck{name: name, check: check})
	c.cachedReady = nil
}

// Liveness returns healthy while the process runs.
// Failing this check should trigger a container restart.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness runs every check. Any unhealthy check makes the service
// unhealthy; otherwise any degraded check makes it degraded.
// An unhealthy result should remove the instance from load balancer rotation.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	// Return unhealthy immediately if shutting down
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}

	if c.cachedReady != nil && c.clock.Since(c.lastCheck) < c.cacheTTL {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	checks := append([]namedCheck(nil), c.checks...)
	c.mu.RUnlock()

	if len(checks) == 0 {
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"checks": {Status: StatusUnhealthy, Message: "no checks registered"},
			},
		}
	}

	results := make(map[string]CheckResult, len(checks))
	overallStatus := StatusHealthy
	for _, nc := range checks {
		res := c.run(ctx, nc.check)
		results[nc.name] = res
		switch {
		case res.Status == StatusUnhealthy:
			overallStatus = StatusUnhealthy
		case res.Status == StatusDegraded && overallStatus == StatusHealthy:
			overallStatus = StatusDegraded
		}
	}

	response := &Response{
		Status: overallStatus,
		Checks: results,
	}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = c.clock.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) run(ctx context.Context, check CheckFunc) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return check(ctx)
}

// Names returns the registered check names, sorted.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.checks))
	for _, nc := range c.checks {
		names = append(names, nc.name)
	}
	sort.Strings(names)
	return names
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// IsServing reports whether the instance should keep receiving traffic.
// Degraded instances still serve.
func (r *Response) IsServing() bool {
	return r.Status == StatusHealthy || r.Status == StatusDegraded
}

// SetShuttingDown marks the service as shutting down.
// This causes readiness checks to return unhealthy, signaling
// load balancers to stop sending new traffic.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil // Clear cache to ensure immediate effect
}

// Ready adapts a ReadinessChecker.
func Ready(r ReadinessChecker) CheckFunc {
	return func(ctx context.Context) CheckResult {
		if r == nil {
			return CheckResult{Status: StatusUnhealthy, Message: "not configured"}
		}
		if err := r.Ready(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
		}
		return CheckResult{Status: StatusHealthy}
	}
}

// Queue reports a ready queue whose deliveries keep failing as degraded.
func Queue(q Degradable) CheckFunc {
	ready := Ready(q)
	return func(ctx context.Context) CheckResult {
		res := ready(ctx)
		if res.Status == StatusHealthy && q.Degraded() {
			return CheckResult{Status: StatusDegraded, Message: "deliveries are failing"}
		}
		return res
	}
}

// Ping adapts a store client.
func Ping(p Pinger) CheckFunc {
	return func(ctx context.Context) CheckResult {
		if err := p.Ping(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: fmt.Sprintf("ping: %v", err)}
		}
		return CheckResult{Status: StatusHealthy}
	}
}
