package delivery

import (
	"time"

	"courier/internal/apperrors"
	"courier/pkg/backoff"
)

// Queue defaults.
const (
	DefaultMaxQueueSize      = 1000
	DefaultMaxAttempts       = 5
	DefaultSendTimeout       = 10 * time.Second
	DefaultDrainInterval     = time.Second
	DefaultDegradedThreshold = 3
)

// Config configures one queue.
type Config struct {
	Name              string         // required, also the persistence key
	MaxQueueSize      int            // pending items (default: 1000)
	MaxAttempts       int            // attempts before an item is retired (default: 5)
	Backoff           backoff.Policy // retry delays (default: 500ms/10s/250ms)
	SendTimeout       time.Duration  // per-attempt timeout (default: 10s)
	DrainInterval     time.Duration  // recurring drain pass (default: 1s)
	DegradedThreshold int            // consecutive all-failed passes (default: 3)
}

func (c Config) withDefaults() Config {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = DefaultDrainInterval
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = DefaultDegradedThreshold
	}
	return c
}

func (c Config) validate() error {
	if c.Name == "" {
		return apperrors.Validation("name", "queue name is required")
	}
	return nil
}
