// Package delivery implements the durable delivery queue: producers enqueue
// items, a single drainer per queue sends them through a Transport behind a
// per-resource circuit breaker, retries failures with backoff, and persists
// queue state through a Store.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status of a queue item.
type Status string

const (
	StatusPending Status = "pending"
	StatusFailed  Status = "failed" // terminal, kept for inspection
)

// FailureKind records why an item was retired.
type FailureKind string

const (
	FailureExhausted FailureKind = "exhausted" // ran out of attempts
	FailureRejected  FailureKind = "rejected"  // transport reported a permanent error
)

// Item is one unit of queued work.
type Item struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	Payload        json.RawMessage `json:"payload"`
	ResourceKey    string          `json:"resourceKey"`
	IdempotencyKey string          `json:"idempotencyKey"`
	EnqueuedAt     time.Time       `json:"enqueuedAt"`
	Attempts       int             `json:"attempts"`
	NextAttemptAt  time.Time       `json:"nextAttemptAt"`
	Status         Status          `json:"status"`
	LastError      string          `json:"lastError,omitempty"`
	FailureKind    FailureKind     `json:"failureKind,omitempty"`
	FailedAt       time.Time       `json:"failedAt,omitzero"`
}

// Err returns the terminal error of a failed item, or nil.
func (it Item) Err() error {
	if it.Status != StatusFailed {
		return nil
	}
	cause := errors.New(it.LastError)
	if it.FailureKind == FailureRejected {
		return Permanent(cause)
	}
	return &ExhaustedRetriesError{ItemID: it.ID, Attempts: it.Attempts, Err: cause}
}

// Due reports whether a pending item may be attempted at now.
func (it Item) Due(now time.Time) bool {
	return it.Status == StatusPending && !it.NextAttemptAt.After(now)
}

// EnqueueRequest is a producer's request to queue a payload.
type EnqueueRequest struct {
	Payload        json.RawMessage
	ResourceKey    string
	IdempotencyKey string // generated when empty
}

// SendRequest is a direct, non-queued delivery request.
type SendRequest struct {
	Payload        json.RawMessage
	ResourceKey    string
	IdempotencyKey string // generated when empty
}

// Envelope is what a Transport receives for one attempt.
type Envelope struct {
	ItemID         string // empty for direct sends
	Queue          string
	IdempotencyKey string
	ResourceKey    string
	Payload        json.RawMessage
	Attempt        int
}

// Result of a successful send.
type Result struct {
	// Duplicate is set when the receiver reports it already processed the
	// idempotency key.
	Duplicate bool `json:"duplicate"`
}

// Transport delivers envelopes to a remote resource. Implementations must
// honor ctx and should treat the idempotency key as stable across retries.
// Errors wrapped with Permanent are not retried.
type Transport interface {
	Send(ctx context.Context, env Envelope) (Result, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, env Envelope) (Result, error)

// Send calls f.
func (f TransportFunc) Send(ctx context.Context, env Envelope) (Result, error) {
	return f(ctx, env)
}

// Store persists the full item set of a queue. Save replaces the stored set
// atomically; a crash mid-save must leave either the old or the new set.
type Store interface {
	Load(ctx context.Context, queue string) ([]Item, error)
	Save(ctx context.Context, queue string, items []Item) error
}
