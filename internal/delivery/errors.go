package delivery

import (
	"errors"
	"fmt"
	"time"

	"courier/internal/apperrors"
)

// Sentinels for errors.Is classification. Each typed error below also
// matches the apperrors class used for HTTP mapping.
var (
	ErrTransientDelivery = errors.New("transient delivery failure")
	ErrCircuitOpen       = errors.New("circuit open")
	ErrDuplicateRequest  = errors.New("duplicate request")
	ErrQueueFull         = errors.New("queue full")
	ErrExhaustedRetries  = errors.New("retries exhausted")
	ErrPermanent         = errors.New("permanent delivery failure")
	ErrQueueClosed       = &apperrors.Error{Sentinel: apperrors.ErrUnavailable, Message: "queue closed"}
)

// TransientError is a retryable delivery failure.
type TransientError struct {
	Resource string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("delivery to %s failed: %v", e.Resource, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool {
	return target == ErrTransientDelivery || target == apperrors.ErrUpstream
}

// CircuitOpenError is returned without attempting delivery while the
// resource's breaker is open.
type CircuitOpenError struct {
	Resource string
	RetryAt  time.Time // zero when the breaker is not open any more
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("circuit open for %s", e.Resource)
	}
	return fmt.Sprintf("circuit open for %s until %s", e.Resource, e.RetryAt.Format(time.RFC3339))
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen || target == apperrors.ErrUnavailable
}

// DuplicateRequestError reports that the idempotency key already completed
// within the dedupe window.
type DuplicateRequestError struct {
	Key string
}

func (e *DuplicateRequestError) Error() string {
	return fmt.Sprintf("request %s already completed", e.Key)
}

func (e *DuplicateRequestError) Is(target error) bool {
	return target == ErrDuplicateRequest || target == apperrors.ErrConflict
}

// QueueFullError is backpressure: the queue holds MaxQueueSize pending items.
type QueueFullError struct {
	Queue string
	Limit int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue %s is full (%d pending)", e.Queue, e.Limit)
}

func (e *QueueFullError) Is(target error) bool {
	return target == ErrQueueFull || target == apperrors.ErrOverloaded
}

// ExhaustedRetriesError describes an item retired after MaxAttempts.
type ExhaustedRetriesError struct {
	ItemID   string
	Attempts int
	Err      error // last delivery error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("item %s failed after %d attempts: %v", e.ItemID, e.Attempts, e.Err)
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.Err }

func (e *ExhaustedRetriesError) Is(target error) bool {
	return target == ErrExhaustedRetries || target == apperrors.ErrUpstream
}

// PermanentError marks a transport failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

func (e *PermanentError) Is(target error) bool {
	return target == ErrPermanent || target == apperrors.ErrUpstream
}

// Permanent wraps err so the queue retires the item instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
