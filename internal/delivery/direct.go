package delivery

import (
	"context"
	"errors"

	"courier/internal/apperrors"

	"github.com/google/uuid"
)

// Send delivers a payload immediately, bypassing the queue. Unlike Enqueue it
// surfaces resilience decisions to the caller: *CircuitOpenError when the
// resource's breaker rejects the attempt, *DuplicateRequestError when the key
// completed within the dedupe window, and *TransientError when delivery
// fails. A call whose key is already in flight waits for that attempt.
func (q *Queue) Send(ctx context.Context, req SendRequest) (Result, error) {
	if len(req.Payload) == 0 {
		return Result{}, apperrors.Validation("payload", "payload is required")
	}
	if req.ResourceKey == "" {
		return Result{}, apperrors.Validation("resourceKey", "resource key is required")
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}

	breaker := q.breakers.Get(req.ResourceKey)
	if !breaker.Allow() {
		return Result{}, &CircuitOpenError{Resource: req.ResourceKey, RetryAt: breaker.Stats().ReopenAt}
	}
	handle, started, duplicate := q.guard.Begin(req.IdempotencyKey)
	if duplicate {
		return Result{}, &DuplicateRequestError{Key: req.IdempotencyKey}
	}
	if !started {
		res, err := handle.Wait(ctx)
		if err != nil && !IsPermanent(err) && !errors.Is(err, ErrTransientDelivery) && ctx.Err() == nil {
			// The owner was a queue drain, which completes with the raw transport error.
			err = &TransientError{Resource: req.ResourceKey, Err: err}
		}
		return res, err
	}

	res, err := q.send(ctx, Envelope{
		Queue:          q.cfg.Name,
		IdempotencyKey: req.IdempotencyKey,
		ResourceKey:    req.ResourceKey,
		Payload:        req.Payload,
		Attempt:        1,
	})
	if err != nil {
		if IsPermanent(err) {
			q.guard.Complete(req.IdempotencyKey, Result{}, err)
			return Result{}, err
		}
		err = &TransientError{Resource: req.ResourceKey, Err: err}
		q.guard.Complete(req.IdempotencyKey, Result{}, err)
		breaker.RecordFailure()
		return Result{}, err
	}

	q.guard.Complete(req.IdempotencyKey, res, nil)
	breaker.RecordSuccess()
	return res, nil
}
