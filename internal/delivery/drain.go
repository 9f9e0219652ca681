package delivery

import (
	"context"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DrainReport counts what one drain pass did.
type DrainReport struct {
	Due        int // pending items that were due at the start of the pass
	Delivered  int
	Duplicates int // dropped because the key already completed
	Retried    int
	Exhausted  int
	Rejected   int
	Skipped    int // breaker open, or another attempt for the key failed
}

func (r DrainReport) failedAttempts() int {
	return r.Retried + r.Exhausted
}

func (q *Queue) drainLoop() {
	defer q.wg.Done()

	ticker := q.clock.NewTicker(q.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ticker.Chan():
		case <-q.kick:
		}
		q.Drain(context.Background())
	}
}

// Drain runs one pass over the due pending items in NextAttemptAt then
// EnqueuedAt order. It is called by the drainer; tests call it directly.
func (q *Queue) Drain(ctx context.Context) DrainReport {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	now := q.clock.Now()

	q.mu.Lock()
	for resource := range q.released {
		for _, it := range q.items {
			if it.ResourceKey == resource && it.Status == StatusPending && it.NextAttemptAt.After(now) {
				it.NextAttemptAt = now
			}
		}
		delete(q.released, resource)
	}
	due := make([]Item, 0)
	for _, it := range q.items {
		if it.Due(now) {
			due = append(due, *it)
		}
	}
	q.mu.Unlock()

	slices.SortFunc(due, compareItems)

	var report DrainReport
	report.Due = len(due)
	for _, it := range due {
		if ctx.Err() != nil || q.stopping() {
			break
		}
		q.attempt(ctx, it, &report)
	}

	q.trackDegraded(report)
	if q.metrics != nil {
		q.metrics.RecordQueueDepth(ctx, q.cfg.Name, int64(q.Stats().Pending))
	}
	return report
}

func (q *Queue) attempt(ctx context.Context, it Item, report *DrainReport) {
	breaker := q.breakers.Get(it.ResourceKey)
	if !breaker.Allow() {
		report.Skipped++
		return
	}

	handle, started, duplicate := q.guard.Begin(it.IdempotencyKey)
	if duplicate {
		q.remove(it.ID)
		report.Duplicates++
		q.duplicates.Add(1)
		if q.metrics != nil {
			q.metrics.RecordDuplicate(ctx, q.cfg.Name)
		}
		q.logger.Debug("Dropped duplicate", "item", it.ID, "key", it.IdempotencyKey)
		return
	}

	if !started {
		// Another queue or a direct send owns the key; its outcome decides ours.
		waitCtx, cancel := context.WithTimeout(ctx, q.cfg.SendTimeout)
		_, err := handle.Wait(waitCtx)
		cancel()
		if err != nil {
			report.Skipped++
			return
		}
		q.remove(it.ID)
		report.Duplicates++
		q.duplicates.Add(1)
		if q.metrics != nil {
			q.metrics.RecordDuplicate(ctx, q.cfg.Name)
		}
		return
	}

	env := Envelope{
		ItemID:         it.ID,
		Queue:          q.cfg.Name,
		IdempotencyKey: it.IdempotencyKey,
		ResourceKey:    it.ResourceKey,
		Payload:        it.Payload,
		Attempt:        it.Attempts + 1,
	}
	start := q.clock.Now()
	res, err := q.send(ctx, env)
	q.guard.Complete(it.IdempotencyKey, res, err)

	if err == nil {
		breaker.RecordSuccess()
		q.remove(it.ID)
		q.delivered.Add(1)
		if res.Duplicate {
			report.Duplicates++
			q.duplicates.Add(1)
		} else {
			report.Delivered++
		}
		if q.metrics != nil {
			q.metrics.RecordDelivered(ctx, q.cfg.Name, q.clock.Since(start).Seconds())
		}
		return
	}

	if IsPermanent(err) {
		q.retire(it.ID, env.Attempt, FailureRejected, err)
		report.Rejected++
		q.rejected.Add(1)
		if q.metrics != nil {
			q.metrics.RecordRejected(ctx, q.cfg.Name)
		}
		q.emit(Event{Kind: EventItemRejected, Resource: it.ResourceKey, ItemID: it.ID, Attempts: env.Attempt, Err: err})
		return
	}

	breaker.RecordFailure()
	if env.Attempt >= q.cfg.MaxAttempts {
		q.retire(it.ID, env.Attempt, FailureExhausted, err)
		report.Exhausted++
		q.exhausted.Add(1)
		if q.metrics != nil {
			q.metrics.RecordExhausted(ctx, q.cfg.Name)
		}
		q.emit(Event{Kind: EventItemExhausted, Resource: it.ResourceKey, ItemID: it.ID, Attempts: env.Attempt, Err: err})
		return
	}

	delay, derr := q.calc.Delay(env.Attempt)
	if derr != nil {
		delay = q.calc.Policy().MaxDelay
	}
	q.reschedule(it.ID, env.Attempt, q.clock.Now().Add(delay), err)
	report.Retried++
	q.retried.Add(1)
	if q.metrics != nil {
		q.metrics.RecordRetry(ctx, q.cfg.Name)
	}
	q.emit(Event{Kind: EventItemRetry, Resource: it.ResourceKey, ItemID: it.ID, Attempts: env.Attempt, Delay: delay, Err: err})
}

// send runs one transport call under SendTimeout inside a span. The timeout
// context is detached from the drain context so shutdown lets it finish.
func (q *Queue) send(ctx context.Context, env Envelope) (Result, error) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.cfg.SendTimeout)
	defer cancel()

	sendCtx, span := q.tracer.Start(sendCtx, "delivery.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("courier.queue", env.Queue),
			attribute.String("courier.resource", env.ResourceKey),
			attribute.String("courier.item", env.ItemID),
			attribute.Int("courier.attempt", env.Attempt),
		),
	)
	defer span.End()

	res, err := q.transport.Send(sendCtx, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		q.logger.Warn("Delivery attempt failed",
			"item", env.ItemID,
			"resource", env.ResourceKey,
			"attempts", env.Attempt,
			"error", err,
		)
		return Result{}, err
	}
	span.SetAttributes(attribute.Bool("courier.duplicate", res.Duplicate))
	return res, nil
}

func (q *Queue) remove(id string) {
	q.mu.Lock()
	if it, ok := q.items[id]; ok {
		if q.byKey[it.IdempotencyKey] == id {
			delete(q.byKey, it.IdempotencyKey)
		}
		delete(q.items, id)
	}
	q.mu.Unlock()
	q.markDirty()
}

func (q *Queue) retire(id string, attempts int, kind FailureKind, err error) {
	q.mu.Lock()
	if it, ok := q.items[id]; ok {
		it.Attempts = attempts
		it.Status = StatusFailed
		it.FailureKind = kind
		it.LastError = err.Error()
		it.FailedAt = q.clock.Now()
		if q.byKey[it.IdempotencyKey] == id {
			delete(q.byKey, it.IdempotencyKey)
		}
	}
	q.mu.Unlock()
	q.markDirty()
}

func (q *Queue) reschedule(id string, attempts int, next time.Time, err error) {
	q.mu.Lock()
	if it, ok := q.items[id]; ok {
		it.Attempts = attempts
		it.NextAttemptAt = next
		it.LastError = err.Error()
	}
	q.mu.Unlock()
	q.markDirty()
}

// trackDegraded counts consecutive passes in which attempts were made and
// every one of them failed. Crossing the threshold emits one degraded event;
// the next successful delivery emits recovered.
func (q *Queue) trackDegraded(r DrainReport) {
	switch {
	case r.Delivered+r.Duplicates > 0:
		q.failedPasses = 0
		if q.degraded.CompareAndSwap(true, false) {
			q.logger.Info("Delivery recovered")
			q.emit(Event{Kind: EventFlushRecovered, PendingCount: q.Stats().Pending})
		}
	case r.failedAttempts() > 0:
		q.failedPasses++
		if q.failedPasses >= q.cfg.DegradedThreshold && q.degraded.CompareAndSwap(false, true) {
			pending := q.Stats().Pending
			q.logger.Warn("Delivery degraded", "failures", q.failedPasses, "pending", pending)
			q.emit(Event{Kind: EventFlushDegraded, Failures: q.failedPasses, PendingCount: pending})
		}
	}
}
