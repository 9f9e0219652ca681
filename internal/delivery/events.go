package delivery

import (
	"context"
	"log/slog"
	"time"

	"courier/pkg/circuitbreaker"
)

// EventKind names an observability event.
type EventKind string

const (
	EventBreakerOpened     EventKind = "breaker.opened"
	EventBreakerClosed     EventKind = "breaker.closed"
	EventBreakerHalfOpen   EventKind = "breaker.half_open"
	EventItemRetry         EventKind = "queue.item.retry"
	EventItemExhausted     EventKind = "queue.item.exhausted"
	EventItemRejected      EventKind = "queue.item.rejected"
	EventFlushDegraded     EventKind = "queue.flush.degraded"
	EventFlushRecovered    EventKind = "queue.flush.recovered"
	EventPersistenceFailed EventKind = "queue.persist.failed"
)

// Event is an advisory structured event. Fields not relevant to Kind are zero.
type Event struct {
	Kind         EventKind
	Queue        string
	Resource     string
	ItemID       string
	Attempts     int
	Delay        time.Duration
	Failures     int
	PendingCount int
	Err          error
	At           time.Time
}

// Observer receives events. Implementations must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe calls f.
func (f ObserverFunc) Observe(e Event) { f(e) }

// Observers fans an event out to every non-nil observer.
func Observers(obs ...Observer) Observer {
	return ObserverFunc(func(e Event) {
		for _, o := range obs {
			if o != nil {
				o.Observe(e)
			}
		}
	})
}

// LogObserver writes events to logger.
func LogObserver(logger *slog.Logger) Observer {
	return ObserverFunc(func(e Event) {
		attrs := []any{"event", string(e.Kind)}
		if e.Queue != "" {
			attrs = append(attrs, "queue", e.Queue)
		}
		if e.Resource != "" {
			attrs = append(attrs, "resource", e.Resource)
		}
		if e.ItemID != "" {
			attrs = append(attrs, "item", e.ItemID)
		}
		switch e.Kind {
		case EventItemRetry:
			attrs = append(attrs, "attempts", e.Attempts, "delayMs", e.Delay.Milliseconds())
		case EventItemExhausted, EventItemRejected:
			attrs = append(attrs, "attempts", e.Attempts)
		case EventFlushDegraded, EventFlushRecovered:
			attrs = append(attrs, "failures", e.Failures, "pendingCount", e.PendingCount)
		}
		if e.Err != nil {
			attrs = append(attrs, "error", e.Err)
		}

		level := slog.LevelInfo
		switch e.Kind {
		case EventBreakerOpened, EventItemExhausted, EventItemRejected, EventFlushDegraded, EventPersistenceFailed:
			level = slog.LevelWarn
		case EventItemRetry:
			level = slog.LevelDebug
		}
		logger.Log(context.Background(), level, "Delivery event", attrs...)
	})
}

// WatchBreakers forwards state transitions of every breaker in reg to obs.
// Call it once per registry.
func WatchBreakers(reg *circuitbreaker.Registry, obs Observer) (unsubscribe func()) {
	return reg.OnStateChange(func(t circuitbreaker.Transition) {
		var kind EventKind
		switch t.To {
		case circuitbreaker.Open:
			kind = EventBreakerOpened
		case circuitbreaker.HalfOpen:
			kind = EventBreakerHalfOpen
		case circuitbreaker.Closed:
			kind = EventBreakerClosed
		default:
			return
		}
		obs.Observe(Event{Kind: kind, Resource: t.Name, At: t.At})
	})
}

// MetricsRecorder is an optional interface for recording queue metrics.
type MetricsRecorder interface {
	RecordEnqueued(ctx context.Context, queue string)
	RecordDelivered(ctx context.Context, queue string, durationSeconds float64)
	RecordRetry(ctx context.Context, queue string)
	RecordExhausted(ctx context.Context, queue string)
	RecordRejected(ctx context.Context, queue string)
	RecordDuplicate(ctx context.Context, queue string)
	RecordQueueDepth(ctx context.Context, queue string, depth int64)
	RecordBatchFlushed(ctx context.Context, queue string, size int)
}
