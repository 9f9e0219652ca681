package delivery

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"courier/internal/apperrors"
	"courier/pkg/backoff"
	"courier/pkg/circuitbreaker"
	"courier/pkg/idempotency"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Queue is a durable retrying delivery queue. Enqueue is safe for concurrent
// use and never blocks on I/O; delivery runs on one drainer goroutine and
// persistence on one writer goroutine.
type Queue struct {
	cfg       Config
	transport Transport
	store     Store
	breakers  *circuitbreaker.Registry
	guard     *idempotency.Guard[Result]
	observer  Observer
	metrics   MetricsRecorder
	clock     clockwork.Clock
	logger    *slog.Logger
	calc      *backoff.Calculator
	tracer    trace.Tracer
	seed      uint64
	unwatch   func() // removes the breaker transition listener

	mu       sync.Mutex
	items    map[string]*Item
	byKey    map[string]string   // idempotency key -> pending item id
	released map[string]struct{} // resources whose breaker closed since the last pass
	loaded   bool
	started  bool
	closed   bool

	drainMu      sync.Mutex // one drain pass at a time
	failedPasses int        // consecutive passes where every attempt failed, guarded by drainMu
	degraded     atomic.Bool

	saveMu sync.Mutex
	kick   chan struct{}
	dirty  chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup

	enqueued   atomic.Int64
	delivered  atomic.Int64
	retried    atomic.Int64
	exhausted  atomic.Int64
	rejected   atomic.Int64
	duplicates atomic.Int64
}

// Option configures a Queue.
type Option func(*Queue)

// WithBreakers shares a breaker registry between queues and direct senders.
func WithBreakers(r *circuitbreaker.Registry) Option {
	return func(q *Queue) { q.breakers = r }
}

// WithGuard shares an idempotency guard between queues and direct senders.
func WithGuard(g *idempotency.Guard[Result]) Option {
	return func(q *Queue) { q.guard = g }
}

// WithObserver attaches an event observer.
func WithObserver(o Observer) Option {
	return func(q *Queue) { q.observer = o }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithClock sets the clock used for scheduling.
func WithClock(c clockwork.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithRandSeed makes backoff jitter deterministic.
func WithRandSeed(seed uint64) Option {
	return func(q *Queue) { q.seed = seed }
}

// New creates a queue. Call Start to load persisted items and begin draining.
func New(cfg Config, transport Transport, store Store, opts ...Option) (*Queue, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, apperrors.Validation("transport", "transport is required")
	}
	if store == nil {
		return nil, apperrors.Validation("store", "store is required")
	}
	cfg = cfg.withDefaults()

	q := &Queue{
		cfg:       cfg,
		transport: transport,
		store:     store,
		seed:      rand.Uint64(),
		items:     make(map[string]*Item),
		byKey:     make(map[string]string),
		released:  make(map[string]struct{}),
		kick:      make(chan struct{}, 1),
		dirty:     make(chan struct{}, 1),
		stop:      make(chan struct{}),
		tracer:    otel.Tracer("courier/delivery"),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.clock == nil {
		q.clock = clockwork.NewRealClock()
	}
	if q.logger == nil {
		q.logger = slog.With("component", "delivery", "queue", cfg.Name)
	}
	if q.breakers == nil {
		bc := circuitbreaker.DefaultConfig()
		bc.Clock = q.clock
		q.breakers = circuitbreaker.NewRegistry(bc)
	}
	if q.guard == nil {
		q.guard = idempotency.NewGuard[Result](idempotency.Config{Clock: q.clock})
	}
	q.calc = backoff.NewCalculator(cfg.Backoff, q.seed)
	q.unwatch = q.breakers.OnStateChange(q.onBreakerTransition)

	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.cfg.Name
}

// Config returns the effective configuration.
func (q *Queue) Config() Config {
	return q.cfg
}

// Breakers returns the registry consulted before each attempt.
func (q *Queue) Breakers() *circuitbreaker.Registry {
	return q.breakers
}

// Enqueue adds a pending item and returns its id. An idempotency key that
// matches an item still pending in this queue returns that item's id instead
// of adding a second one.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if len(req.Payload) == 0 {
		return "", apperrors.Validation("payload", "payload is required")
	}
	if req.ResourceKey == "" {
		return "", apperrors.Validation("resourceKey", "resource key is required")
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	if id, ok := q.byKey[req.IdempotencyKey]; ok {
		q.mu.Unlock()
		q.logger.Debug("Enqueue coalesced", "item", id, "key", req.IdempotencyKey)
		return id, nil
	}
	if pending := q.pendingLocked(); pending >= q.cfg.MaxQueueSize {
		q.mu.Unlock()
		return "", &QueueFullError{Queue: q.cfg.Name, Limit: q.cfg.MaxQueueSize}
	}

	now := q.clock.Now()
	item := &Item{
		ID:             uuid.NewString(),
		Queue:          q.cfg.Name,
		Payload:        req.Payload,
		ResourceKey:    req.ResourceKey,
		IdempotencyKey: req.IdempotencyKey,
		EnqueuedAt:     now,
		NextAttemptAt:  now,
		Status:         StatusPending,
	}
	q.items[item.ID] = item
	q.byKey[item.IdempotencyKey] = item.ID
	depth := q.pendingLocked()
	q.mu.Unlock()

	q.enqueued.Add(1)
	if q.metrics != nil {
		q.metrics.RecordEnqueued(ctx, q.cfg.Name)
		q.metrics.RecordQueueDepth(ctx, q.cfg.Name, int64(depth))
	}
	q.markDirty()
	q.signal()
	return item.ID, nil
}

// Start loads persisted items, merging anything enqueued before Start, and
// launches the drainer and the persistence writer.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.started {
		q.mu.Unlock()
		return fmt.Errorf("queue %s already started", q.cfg.Name)
	}
	q.started = true
	q.mu.Unlock()

	if err := q.load(ctx); err != nil {
		q.mu.Lock()
		q.started = false
		q.mu.Unlock()
		return err
	}

	q.wg.Add(2)
	go q.drainLoop()
	go q.persistLoop()

	q.signal()
	q.logger.Info("Queue started", "pending", q.Stats().Pending, "interval", q.cfg.DrainInterval)
	return nil
}

func (q *Queue) load(ctx context.Context) error {
	stored, err := q.store.Load(ctx, q.cfg.Name)
	if err != nil {
		return fmt.Errorf("load queue %s: %w", q.cfg.Name, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range stored {
		it := stored[i]
		if _, exists := q.items[it.ID]; exists {
			continue
		}
		if it.Status == StatusPending {
			if _, dup := q.byKey[it.IdempotencyKey]; dup {
				continue
			}
			q.byKey[it.IdempotencyKey] = it.ID
		}
		q.items[it.ID] = &it
	}
	q.loaded = true
	return nil
}

// Close stops the drainer, waits for an in-flight send to finish, and
// persists the final state.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	started, loaded := q.started, q.loaded
	q.mu.Unlock()

	q.unwatch()

	if started {
		close(q.stop)
		done := make(chan struct{})
		go func() {
			q.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			q.logger.Warn("Queue shutdown timed out", "pending", q.Stats().Pending)
			// Save what is known now; a send still running may change it later.
			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.cfg.SendTimeout)
			defer cancel()
			if err := q.persist(saveCtx); err != nil {
				return errors.Join(ctx.Err(), err)
			}
			return ctx.Err()
		}
	}

	// Never overwrite the stored set with a partial view.
	if !loaded {
		if err := q.load(ctx); err != nil {
			return err
		}
	}
	if err := q.persist(ctx); err != nil {
		return err
	}

	st := q.Stats()
	q.logger.Info("Queue closed", "pending", st.Pending, "failed", st.Failed, "delivered", st.Delivered)
	return nil
}

// Sync persists the current state now.
func (q *Queue) Sync(ctx context.Context) error {
	return q.persist(ctx)
}

// Ready reports whether the queue is started and accepting work.
func (q *Queue) Ready(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch {
	case q.closed:
		return ErrQueueClosed
	case !q.started:
		return &apperrors.Error{Sentinel: apperrors.ErrUnavailable, Message: fmt.Sprintf("queue %s not started", q.cfg.Name)}
	}
	return nil
}

// Degraded reports whether delivery is failing systemically.
func (q *Queue) Degraded() bool {
	return q.degraded.Load()
}

// Snapshot returns copies of every item, pending and failed, in attempt order.
func (q *Queue) Snapshot() []Item {
	q.mu.Lock()
	out := make([]Item, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, *it)
	}
	q.mu.Unlock()

	slices.SortFunc(out, compareItems)
	return out
}

// Item returns a copy of one item.
func (q *Queue) Item(id string) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return Item{}, apperrors.NotFound("item", id)
	}
	return *it, nil
}

// Stats summarizes the queue.
type Stats struct {
	Queue        string `json:"queue"`
	Pending      int    `json:"pending"`
	Failed       int    `json:"failed"`
	Enqueued     int64  `json:"enqueued"`
	Delivered    int64  `json:"delivered"`
	Retried      int64  `json:"retried"`
	Exhausted    int64  `json:"exhausted"`
	Rejected     int64  `json:"rejected"`
	Duplicates   int64  `json:"duplicates"`
	Degraded     bool   `json:"degraded"`
	MaxQueueSize int    `json:"maxQueueSize"`
}

// Stats returns current counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	pending := q.pendingLocked()
	failed := len(q.items) - pending
	q.mu.Unlock()

	return Stats{
		Queue:        q.cfg.Name,
		Pending:      pending,
		Failed:       failed,
		Enqueued:     q.enqueued.Load(),
		Delivered:    q.delivered.Load(),
		Retried:      q.retried.Load(),
		Exhausted:    q.exhausted.Load(),
		Rejected:     q.rejected.Load(),
		Duplicates:   q.duplicates.Load(),
		Degraded:     q.degraded.Load(),
		MaxQueueSize: q.cfg.MaxQueueSize,
	}
}

// Requeue moves a failed item back to pending with its attempts reset.
func (q *Queue) Requeue(id string) error {
	q.mu.Lock()
	it, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return apperrors.NotFound("item", id)
	}
	if it.Status != StatusFailed {
		q.mu.Unlock()
		return apperrors.Conflict("item", fmt.Sprintf("item %s is not failed", id))
	}
	if other, dup := q.byKey[it.IdempotencyKey]; dup {
		q.mu.Unlock()
		return apperrors.Conflict("item", fmt.Sprintf("item %s with the same idempotency key is pending", other))
	}
	it.Status = StatusPending
	it.Attempts = 0
	it.NextAttemptAt = q.clock.Now()
	it.LastError = ""
	it.FailureKind = ""
	it.FailedAt = time.Time{}
	q.byKey[it.IdempotencyKey] = id
	q.mu.Unlock()

	q.guard.Forget(it.IdempotencyKey)
	q.logger.Info("Item requeued", "item", id)
	q.markDirty()
	q.signal()
	return nil
}

// Purge removes a failed item record.
func (q *Queue) Purge(id string) error {
	q.mu.Lock()
	it, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return apperrors.NotFound("item", id)
	}
	if it.Status != StatusFailed {
		q.mu.Unlock()
		return apperrors.Conflict("item", fmt.Sprintf("item %s is still pending", id))
	}
	delete(q.items, id)
	q.mu.Unlock()

	q.markDirty()
	return nil
}

func (q *Queue) pendingLocked() int {
	return len(q.byKey)
}

func compareItems(a, b Item) int {
	return cmp.Or(
		a.NextAttemptAt.Compare(b.NextAttemptAt),
		a.EnqueuedAt.Compare(b.EnqueuedAt),
		cmp.Compare(a.ID, b.ID),
	)
}

func (q *Queue) onBreakerTransition(t circuitbreaker.Transition) {
	if t.To != circuitbreaker.Closed {
		return
	}
	q.mu.Lock()
	q.released[t.Name] = struct{}{}
	q.mu.Unlock()
	q.signal()
}

// signal wakes the drainer without blocking.
func (q *Queue) signal() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

func (q *Queue) markDirty() {
	select {
	case q.dirty <- struct{}{}:
	default:
	}
}

func (q *Queue) emit(e Event) {
	if q.observer == nil {
		return
	}
	e.Queue = q.cfg.Name
	if e.At.IsZero() {
		e.At = q.clock.Now()
	}
	q.observer.Observe(e)
}

func (q *Queue) stopping() bool {
	select {
	case <-q.stop:
		return true
	default:
		return false
	}
}
