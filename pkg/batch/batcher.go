// Package batch coalesces individually added items into batches that are
// handed to a handler when a size or age threshold is reached.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"courier/pkg/future"

	"github.com/jonboulle/clockwork"
)

var (
	// ErrClosed is returned for items added after Close.
	ErrClosed = errors.New("batch: batcher closed")
	// ErrResultCount is returned when a handler returns a different number of
	// results than it was given items.
	ErrResultCount = errors.New("batch: handler returned wrong number of results")
)

// Handler processes one batch. It must return one result per item, in order.
type Handler[T, R any] func(ctx context.Context, items []T) ([]R, error)

// Config for a Batcher. Zero values use defaults.
type Config struct {
	MaxBatchSize int           // default: 100
	MaxWaitTime  time.Duration // default: 1s
	Clock        clockwork.Clock
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
	if c.MaxWaitTime <= 0 {
		c.MaxWaitTime = time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

type entry[T, R any] struct {
	item T
	fut  *future.Future[R]
}

// Batcher accumulates items and flushes them through a single worker, so at
// most one handler call runs at a time.
type Batcher[T, R any] struct {
	cfg     Config
	handler Handler[T, R]

	mu       sync.Mutex
	pending  []entry[T, R]
	ready    [][]entry[T, R] // cut batches waiting for the worker
	timer    clockwork.Timer
	timerGen uint64 // invalidates callbacks of disarmed timers
	timerDue bool   // max-wait elapsed while a flush was running
	flushing bool
	current  *future.Future[struct{}]
	closed   bool
	wg       sync.WaitGroup
}

// New creates a batcher.
func New[T, R any](cfg Config, handler Handler[T, R]) *Batcher[T, R] {
	return &Batcher[T, R]{
		cfg:     cfg.withDefaults(),
		handler: handler,
	}
}

// Add appends item to the current batch. The returned future resolves with
// the item's result once its batch has been handled. A batch that reaches
// MaxBatchSize is cut before Add returns and handed to the flush worker.
func (b *Batcher[T, R]) Add(item T) *future.Future[R] {
	fut := future.New[R]()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		var zero R
		fut.Resolve(zero, ErrClosed)
		return fut
	}

	b.pending = append(b.pending, entry[T, R]{item: item, fut: fut})
	if len(b.pending) == 1 && b.timer == nil {
		b.timerGen++
		gen := b.timerGen
		b.timer = b.cfg.Clock.AfterFunc(b.cfg.MaxWaitTime, func() { b.onTimer(gen) })
	}
	if len(b.pending) >= b.cfg.MaxBatchSize {
		b.cutLocked()
		b.startLocked()
	}
	return fut
}

// Flush hands the current batch to the worker. If a flush is already running
// nothing new is started and the running flush's future is returned. The
// future resolves when the worker goes idle.
func (b *Batcher[T, R]) Flush() *future.Future[struct{}] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.flushing {
		return b.current
	}
	if len(b.pending) == 0 {
		return future.Resolved(struct{}{}, nil)
	}
	b.cutLocked()
	return b.startLocked()
}

// QueueSize returns the number of items not yet handed to the worker.
func (b *Batcher[T, R]) QueueSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close flushes what is pending, waits for the worker, and makes later Add
// calls fail with ErrClosed.
func (b *Batcher[T, R]) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	if len(b.pending) > 0 {
		b.cutLocked()
		b.startLocked()
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Batcher[T, R]) onTimer(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.timerGen {
		return
	}
	b.timer = nil
	if b.flushing {
		b.timerDue = true
		return
	}
	if len(b.pending) > 0 {
		b.cutLocked()
		b.startLocked()
	}
}

// cutLocked moves pending to the ready list and disarms the timer.
func (b *Batcher[T, R]) cutLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.timerGen++
	b.timerDue = false
	if len(b.pending) == 0 {
		return
	}
	b.ready = append(b.ready, b.pending)
	b.pending = nil
}

// startLocked launches the worker unless it is already running.
func (b *Batcher[T, R]) startLocked() *future.Future[struct{}] {
	if b.flushing {
		return b.current
	}
	b.flushing = true
	b.current = future.New[struct{}]()
	b.wg.Add(1)
	go b.run(b.current)
	return b.current
}

func (b *Batcher[T, R]) run(done *future.Future[struct{}]) {
	defer b.wg.Done()

	for {
		b.mu.Lock()
		if len(b.ready) == 0 {
			if len(b.pending) > 0 && (b.timerDue || len(b.pending) >= b.cfg.MaxBatchSize) {
				b.cutLocked()
				b.mu.Unlock()
				continue
			}
			b.flushing = false
			b.current = nil
			b.mu.Unlock()
			done.Resolve(struct{}{}, nil)
			return
		}
		batch := b.ready[0]
		b.ready[0] = nil
		b.ready = b.ready[1:]
		b.mu.Unlock()

		b.process(batch)
	}
}

func (b *Batcher[T, R]) process(batch []entry[T, R]) {
	items := make([]T, len(batch))
	for i, e := range batch {
		items[i] = e.item
	}

	results, err := b.call(items)
	if err == nil && len(results) != len(items) {
		err = fmt.Errorf("%w: got %d, want %d", ErrResultCount, len(results), len(items))
	}
	if err != nil {
		var zero R
		for _, e := range batch {
			e.fut.Resolve(zero, err)
		}
		return
	}
	for i, e := range batch {
		e.fut.Resolve(results[i], nil)
	}
}

func (b *Batcher[T, R]) call(items []T) (results []R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch: handler panic: %v", r)
		}
	}()
	return b.handler(context.Background(), items)
}
