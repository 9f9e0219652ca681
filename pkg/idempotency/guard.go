// Package idempotency guards side effects keyed by an idempotency key.
//
// A Guard tracks two things: keys whose operation is currently running
// (so concurrent callers attach to one attempt instead of starting another)
// and keys that completed successfully within a dedupe window (so repeats
// can be rejected as duplicates).
package idempotency

import (
	"sync"
	"time"

	"courier/pkg/future"

	"github.com/jonboulle/clockwork"
)

// DefaultDedupeTTL is how long a successful completion suppresses repeats.
const DefaultDedupeTTL = 60 * time.Second

// Config configures a Guard.
type Config struct {
	// DedupeTTL is the duplicate suppression window. Zero uses the default,
	// negative disables suppression entirely.
	DedupeTTL time.Duration
	Clock     clockwork.Clock
}

type completion struct {
	key string
	at  time.Time
}

// Guard is safe for concurrent use. The zero value is not usable; call NewGuard.
type Guard[T any] struct {
	ttl   time.Duration
	clock clockwork.Clock

	mu        sync.Mutex
	inFlight  map[string]*future.Future[T]
	completed map[string]time.Time
	order     []completion // completion log, oldest first
}

// NewGuard creates a guard.
func NewGuard[T any](cfg Config) *Guard[T] {
	if cfg.DedupeTTL == 0 {
		cfg.DedupeTTL = DefaultDedupeTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Guard[T]{
		ttl:       cfg.DedupeTTL,
		clock:     cfg.Clock,
		inFlight:  make(map[string]*future.Future[T]),
		completed: make(map[string]time.Time),
	}
}

// TryBegin atomically claims key. If another attempt for key is in flight it
// returns that attempt's handle and started=false; the caller should wait on
// the handle instead of starting its own attempt. Otherwise it registers a new
// handle and returns started=true; the caller must eventually call Complete.
// TryBegin ignores the dedupe window; use Begin to honour it.
func (g *Guard[T]) TryBegin(key string) (*future.Future[T], bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()
	return g.claimLocked(key)
}

// Begin is IsDuplicate and TryBegin under one lock, so a completion landing
// between the two cannot let a repeat through. A key inside the dedupe window
// returns duplicate=true and no handle.
func (g *Guard[T]) Begin(key string) (handle *future.Future[T], started, duplicate bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()

	if _, ok := g.completed[key]; ok {
		return nil, false, true
	}
	handle, started = g.claimLocked(key)
	return handle, started, false
}

func (g *Guard[T]) claimLocked(key string) (*future.Future[T], bool) {
	if f, ok := g.inFlight[key]; ok {
		return f, false
	}
	f := future.New[T]()
	g.inFlight[key] = f
	return f, true
}

// Complete releases key and resolves everyone attached to its handle.
// A nil err records the key in the dedupe window; a failed attempt leaves the
// key free to be retried.
func (g *Guard[T]) Complete(key string, value T, err error) {
	g.mu.Lock()
	f, ok := g.inFlight[key]
	delete(g.inFlight, key)
	if err == nil && g.ttl > 0 {
		now := g.clock.Now()
		g.completed[key] = now
		g.order = append(g.order, completion{key: key, at: now})
	}
	g.pruneLocked()
	g.mu.Unlock()

	if ok {
		f.Resolve(value, err)
	}
}

// IsDuplicate reports whether key completed successfully within the dedupe window.
func (g *Guard[T]) IsDuplicate(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()

	_, ok := g.completed[key]
	return ok
}

// Forget drops key from the dedupe window so it can be executed again.
func (g *Guard[T]) Forget(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.completed, key)
}

// InFlight returns the number of keys currently claimed.
func (g *Guard[T]) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inFlight)
}

// Remembered returns the number of keys inside the dedupe window.
func (g *Guard[T]) Remembered() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()
	return len(g.completed)
}

// pruneLocked drops expired completions from the front of the log. A key that
// completed again later keeps its newer timestamp in completed, so a stale log
// entry only deletes the map entry when the timestamps match.
func (g *Guard[T]) pruneLocked() {
	if g.ttl <= 0 {
		return
	}
	cutoff := g.clock.Now().Add(-g.ttl)
	n := 0
	for n < len(g.order) && !g.order[n].at.After(cutoff) {
		c := g.order[n]
		if at, ok := g.completed[c.key]; ok && at.Equal(c.at) {
			delete(g.completed, c.key)
		}
		n++
	}
	if n > 0 {
		g.order = g.order[n:]
	}
}
