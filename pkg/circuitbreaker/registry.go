package circuitbreaker

import (
	"cmp"
	"slices"
	"sync"
)

// Registry manages circuit breakers for multiple resources.
// Breakers are created lazily on first access and shared by every caller
// that asks for the same name.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config

	listenersMu  sync.RWMutex
	listeners    []listener
	nextListener uint64
}

type listener struct {
	id uint64
	fn func(Transition)
}

// NewRegistry creates a new registry with the given config for every breaker.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg.withDefaults(),
	}
}

// Config returns the effective breaker config.
func (r *Registry) Config() Config {
	return r.config
}

// OnStateChange registers a listener called after every state transition of
// any breaker in the registry. Listeners run on the goroutine that caused the
// transition, outside the breaker's lock. The returned func removes the
// listener; calling it more than once is safe.
func (r *Registry) OnStateChange(fn func(Transition)) (unsubscribe func()) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.nextListener++
	id := r.nextListener
	r.listeners = append(r.listeners, listener{id: id, fn: fn})

	return func() {
		r.listenersMu.Lock()
		defer r.listenersMu.Unlock()
		// Copy on write: dispatch iterates a snapshot without the lock.
		r.listeners = slices.DeleteFunc(slices.Clone(r.listeners), func(l listener) bool {
			return l.id == id
		})
	}
}

func (r *Registry) dispatch(t Transition) {
	r.listenersMu.RLock()
	listeners := r.listeners
	r.listenersMu.RUnlock()

	for _, l := range listeners {
		l.fn(t)
	}
}

// Get returns the circuit breaker for a key, creating one if needed.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, exists := r.breakers[key]
	r.mu.RUnlock()

	if exists {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if b, exists = r.breakers[key]; exists {
		return b
	}

	b = newBreaker(key, r.config, r.dispatch)
	r.breakers[key] = b
	return b
}

// Lookup returns the breaker for key without creating it.
func (r *Registry) Lookup(key string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[key]
	return b, ok
}

// Stats returns statistics about the registry.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{
		Total: len(r.breakers),
	}
	for _, b := range r.breakers {
		switch b.State() {
		case Open:
			stats.Open++
		case HalfOpen:
			stats.HalfOpen++
		case Closed:
			stats.Closed++
		}
	}
	return stats
}

// RegistryStats holds registry statistics.
type RegistryStats struct {
	Total    int `json:"total"`    // Total breakers
	Open     int `json:"open"`     // Breakers in open state
	HalfOpen int `json:"halfOpen"` // Breakers in half-open state
	Closed   int `json:"closed"`   // Breakers in closed state
}

// Snapshot returns per-breaker stats ordered by name.
func (r *Registry) Snapshot() []Stats {
	r.mu.RLock()
	out := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Stats())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Stats) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}

// Reset resets all breakers in the registry.
func (r *Registry) Reset() {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	for _, b := range breakers {
		b.Reset()
	}
}

// ResetOne resets a single breaker. It reports false if the name is unknown.
func (r *Registry) ResetOne(key string) bool {
	b, ok := r.Lookup(key)
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Remove removes a breaker from the registry.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, key)
}

// Keys returns all registered keys.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.breakers))
	for k := range r.breakers {
		keys = append(keys, k)
	}
	return keys
}
