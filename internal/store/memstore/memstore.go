// Package memstore keeps queue state in process memory. State does not
// survive a restart; it backs tests and single-process deployments that
// accept that.
package memstore

import (
	"context"
	"slices"
	"sync"

	"courier/internal/delivery"
)

// Store is an in-memory delivery.Store. Items are copied on the way in and
// out so callers never share state with the store.
type Store struct {
	mu     sync.RWMutex
	queues map[string][]delivery.Item
	saves  int
}

// New creates an empty store.
func New() *Store {
	return &Store{queues: make(map[string][]delivery.Item)}
}

// Load returns a copy of the saved items for queue.
func (s *Store) Load(_ context.Context, queue string) ([]delivery.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.queues[queue]), nil
}

// Save replaces the saved items for queue.
func (s *Store) Save(_ context.Context, queue string, items []delivery.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(items) == 0 {
		delete(s.queues, queue)
	} else {
		s.queues[queue] = clone(items)
	}
	s.saves++
	return nil
}

// Saves returns how many times Save was called.
func (s *Store) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

func clone(items []delivery.Item) []delivery.Item {
	out := make([]delivery.Item, len(items))
	for i, it := range items {
		it.Payload = slices.Clone(it.Payload)
		out[i] = it
	}
	return out
}

var _ delivery.Store = (*Store)(nil)
