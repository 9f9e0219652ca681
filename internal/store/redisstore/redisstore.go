// Package redisstore persists each queue as a Redis hash of item id to item
// JSON. Saves replace the hash inside MULTI/EXEC.
package redisstore

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"courier/internal/delivery"
	"courier/internal/store"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key the store writes.
const DefaultPrefix = "courier:queue:"

// Store is a Redis-backed delivery.Store.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// New wraps an existing client. An empty prefix uses DefaultPrefix.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Key returns the hash holding queue.
func (s *Store) Key(queue string) string {
	return s.prefix + queue
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Load returns the queue's items ordered for attempting.
func (s *Store) Load(ctx context.Context, queue string) ([]delivery.Item, error) {
	if err := store.ValidateQueue(queue); err != nil {
		return nil, err
	}

	fields, err := s.client.HGetAll(ctx, s.Key(queue)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", s.Key(queue), err)
	}

	items := make([]delivery.Item, 0, len(fields))
	for id, raw := range fields {
		var it delivery.Item
		if err := json.Unmarshal([]byte(raw), &it); err != nil {
			return nil, fmt.Errorf("decode item %s: %w", id, err)
		}
		items = append(items, it)
	}
	slices.SortFunc(items, func(a, b delivery.Item) int {
		return cmp.Or(
			a.NextAttemptAt.Compare(b.NextAttemptAt),
			a.EnqueuedAt.Compare(b.EnqueuedAt),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return items, nil
}

// Save replaces the hash in one transaction.
func (s *Store) Save(ctx context.Context, queue string, items []delivery.Item) error {
	if err := store.ValidateQueue(queue); err != nil {
		return err
	}

	values := make(map[string]any, len(items))
	for _, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("encode item %s: %w", it.ID, err)
		}
		values[it.ID] = data
	}

	key := s.Key(queue)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(values) > 0 {
		pipe.HSet(ctx, key, values)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

var _ delivery.Store = (*Store)(nil)
