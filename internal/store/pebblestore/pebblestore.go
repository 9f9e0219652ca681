// Package pebblestore persists queues in an embedded Pebble database. Each
// item is one key under q/<queue>/; a save replaces the whole prefix in one
// synced batch.
package pebblestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"courier/internal/delivery"
	"courier/internal/store"

	"github.com/cockroachdb/pebble"
)

// Options configures the store.
type Options struct {
	// DataDir is the Pebble database directory. Required.
	DataDir string
	// NoSync skips the WAL fsync on commit. Only for tests and throwaway data.
	NoSync bool
	// PebbleOptions allows advanced tuning. If nil, defaults are used.
	PebbleOptions *pebble.Options
}

// Store is a Pebble-backed delivery.Store.
type Store struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
}

// Open opens or creates the database.
func Open(opts Options) (*Store, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebblestore: Options.DataDir is required")
	}
	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	db, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}

	wo := pebble.Sync
	if opts.NoSync {
		wo = pebble.NoSync
	}
	return &Store{db: db, writeOpts: wo}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func prefix(queue string) []byte {
	return []byte("q/" + queue + "/")
}

// prefixEnd returns the exclusive upper bound of a prefix scan. The prefix
// always ends in '/', so incrementing that byte is enough.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	end[len(end)-1]++
	return end
}

func itemKey(queue, id string) []byte {
	return append(prefix(queue), id...)
}

// Load returns every item stored for queue, in key order.
func (s *Store) Load(_ context.Context, queue string) ([]delivery.Item, error) {
	if err := store.ValidateQueue(queue); err != nil {
		return nil, err
	}

	lower := prefix(queue)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixEnd(lower)})
	if err != nil {
		return nil, fmt.Errorf("open iterator: %w", err)
	}
	defer iter.Close()

	var items []delivery.Item
	for iter.First(); iter.Valid(); iter.Next() {
		var it delivery.Item
		if err := json.Unmarshal(iter.Value(), &it); err != nil {
			return nil, fmt.Errorf("decode item %s: %w", iter.Key(), err)
		}
		items = append(items, it)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate queue %s: %w", queue, err)
	}
	return items, nil
}

// Save replaces the queue's items in one batch.
func (s *Store) Save(ctx context.Context, queue string, items []delivery.Item) error {
	if err := store.ValidateQueue(queue); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()

	lower := prefix(queue)
	if err := b.DeleteRange(lower, prefixEnd(lower), nil); err != nil {
		return fmt.Errorf("clear queue %s: %w", queue, err)
	}
	for _, it := range items {
		value, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("encode item %s: %w", it.ID, err)
		}
		if err := b.Set(itemKey(queue, it.ID), value, nil); err != nil {
			return fmt.Errorf("stage item %s: %w", it.ID, err)
		}
	}
	if err := b.Commit(s.writeOpts); err != nil {
		return fmt.Errorf("commit queue %s: %w", queue, err)
	}
	return nil
}

var _ delivery.Store = (*Store)(nil)
