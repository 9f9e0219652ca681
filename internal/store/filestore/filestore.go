// Package filestore persists each queue as one JSON document on local disk.
// Saves write a temporary file and rename it over the old one, so a crash
// leaves either the previous or the new document.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"courier/internal/delivery"
	"courier/internal/store"

	"github.com/moby/sys/atomicwriter"
)

const formatVersion = 1

type document struct {
	Version int             `json:"version"`
	Queue   string          `json:"queue"`
	Items   []delivery.Item `json:"items"`
}

// Store keeps <dir>/<queue>.json per queue.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New creates the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Path returns the file backing queue.
func (s *Store) Path(queue string) string {
	return filepath.Join(s.dir, queue+".json")
}

// Load reads the queue document. A missing file is an empty queue.
func (s *Store) Load(_ context.Context, queue string) ([]delivery.Item, error) {
	if err := store.ValidateQueue(queue); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.Path(queue))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode queue file %s: %w", s.Path(queue), err)
	}
	if doc.Version != formatVersion {
		return nil, fmt.Errorf("queue file %s: unsupported version %d", s.Path(queue), doc.Version)
	}
	return doc.Items, nil
}

// Save atomically replaces the queue document.
func (s *Store) Save(ctx context.Context, queue string, items []delivery.Item) error {
	if err := store.ValidateQueue(queue); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if items == nil {
		items = []delivery.Item{}
	}

	data, err := json.Marshal(document{Version: formatVersion, Queue: queue, Items: items})
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := atomicwriter.WriteFile(s.Path(queue), data, 0o600); err != nil {
		return fmt.Errorf("write queue file: %w", err)
	}
	return nil
}

var _ delivery.Store = (*Store)(nil)
