// Package pgstore persists queues in Postgres, one row per item.
package pgstore

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"courier/internal/delivery"
	"courier/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const table = "courier_queue_items"

// Store wraps pgxpool for queue persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate executes the embedded migrations in file name order.
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Load returns the queue's items ordered for attempting.
func (s *Store) Load(ctx context.Context, queue string) ([]delivery.Item, error) {
	if err := store.ValidateQueue(queue); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT item FROM `+table+`
		WHERE queue = $1
		ORDER BY next_attempt_at, enqueued_at, id`, queue)
	if err != nil {
		return nil, fmt.Errorf("query queue %s: %w", queue, err)
	}
	defer rows.Close()

	var items []delivery.Item
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		var it delivery.Item
		if err := json.Unmarshal(raw, &it); err != nil {
			return nil, fmt.Errorf("decode item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue %s: %w", queue, err)
	}
	return items, nil
}

// Save replaces the queue's rows in one transaction, bulk loading with COPY.
func (s *Store) Save(ctx context.Context, queue string, items []delivery.Item) error {
	if err := store.ValidateQueue(queue); err != nil {
		return err
	}

	rows := make([][]any, 0, len(items))
	for _, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("encode item %s: %w", it.ID, err)
		}
		rows = append(rows, []any{queue, it.ID, it.NextAttemptAt, it.EnqueuedAt, data})
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE queue = $1`, queue); err != nil {
		return fmt.Errorf("clear queue %s: %w", queue, err)
	}
	if len(rows) > 0 {
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{table},
			[]string{"queue", "id", "next_attempt_at", "enqueued_at", "item"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("copy queue %s: %w", queue, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit queue %s: %w", queue, err)
	}
	return nil
}

var _ delivery.Store = (*Store)(nil)
