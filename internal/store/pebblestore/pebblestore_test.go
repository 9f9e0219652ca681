package pebblestore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"courier/internal/delivery"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(Options{DataDir: dir, NoSync: true})
	require.NoError(t, err)
	return s
}

func items(ids ...string) []delivery.Item {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	out := make([]delivery.Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, delivery.Item{
			ID:             id,
			Queue:          "orders",
			Payload:        json.RawMessage(`{"id":"` + id + `"}`),
			ResourceKey:    "r",
			IdempotencyKey: "key-" + id,
			EnqueuedAt:     at,
			NextAttemptAt:  at,
			Status:         delivery.StatusPending,
		})
	}
	return out
}

func TestStore_SaveReplacesPrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := open(t, t.TempDir())
	defer s.Close()

	require.NoError(t, s.Save(ctx, "orders", items("a", "b", "c")))
	require.NoError(t, s.Save(ctx, "orders", items("b", "d")))

	got, err := s.Load(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, items("b", "d"), got)
}

func TestStore_QueuesAreIsolated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := open(t, t.TempDir())
	defer s.Close()

	// "orders" is a prefix of "orders2"; the trailing separator keeps them apart.
	require.NoError(t, s.Save(ctx, "orders", items("a")))
	require.NoError(t, s.Save(ctx, "orders2", items("x", "y")))
	require.NoError(t, s.Save(ctx, "orders", nil))

	got, err := s.Load(ctx, "orders")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.Load(ctx, "orders2")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestStore_SurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	s := open(t, dir)
	require.NoError(t, s.Save(ctx, "orders", items("a", "b")))
	require.NoError(t, s.Close())

	s = open(t, dir)
	defer s.Close()
	got, err := s.Load(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, items("a", "b"), got)
}

func TestOpen_RequiresDir(t *testing.T) {
	t.Parallel()
	_, err := Open(Options{})
	assert.Error(t, err)
}

func TestPrefixEnd(t *testing.T) {
	t.Parallel()
	p := prefix("orders")
	assert.Equal(t, "q/orders/", string(p))
	assert.Equal(t, "q/orders0", string(prefixEnd(p)))
}
