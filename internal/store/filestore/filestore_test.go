package filestore

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"courier/internal/apperrors"
	"courier/internal/delivery"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleItems() []delivery.Item {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return []delivery.Item{
		{
			ID:             "a",
			Queue:          "orders",
			Payload:        json.RawMessage(`{"n":1}`),
			ResourceKey:    "https://hooks.example.com",
			IdempotencyKey: "k1",
			EnqueuedAt:     at,
			NextAttemptAt:  at.Add(time.Second),
			Attempts:       1,
			Status:         delivery.StatusPending,
			LastError:      "HTTP 503",
		},
		{
			ID:             "b",
			Queue:          "orders",
			Payload:        json.RawMessage(`[1,2]`),
			ResourceKey:    "https://hooks.example.com",
			IdempotencyKey: "k2",
			EnqueuedAt:     at,
			NextAttemptAt:  at,
			Attempts:       5,
			Status:         delivery.StatusFailed,
			FailureKind:    delivery.FailureExhausted,
			FailedAt:       at.Add(time.Minute),
		},
	}
}

func TestStore_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := New(t.TempDir())
	require.NoError(t, err)

	items, err := s.Load(ctx, "orders")
	require.NoError(t, err)
	assert.Empty(t, items, "missing file is an empty queue")

	require.NoError(t, s.Save(ctx, "orders", sampleItems()))
	got, err := s.Load(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, sampleItems(), got)

	require.NoError(t, s.Save(ctx, "orders", nil))
	got, err = s.Load(ctx, "orders")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_FileFormatAndPermissions(t *testing.T) {
	t.Parallel()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), "orders", sampleItems()[:1]))

	info, err := os.Stat(s.Path("orders"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(s.Path("orders"))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.EqualValues(t, 1, doc["version"])
	assert.Equal(t, "orders", doc["queue"])
}

func TestStore_CorruptAndUnknownVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(s.Path("broken"), []byte("{not json"), 0o600))
	_, err = s.Load(ctx, "broken")
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(s.Path("future"), []byte(`{"version":9,"items":[]}`), 0o600))
	_, err = s.Load(ctx, "future")
	assert.ErrorContains(t, err, "unsupported version")
}

func TestStore_RejectsUnsafeQueueNames(t *testing.T) {
	t.Parallel()
	s, err := New(t.TempDir())
	require.NoError(t, err)

	err = s.Save(context.Background(), "../escape", nil)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = s.Load(context.Background(), "a/b")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}
