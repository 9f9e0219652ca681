package memstore

import (
	"context"
	"testing"

	"courier/internal/delivery"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SaveLoadIsolated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	items := []delivery.Item{{ID: "a", Payload: []byte(`{"n":1}`), Status: delivery.StatusPending}}
	require.NoError(t, s.Save(ctx, "q", items))

	items[0].Payload[0] = 'X'
	got, err := s.Load(ctx, "q")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"n":1}`, string(got[0].Payload), "store must not alias caller slices")

	other, err := s.Load(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestStore_SaveEmptyClears(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Save(ctx, "q", []delivery.Item{{ID: "a"}}))
	require.NoError(t, s.Save(ctx, "q", nil))

	got, err := s.Load(ctx, "q")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 2, s.Saves())
}
