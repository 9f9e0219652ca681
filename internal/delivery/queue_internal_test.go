package delivery

import (
	"context"
	"testing"

	"courier/pkg/circuitbreaker"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopTransport struct{}

func (nopTransport) Send(context.Context, Envelope) (Result, error) { return Result{}, nil }

type nopStore struct{}

func (nopStore) Load(context.Context, string) ([]Item, error) { return nil, nil }
func (nopStore) Save(context.Context, string, []Item) error { return nil }

func (q *Queue) isReleased(resource string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.released[resource]
	return ok
}

func TestClose_StopsBreakerNotifications(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	reg := circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 1, Clock: clock})
	q, err := New(Config{Name: "orders"}, nopTransport{}, nopStore{}, WithClock(clock), WithBreakers(reg))
	require.NoError(t, err)

	reg.Get("a").RecordFailure()
	reg.ResetOne("a")
	assert.True(t, q.isReleased("a"), "an open queue reacts to a closing breaker")

	require.NoError(t, q.Close(context.Background()))

	reg.Get("b").RecordFailure()
	reg.ResetOne("b")
	assert.False(t, q.isReleased("b"), "a closed queue no longer listens")
}
