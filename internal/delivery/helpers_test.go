package delivery_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"courier/internal/delivery"
	"courier/internal/store/memstore"
	"courier/pkg/backoff"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("connection refused")

// fakeTransport records every envelope and answers with fn, called with the
// 1-based call number.
type fakeTransport struct {
	mu    sync.Mutex
	calls []delivery.Envelope
	fn    func(n int, env delivery.Envelope) (delivery.Result, error)
}

func (f *fakeTransport) Send(_ context.Context, env delivery.Envelope) (delivery.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, env)
	n := len(f.calls)
	fn := f.fn
	f.mu.Unlock()

	if fn == nil {
		return delivery.Result{}, nil
	}
	return fn(n, env)
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) envelopes() []delivery.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func alwaysFail(int, delivery.Envelope) (delivery.Result, error) {
	return delivery.Result{}, errDown
}

// failFirst fails the first n calls and succeeds afterwards.
func failFirst(n int) func(int, delivery.Envelope) (delivery.Result, error) {
	return func(call int, _ delivery.Envelope) (delivery.Result, error) {
		if call <= n {
			return delivery.Result{}, errDown
		}
		return delivery.Result{}, nil
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []delivery.Event
}

func (l *eventLog) Observe(e delivery.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) ofKind(kind delivery.EventKind) []delivery.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []delivery.Event
	for _, e := range l.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) kinds() []delivery.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]delivery.EventKind, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Kind)
	}
	return out
}

// testConfig disables jitter so delays are exact: 1s, 2s, 4s, 8s.
func testConfig() delivery.Config {
	return delivery.Config{
		Name:        "orders",
		MaxAttempts: 3,
		Backoff: backoff.Policy{
			BaseDelay: time.Second,
			MaxDelay:  8 * time.Second,
			Jitter:    -1,
		},
		SendTimeout: 5 * time.Second,
	}
}

func newQueue(t *testing.T, cfg delivery.Config, tr delivery.Transport, store delivery.Store, clock clockwork.Clock, opts ...delivery.Option) *delivery.Queue {
	t.Helper()
	if store == nil {
		store = memstore.New()
	}
	opts = append([]delivery.Option{delivery.WithClock(clock), delivery.WithRandSeed(1)}, opts...)
	q, err := delivery.New(cfg, tr, store, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})
	return q
}

func enqueue(t *testing.T, q *delivery.Queue, resource, key string) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), delivery.EnqueueRequest{
		Payload:        []byte(`{"event":"order.created"}`),
		ResourceKey:    resource,
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	return id
}

func item(t *testing.T, q *delivery.Queue, id string) delivery.Item {
	t.Helper()
	it, err := q.Item(id)
	require.NoError(t, err)
	return it
}
