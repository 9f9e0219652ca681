package delivery_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"courier/internal/apperrors"
	"courier/internal/delivery"
	"courier/pkg/batch"
	"courier/pkg/circuitbreaker"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSend_DuplicateWithinWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	tr := &fakeTransport{}
	q := newQueue(t, testConfig(), tr, nil, clock)

	req := delivery.SendRequest{Payload: []byte(`{"n":1}`), ResourceKey: "r", IdempotencyKey: "k"}
	_, err := q.Send(ctx, req)
	require.NoError(t, err)

	_, err = q.Send(ctx, req)
	var dup *delivery.DuplicateRequestError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "k", dup.Key)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Equal(t, 1, tr.count())

	clock.Advance(61 * time.Second)
	_, err = q.Send(ctx, req)
	require.NoError(t, err, "the dedupe window has passed")
	assert.Equal(t, 2, tr.count())
}

func TestSend_FailureIsTransientAndRetryable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	reg := circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 2, Clock: clock})
	tr := &fakeTransport{fn: failFirst(1)}
	q := newQueue(t, testConfig(), tr, nil, clock, delivery.WithBreakers(reg))

	req := delivery.SendRequest{Payload: []byte(`{}`), ResourceKey: "r", IdempotencyKey: "k"}
	_, err := q.Send(ctx, req)
	var transient *delivery.TransientError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, "r", transient.Resource)
	assert.ErrorIs(t, err, delivery.ErrTransientDelivery)
	assert.ErrorIs(t, err, apperrors.ErrUpstream)
	assert.ErrorIs(t, err, errDown)
	assert.Equal(t, 1, reg.Get("r").Failures())

	res, err := q.Send(ctx, req)
	require.NoError(t, err, "a failed key is not a duplicate")
	assert.False(t, res.Duplicate)
	assert.Zero(t, reg.Get("r").Failures())
}

func TestSend_PermanentFailureDoesNotTripBreaker(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	reg := circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 1, Clock: clock})
	tr := &fakeTransport{fn: func(int, delivery.Envelope) (delivery.Result, error) {
		return delivery.Result{}, delivery.Permanent(errors.New("HTTP 400"))
	}}
	q := newQueue(t, testConfig(), tr, nil, clock, delivery.WithBreakers(reg))

	_, err := q.Send(context.Background(), delivery.SendRequest{Payload: []byte(`{}`), ResourceKey: "r"})
	assert.True(t, delivery.IsPermanent(err))
	assert.Equal(t, circuitbreaker.Closed, reg.Get("r").State())
}

func TestSend_ConcurrentSameKeyCoalesces(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	tr := &fakeTransport{fn: func(int, delivery.Envelope) (delivery.Result, error) {
		entered <- struct{}{}
		<-release
		return delivery.Result{Duplicate: true}, nil
	}}
	q := newQueue(t, testConfig(), tr, nil, clock)

	req := delivery.SendRequest{Payload: []byte(`{}`), ResourceKey: "r", IdempotencyKey: "k"}
	type outcome struct {
		res delivery.Result
		err error
	}
	results := make(chan outcome, 2)
	go func() {
		res, err := q.Send(ctx, req)
		results <- outcome{res, err}
	}()
	<-entered
	go func() {
		res, err := q.Send(ctx, req)
		results <- outcome{res, err}
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)
	for range 2 {
		o := <-results
		require.NoError(t, o.err)
		assert.True(t, o.res.Duplicate, "attached callers receive the owner's result")
	}
	assert.Equal(t, 1, tr.count())
}

func TestSend_Validation(t *testing.T) {
	t.Parallel()
	q := newQueue(t, testConfig(), &fakeTransport{}, nil, clockwork.NewFakeClock())

	_, err := q.Send(context.Background(), delivery.SendRequest{ResourceKey: "r"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestBatchSink_EnqueuesOneItemPerBatch(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clock := clockwork.NewFakeClock()
	tr := &fakeTransport{}
	q := newQueue(t, testConfig(), tr, nil, clock)

	sink := delivery.NewBatchSink(q, "metrics", batch.Config{MaxBatchSize: 3, MaxWaitTime: time.Hour})
	f1 := sink.Add(json.RawMessage(`{"a":1}`))
	f2 := sink.Add(json.RawMessage(`{"b":2}`))
	assert.Equal(t, 2, sink.Pending())
	assert.Empty(t, q.Snapshot())
	f3 := sink.Add(json.RawMessage(`{"c":3}`))

	id1, err := f1.Wait(ctx)
	require.NoError(t, err)
	id2, err := f2.Wait(ctx)
	require.NoError(t, err)
	id3, err := f3.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, id1, id3)

	items := q.Snapshot()
	require.Len(t, items, 1)
	assert.Equal(t, "metrics", items[0].ResourceKey)
	assert.JSONEq(t, `[{"a":1},{"b":2},{"c":3}]`, string(items[0].Payload))

	q.Drain(ctx)
	assert.Equal(t, 1, tr.count())
}

func TestBatchSink_MaxWaitAndClose(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clock := clockwork.NewFakeClock()
	q := newQueue(t, testConfig(), &fakeTransport{}, nil, clock)

	sink := delivery.NewBatchSink(q, "metrics", batch.Config{MaxBatchSize: 10, MaxWaitTime: time.Second})
	f := sink.Add(json.RawMessage(`{"a":1}`))
	clock.Advance(time.Second)
	_, err := f.Wait(ctx)
	require.NoError(t, err)
	assert.Len(t, q.Snapshot(), 1)

	last := sink.Add(json.RawMessage(`{"z":26}`))
	require.NoError(t, sink.Close(ctx))
	_, err = last.Wait(ctx)
	require.NoError(t, err)
	assert.Len(t, q.Snapshot(), 2)

	_, err = sink.Add(json.RawMessage(`{}`)).Wait(ctx)
	assert.ErrorIs(t, err, batch.ErrClosed)
}

func TestBatchSink_QueueFullRejectsBatch(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clock := clockwork.NewFakeClock()
	cfg := testConfig()
	cfg.MaxQueueSize = 1
	q := newQueue(t, cfg, &fakeTransport{}, nil, clock)
	enqueue(t, q, "r", "")

	sink := delivery.NewBatchSink(q, "metrics", batch.Config{MaxBatchSize: 2})
	f := sink.Add(json.RawMessage(`{}`))
	sink.Add(json.RawMessage(`{}`))

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, delivery.ErrQueueFull)
}

func TestWatchBreakers(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	reg := circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 1, Clock: clock})
	events := &eventLog{}
	delivery.WatchBreakers(reg, delivery.Observers(events, nil))

	reg.Get("db").RecordFailure()
	reg.ResetOne("db")

	got := events.kinds()
	assert.Equal(t, []delivery.EventKind{delivery.EventBreakerOpened, delivery.EventBreakerClosed}, got)
	assert.Equal(t, "db", events.ofKind(delivery.EventBreakerOpened)[0].Resource)
}

func TestLogObserver(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	delivery.LogObserver(logger).Observe(delivery.Event{
		Kind:     delivery.EventItemRetry,
		Queue:    "orders",
		ItemID:   "item-1",
		Attempts: 2,
		Delay:    1500 * time.Millisecond,
		Err:      errDown,
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "queue.item.retry", line["event"])
	assert.Equal(t, "orders", line["queue"])
	assert.Equal(t, "item-1", line["item"])
	assert.EqualValues(t, 1500, line["delayMs"])
	assert.Equal(t, "DEBUG", line["level"])
	assert.Equal(t, errDown.Error(), line["error"])
}

func TestSend_AttachedToDrainFailureIsTransient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	tr := &fakeTransport{fn: func(int, delivery.Envelope) (delivery.Result, error) {
		entered <- struct{}{}
		<-release
		return delivery.Result{}, errDown
	}}
	q := newQueue(t, testConfig(), tr, nil, clock)
	enqueue(t, q, "r", "k")

	drained := make(chan struct{})
	go func() {
		q.Drain(ctx)
		close(drained)
	}()
	<-entered

	errs := make(chan error, 1)
	go func() {
		_, err := q.Send(ctx, delivery.SendRequest{Payload: []byte(`{}`), ResourceKey: "r", IdempotencyKey: "k"})
		errs <- err
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)
	err := <-errs
	<-drained

	var transient *delivery.TransientError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, "r", transient.Resource)
	assert.ErrorIs(t, err, errDown)
	assert.Equal(t, 1, tr.count(), "the attached caller does not send again")
}
