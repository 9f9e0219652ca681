package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"courier/pkg/batch"
	"courier/pkg/future"
)

// BatchSink sits in front of a queue for high-frequency producers: events are
// batched and every batch is enqueued as one item whose payload is the JSON
// array of the batch.
type BatchSink struct {
	queue    *Queue
	resource string
	batcher  *batch.Batcher[json.RawMessage, string]
}

// NewBatchSink creates a sink delivering batches to resource through q.
func NewBatchSink(q *Queue, resource string, cfg batch.Config) *BatchSink {
	s := &BatchSink{queue: q, resource: resource}
	if cfg.Clock == nil {
		cfg.Clock = q.clock
	}
	s.batcher = batch.New(cfg, s.handle)
	return s
}

// Add queues one event. The future resolves with the id of the queue item
// that carries the event's batch.
func (s *BatchSink) Add(event json.RawMessage) *future.Future[string] {
	return s.batcher.Add(slices.Clone(event))
}

// Flush enqueues the current batch now.
func (s *BatchSink) Flush() *future.Future[struct{}] {
	return s.batcher.Flush()
}

// Pending returns the number of events not yet handed to the queue.
func (s *BatchSink) Pending() int {
	return s.batcher.QueueSize()
}

// Close enqueues what is pending and stops accepting events.
func (s *BatchSink) Close(ctx context.Context) error {
	return s.batcher.Close(ctx)
}

func (s *BatchSink) handle(ctx context.Context, events []json.RawMessage) ([]string, error) {
	payload, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	id, err := s.queue.Enqueue(ctx, EnqueueRequest{Payload: payload, ResourceKey: s.resource})
	if err != nil {
		return nil, err
	}
	if s.queue.metrics != nil {
		s.queue.metrics.RecordBatchFlushed(ctx, s.queue.cfg.Name, len(events))
	}

	ids := make([]string, len(events))
	for i := range ids {
		ids[i] = id
	}
	return ids, nil
}
