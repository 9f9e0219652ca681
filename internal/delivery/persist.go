package delivery

import (
	"context"
	"fmt"
	"slices"
)

// persistLoop is the queue's single writer. Mutations only mark the queue
// dirty; the writer saves the latest full snapshot, so bursts of mutations
// coalesce into one save.
func (q *Queue) persistLoop() {
	defer q.wg.Done()

	for {
		select {
		case <-q.stop:
			return
		case <-q.dirty:
			if err := q.persist(context.Background()); err != nil {
				q.emit(Event{Kind: EventPersistenceFailed, Err: err})
				// Retry on the next drain interval.
				q.clock.AfterFunc(q.cfg.DrainInterval, q.markDirty)
			}
		}
	}
}

func (q *Queue) persist(ctx context.Context) error {
	q.saveMu.Lock()
	defer q.saveMu.Unlock()

	q.mu.Lock()
	items := make([]Item, 0, len(q.items))
	for _, it := range q.items {
		items = append(items, *it)
	}
	q.mu.Unlock()

	slices.SortFunc(items, compareItems)
	if err := q.store.Save(ctx, q.cfg.Name, items); err != nil {
		q.logger.Error("Failed to persist queue", "items", len(items), "error", err)
		return fmt.Errorf("save queue %s: %w", q.cfg.Name, err)
	}
	return nil
}
