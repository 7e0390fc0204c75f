package store

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	// DefaultFlushDelay is the debounce window: a quiet queue is flushed this
	// long after the latest pending write.
	DefaultFlushDelay = 5000 * time.Millisecond
	// DefaultMaxPending forces a synchronous flush once the combined pending
	// count grows past it.
	DefaultMaxPending = 1000
)

// UnitWriter is the storage surface the queue flushes into.
type UnitWriter interface {
	BatchInsert(ctx context.Context, units []MediaUnit) error
	BatchUpdate(ctx context.Context, updates []MediaUnitUpdate) error
}

// WriteQueue batches media unit writes so a burst of frames becomes a couple
// of transactions instead of thousands. Adds and updates accumulate behind a
// debounce timer; crossing MaxPending flushes immediately on the caller's
// goroutine. Updates for the same unit merge later-wins before flushing.
type WriteQueue struct {
	writer UnitWriter

	FlushDelay time.Duration
	MaxPending int

	// onFlush, when set, observes every flush attempt with the batch sizes
	// and outcome. Used for metrics and tests.
	onFlush func(adds, updates int, err error)

	mu      sync.Mutex
	adds    []MediaUnit
	updates map[string]MediaUnitUpdate
	order   []string
	timer   *time.Timer
}

func NewWriteQueue(writer UnitWriter, onFlush func(adds, updates int, err error)) *WriteQueue {
	return &WriteQueue{
		writer:     writer,
		FlushDelay: DefaultFlushDelay,
		MaxPending: DefaultMaxPending,
		onFlush:    onFlush,
		updates:    make(map[string]MediaUnitUpdate),
	}
}

// EnqueueAdd schedules an insert.
func (q *WriteQueue) EnqueueAdd(u MediaUnit) {
	q.mu.Lock()
	q.adds = append(q.adds, u)
	q.afterEnqueueLocked()
}

// EnqueueUpdate schedules an annotation merge. Two updates for the same unit
// collapse field-wise, the later value winning per field.
func (q *WriteQueue) EnqueueUpdate(u MediaUnitUpdate) {
	q.mu.Lock()
	prev, ok := q.updates[u.ID]
	if !ok {
		q.updates[u.ID] = u
		q.order = append(q.order, u.ID)
		q.afterEnqueueLocked()
		return
	}
	if u.Description != nil {
		prev.Description = u.Description
	}
	if u.Embedding != nil {
		prev.Embedding = u.Embedding
	}
	q.updates[u.ID] = prev
	q.afterEnqueueLocked()
}

// afterEnqueueLocked re-arms the debounce timer or, past the pending cap,
// flushes right now. Releases q.mu.
func (q *WriteQueue) afterEnqueueLocked() {
	if len(q.adds)+len(q.updates) > q.MaxPending {
		adds, updates := q.takeLocked()
		q.mu.Unlock()
		q.flush(adds, updates)
		return
	}
	// Every enqueue pushes the deadline out; the queue flushes FlushDelay
	// after the latest write, not the first.
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(q.FlushDelay, q.Flush)
	q.mu.Unlock()
}

// takeLocked drains the pending batches and disarms the timer, so writes
// arriving during the flush start a fresh batch.
func (q *WriteQueue) takeLocked() ([]MediaUnit, []MediaUnitUpdate) {
	adds := q.adds
	q.adds = nil

	updates := make([]MediaUnitUpdate, 0, len(q.order))
	for _, id := range q.order {
		updates = append(updates, q.updates[id])
	}
	q.updates = make(map[string]MediaUnitUpdate)
	q.order = nil

	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	return adds, updates
}

// Flush writes everything pending right now.
func (q *WriteQueue) Flush() {
	q.mu.Lock()
	adds, updates := q.takeLocked()
	q.mu.Unlock()
	q.flush(adds, updates)
}

func (q *WriteQueue) flush(adds []MediaUnit, updates []MediaUnitUpdate) {
	if len(adds) == 0 && len(updates) == 0 {
		return
	}
	ctx := context.Background()

	var err error
	if len(adds) > 0 {
		if ierr := q.writer.BatchInsert(ctx, adds); ierr != nil {
			// The batch is already drained; dropped rows are logged, not retried.
			log.Printf("store: flush %d media units failed: %v", len(adds), ierr)
			err = ierr
		}
	}
	if len(updates) > 0 {
		if uerr := q.writer.BatchUpdate(ctx, updates); uerr != nil {
			log.Printf("store: flush %d media unit updates failed: %v", len(updates), uerr)
			if err == nil {
				err = uerr
			}
		}
	}
	if q.onFlush != nil {
		q.onFlush(len(adds), len(updates), err)
	}
}

// Pending returns the combined pending count.
func (q *WriteQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.adds) + len(q.updates)
}

// Close flushes whatever is left. The queue must not be used afterwards.
func (q *WriteQueue) Close() {
	q.Flush()
}
