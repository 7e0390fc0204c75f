package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeWriter struct {
	mu      sync.Mutex
	inserts [][]MediaUnit
	updates [][]MediaUnitUpdate
	fail    bool
}

func (w *fakeWriter) BatchInsert(ctx context.Context, units []MediaUnit) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("db down")
	}
	w.inserts = append(w.inserts, units)
	return nil
}

func (w *fakeWriter) BatchUpdate(ctx context.Context, updates []MediaUnitUpdate) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("db down")
	}
	w.updates = append(w.updates, updates)
	return nil
}

func (w *fakeWriter) insertBatches() [][]MediaUnit {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]MediaUnit(nil), w.inserts...)
}

func (w *fakeWriter) updateBatches() [][]MediaUnitUpdate {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]MediaUnitUpdate(nil), w.updates...)
}

func strptr(s string) *string { return &s }

func TestDebounceFlush(t *testing.T) {
	w := &fakeWriter{}
	q := NewWriteQueue(w, nil)
	q.FlushDelay = 10 * time.Millisecond

	q.EnqueueAdd(MediaUnit{ID: "u-1"})
	q.EnqueueAdd(MediaUnit{ID: "u-2"})

	if len(w.insertBatches()) != 0 {
		t.Fatal("flush must wait for the debounce window")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(w.insertBatches()) == 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	batches := w.insertBatches()
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("expected one batch of 2, got %v", batches)
	}
	if q.Pending() != 0 {
		t.Errorf("expected empty queue after flush, got %d", q.Pending())
	}
}

func TestDebounceResetsOnEnqueue(t *testing.T) {
	w := &fakeWriter{}
	q := NewWriteQueue(w, nil)
	q.FlushDelay = 100 * time.Millisecond

	q.EnqueueAdd(MediaUnit{ID: "u-1"})
	time.Sleep(60 * time.Millisecond)
	q.EnqueueAdd(MediaUnit{ID: "u-2"})

	// Past the first write's deadline but inside the second's window: the
	// second enqueue must have pushed the flush out.
	time.Sleep(60 * time.Millisecond)
	if len(w.insertBatches()) != 0 {
		t.Fatal("flush fired before the window after the latest enqueue elapsed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(w.insertBatches()) == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	batches := w.insertBatches()
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("expected one batch of 2 after the reset window, got %v", batches)
	}
}

func TestOverflowFlushesImmediately(t *testing.T) {
	w := &fakeWriter{}
	q := NewWriteQueue(w, nil)
	q.FlushDelay = time.Hour // never fires during the test
	q.MaxPending = 2

	q.EnqueueAdd(MediaUnit{ID: "u-1"})
	q.EnqueueAdd(MediaUnit{ID: "u-2"})
	if len(w.insertBatches()) != 0 {
		t.Fatal("at the cap, no flush yet")
	}

	// Third write crosses the cap and flushes synchronously.
	q.EnqueueAdd(MediaUnit{ID: "u-3"})
	batches := w.insertBatches()
	if len(batches) != 1 || len(batches[0]) != 3 {
		t.Fatalf("expected immediate batch of 3, got %v", batches)
	}
}

func TestUpdatesMergeLaterWins(t *testing.T) {
	w := &fakeWriter{}
	q := NewWriteQueue(w, nil)
	q.FlushDelay = time.Hour

	q.EnqueueUpdate(MediaUnitUpdate{ID: "u-1", Description: strptr("first")})
	q.EnqueueUpdate(MediaUnitUpdate{ID: "u-1", Embedding: []byte{1, 2}})
	q.EnqueueUpdate(MediaUnitUpdate{ID: "u-1", Description: strptr("second")})
	q.EnqueueUpdate(MediaUnitUpdate{ID: "u-2", Description: strptr("other")})

	q.Flush()

	batches := w.updateBatches()
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("expected one batch of 2 merged updates, got %v", batches)
	}
	u1 := batches[0][0]
	if u1.ID != "u-1" {
		t.Fatalf("expected first-seen order, got %s first", u1.ID)
	}
	if u1.Description == nil || *u1.Description != "second" {
		t.Errorf("expected later description to win, got %v", u1.Description)
	}
	if string(u1.Embedding) != string([]byte{1, 2}) {
		t.Errorf("merge must keep the embedding, got %v", u1.Embedding)
	}
}

func TestFailedFlushDropsBatch(t *testing.T) {
	w := &fakeWriter{fail: true}
	var flushErr error
	q := NewWriteQueue(w, func(adds, updates int, err error) { flushErr = err })
	q.FlushDelay = time.Hour

	q.EnqueueAdd(MediaUnit{ID: "u-1"})
	q.Flush()

	if flushErr == nil {
		t.Fatal("expected flush error to be observed")
	}
	if q.Pending() != 0 {
		t.Errorf("failed rows must not be retried, pending=%d", q.Pending())
	}

	// The writer recovering must not resurrect the dropped batch.
	w.mu.Lock()
	w.fail = false
	w.mu.Unlock()
	q.Flush()
	if len(w.insertBatches()) != 0 {
		t.Error("dropped batch was retried")
	}
}

func TestWritesDuringFlushStartFreshBatch(t *testing.T) {
	w := &fakeWriter{}
	q := NewWriteQueue(w, nil)
	q.FlushDelay = time.Hour

	q.EnqueueAdd(MediaUnit{ID: "u-1"})
	q.Flush()
	q.EnqueueAdd(MediaUnit{ID: "u-2"})
	q.Flush()

	batches := w.insertBatches()
	if len(batches) != 2 || batches[0][0].ID != "u-1" || batches[1][0].ID != "u-2" {
		t.Fatalf("expected two separate batches, got %v", batches)
	}
}

func TestCloseFlushesRemainder(t *testing.T) {
	w := &fakeWriter{}
	q := NewWriteQueue(w, nil)
	q.FlushDelay = time.Hour

	q.EnqueueAdd(MediaUnit{ID: "u-1"})
	q.Close()

	if len(w.insertBatches()) != 1 {
		t.Error("Close must flush pending writes")
	}
}
