package queue

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/hexlattice/trellis/internal/batch"
)

// PrefetchQueue is the bounded single-producer/multi-consumer ring between
// the pre-fetch producer and the main thread. Structurally a smaller sibling
// of WorkQueue, with a producer-done flag instead of an epoch flag, and any
// positive capacity.
type PrefetchQueue struct {
	slots []atomic.Pointer[batch.Batch]
	cap   uint64

	head atomic.Uint64
	tail atomic.Uint64

	producerDone atomic.Bool
}

// NewPrefetchQueue creates a pre-fetch queue with the given capacity.
func NewPrefetchQueue(capacity int) (*PrefetchQueue, error) {
	if capacity <= 0 {
		return nil, errors.Errorf("prefetch queue capacity must be positive, got %d", capacity)
	}
	return &PrefetchQueue{
		slots: make([]atomic.Pointer[batch.Batch], capacity),
		cap:   uint64(capacity),
	}, nil
}

// TryPush appends b if there is room. Only the producer goroutine calls it.
func (q *PrefetchQueue) TryPush(b *batch.Batch) bool {
	tail := q.tail.Load()
	head := q.head.Load()
	if tail-head >= q.cap {
		return false // Full.
	}
	q.slots[tail%q.cap].Store(b)
	q.tail.Store(tail + 1) // Publish after the slot store.
	return true
}

// TryPop removes and returns the oldest batch, or nil if the queue is empty.
func (q *PrefetchQueue) TryPop() *batch.Batch {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		if head >= tail {
			return nil // Empty.
		}
		if !q.head.CompareAndSwap(head, head+1) {
			continue
		}
		if b := q.slots[head%q.cap].Swap(nil); b != nil {
			return b
		}
	}
}

// Len returns the number of queued batches.
func (q *PrefetchQueue) Len() uint64 {
	head := q.head.Load()
	tail := q.tail.Load()
	if tail <= head {
		return 0
	}
	return tail - head
}

// MarkProducerDone signals the iterator is exhausted for this epoch.
func (q *PrefetchQueue) MarkProducerDone() { q.producerDone.Store(true) }

// ProducerDone reports whether the producer finished.
func (q *PrefetchQueue) ProducerDone() bool { return q.producerDone.Load() }

// Reset clears the queue for a new epoch and returns any batches that were
// still queued so the caller can release them. Producer and consumers must
// be quiescent.
func (q *PrefetchQueue) Reset() (orphans []*batch.Batch) {
	for i := range q.slots {
		if b := q.slots[i].Swap(nil); b != nil {
			orphans = append(orphans, b)
		}
	}
	q.head.Store(0)
	q.tail.Store(0)
	q.producerDone.Store(false)
	return orphans
}
