// Package queue implements the two lock-free batch queues of the training
// orchestrator: the MPMC work queue between the main thread and the workers,
// and the bounded SPMC pre-fetch queue between the producer and the main
// thread.
//
// Both are fixed-capacity rings with monotonic head/tail cursors. The slot
// pointer is always stored before the tail is published, and consumers claim
// a slot by CAS on head followed by an atomic swap of the slot pointer to
// nil, so a pushed batch is delivered to exactly one consumer.
package queue

import (
	"math/bits"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/hexlattice/trellis/internal/batch"
)

// popAttempts bounds the CAS retry loop in Pop before reporting no work.
const popAttempts = 10

// WorkQueue is the lock-free multi-producer/multi-consumer ring of pending
// batches. Capacity is fixed at construction and must be a power of two.
type WorkQueue struct {
	slots []atomic.Pointer[batch.Batch]
	mask  uint64

	head atomic.Uint64 // Consumer cursor, monotonic.
	tail atomic.Uint64 // Producer cursor, monotonic.

	epochDone   atomic.Bool
	totalPushed atomic.Uint64
	totalPopped atomic.Uint64
}

// NewWorkQueue creates a work queue with the given capacity, which must be a
// positive power of two.
func NewWorkQueue(capacity int) (*WorkQueue, error) {
	if capacity <= 0 || bits.OnesCount(uint(capacity)) != 1 {
		return nil, errors.Errorf("work queue capacity must be a positive power of two, got %d", capacity)
	}
	return &WorkQueue{
		slots: make([]atomic.Pointer[batch.Batch], capacity),
		mask:  uint64(capacity - 1),
	}, nil
}

// Cap returns the fixed capacity of the queue.
func (q *WorkQueue) Cap() int { return len(q.slots) }

// Push transfers ownership of b to the queue. It returns false when the ring
// is full; the caller retries. Multiple producers may push concurrently.
//
// The slot is stored before the tail is published: a consumer that observes
// the new tail always observes the slot pointer too. Within one lap only the
// producer that won the slot can publish that tail position, so a lost
// publish race means our claim was stale and it is retracted before retrying.
func (q *WorkQueue) Push(b *batch.Batch) bool {
	for {
		tail := q.tail.Load()
		head := q.head.Load()
		if tail-head >= uint64(len(q.slots)) {
			return false // Full; transient, caller retries.
		}
		slot := &q.slots[tail&q.mask]
		if !slot.CompareAndSwap(nil, b) {
			// A racing producer holds this slot but has not published
			// the tail yet; re-read the cursors and try again.
			continue
		}
		if q.tail.CompareAndSwap(tail, tail+1) {
			q.totalPushed.Add(1)
			return true
		}
		slot.CompareAndSwap(b, nil) // Stale ticket: retract and retry.
	}
}

// Pop claims the next pending batch, or returns nil when the queue is empty
// or contention exhausted the attempt budget. Multiple consumers may pop
// concurrently; each pushed batch is returned by exactly one Pop.
func (q *WorkQueue) Pop() *batch.Batch {
	for attempt := 0; attempt < popAttempts; attempt++ {
		head := q.head.Load()
		tail := q.tail.Load()
		if head >= tail {
			return nil // Empty.
		}
		if !q.head.CompareAndSwap(head, head+1) {
			continue
		}
		// Claimed position `head`; take exclusive ownership of the slot.
		if b := q.slots[head&q.mask].Swap(nil); b != nil {
			q.totalPopped.Add(1)
			return b
		}
		// Slot not yet visible or already drained by Reset; keep trying.
	}
	return nil
}

// Pending returns the number of pushed-but-unpopped batches.
func (q *WorkQueue) Pending() uint64 {
	head := q.head.Load()
	tail := q.tail.Load()
	if tail <= head {
		return 0
	}
	return tail - head
}

// Stats returns pending, total pushed, and total popped counts.
func (q *WorkQueue) Stats() (pending, pushed, popped uint64) {
	return q.Pending(), q.totalPushed.Load(), q.totalPopped.Load()
}

// MarkEpochDone signals that no more batches will be pushed this epoch. A
// consumer that observes an empty queue together with the flag infers there
// is no more work for this epoch.
func (q *WorkQueue) MarkEpochDone() { q.epochDone.Store(true) }

// EpochDone reports whether the current epoch's pushes are finished.
func (q *WorkQueue) EpochDone() bool { return q.epochDone.Load() }

// IsComplete reports the epoch-completion condition: the epoch is marked done
// and every pushed batch has been popped.
func (q *WorkQueue) IsComplete() bool {
	return q.epochDone.Load() && q.totalPushed.Load() == q.totalPopped.Load()
}

// Reset prepares the queue for a new epoch: cursors, counters, the epoch
// flag and all slots are cleared. Any batches still in slots are returned so
// the caller can release them. Must only be called when the queue is
// quiescent (no concurrent Push or Pop).
func (q *WorkQueue) Reset() (orphans []*batch.Batch) {
	for i := range q.slots {
		if b := q.slots[i].Swap(nil); b != nil {
			orphans = append(orphans, b)
		}
	}
	q.head.Store(0)
	q.tail.Store(0)
	q.epochDone.Store(false)
	q.totalPushed.Store(0)
	q.totalPopped.Store(0)
	return orphans
}
