package worker

import (
	"sync"
	"sync/atomic"

	"github.com/hexlattice/trellis/internal/model"
	"github.com/hexlattice/trellis/internal/queue"
)

// IDAllocator hands out globally unique, monotonically increasing worker
// IDs. Its lifecycle is bound to the orchestrator: Reset on construction,
// discarded on free.
type IDAllocator struct {
	next atomic.Int64
}

// Reset restarts allocation so the next ID handed out is initial. The
// orchestrator resets to its initial worker count so spawned children get
// IDs above the root pool.
func (a *IDAllocator) Reset(initial int) {
	a.next.Store(int64(initial))
}

// Next returns a fresh ID.
func (a *IDAllocator) Next() int {
	return int(a.next.Add(1)) - 1
}

// Shared is the state every worker and the coordinator observe: the work
// queue, the kernel, and the atomic counters that implement the per-batch
// rendezvous.
//
// Counter discipline: a worker publishes a finished batch by incrementing
// WorkersCompleted and only then decrementing InFlight, so once the
// coordinator observes InFlight == 0 every in-flight completion has landed.
// The coordinator consumes a round by subtracting the count it observed
// (never storing zero), so a completion racing with round close is carried
// into the next round instead of being lost. Round increments release
// workers blocked in their post-completion wait.
type Shared struct {
	Queue  *queue.WorkQueue
	Kernel model.Kernel
	Model  model.Model

	// WorkersCompleted is the per-round completion counter the
	// coordinator rendezvouses on.
	WorkersCompleted atomic.Int64
	// InFlight counts batches popped but not yet published as complete.
	InFlight atomic.Int64
	// ActiveComputers counts workers currently eligible to compute
	// (coordinators excluded).
	ActiveComputers atomic.Int64
	// EpochParked counts computing workers that are done with the current
	// epoch (assigned cap reached or queue complete) and no longer take
	// part in the rendezvous; the coordinator's full-round target is
	// ActiveComputers minus EpochParked. Reset by the orchestrator at
	// every epoch boundary.
	EpochParked atomic.Int64
	// Round is bumped by the coordinator after each counter reset.
	Round atomic.Uint64
	// Epoch is bumped by the orchestrator when a new epoch's batches are
	// ready; zero means no epoch has started.
	Epoch atomic.Uint64
	// Running is the orchestrator-wide shutdown flag.
	Running atomic.Bool

	// BatchesProcessed and BatchesDropped account for the current epoch.
	BatchesProcessed atomic.Int64
	BatchesDropped   atomic.Int64

	IDs IDAllocator

	// Wg tracks every worker goroutine ever started, including spawned
	// children; the orchestrator waits on it during free.
	Wg sync.WaitGroup
}
