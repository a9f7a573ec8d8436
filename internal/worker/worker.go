// Package worker implements the actor that pulls batches off the lock-free
// work queue, runs the forward and backward kernels into its own activation
// buffers and gradient segment, and takes part in the per-batch completion
// rendezvous. A worker may be promoted to an interior coordinator of up to
// twelve children when the workload detector says so, and demoted back when
// the load subsides.
package worker

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/hexlattice/trellis/internal/batch"
	"github.com/hexlattice/trellis/internal/gradients"
	"github.com/hexlattice/trellis/internal/model"
	"github.com/hexlattice/trellis/internal/spawn"
)

const (
	// idlePollSleep bounds the poll of an empty queue.
	idlePollSleep = 200 * time.Microsecond
	// roundWaitSleep bounds the post-completion wait for the round reset.
	roundWaitSleep = 50 * time.Microsecond
	// invalidLogEvery throttles NaN/Inf gradient reports.
	invalidLogEvery = time.Second
)

// Params configures one worker at creation time. ID, Symmetry, Level and
// Segment are immutable for the worker's lifetime.
type Params struct {
	ID       int
	Symmetry int
	Level    int
	Parent   *Worker
	Segment  gradients.Segment
	Shared   *Shared
	Registry *Registry

	SpawnCfg      spawn.Config
	ConsiderEvery time.Duration

	// Assigned is the per-epoch batch cap; negative means uncapped.
	Assigned int
}

// Worker is one actor in the hierarchy. All mutable role state (children,
// coordinator flag, current batch pointer) is guarded by mu; the hot-path
// counters are atomics.
type Worker struct {
	id       int
	symmetry int
	level    int

	shared   *Shared
	registry *Registry
	seg      gradients.Segment
	acts     *model.Activations

	mu           sync.Mutex
	parent       *Worker
	children     []*Worker
	coordinating atomic.Bool
	current      *batch.Batch

	state       atomic.Int32
	running     atomic.Bool
	assigned    atomic.Int64
	processed   atomic.Int64
	lossBits    atomic.Uint64 // float64 bits of the epoch loss sum
	contributed atomic.Bool

	detector      *spawn.Detector
	considerEvery time.Duration
	lastConsider  time.Time
	epochFinished atomic.Uint64
	lastInvalid   time.Time

	done chan struct{}
}

// New creates a worker in the Idle state. The caller registers it and
// starts Run in its own goroutine.
func New(p Params) *Worker {
	w := &Worker{
		id:            p.ID,
		symmetry:      p.Symmetry,
		level:         p.Level,
		parent:        p.Parent,
		shared:        p.Shared,
		registry:      p.Registry,
		seg:           p.Segment,
		detector:      spawn.NewDetector(p.SpawnCfg),
		considerEvery: p.ConsiderEvery,
		done:          make(chan struct{}),
	}
	if w.considerEvery <= 0 {
		w.considerEvery = time.Second
	}
	w.assigned.Store(int64(p.Assigned))
	w.running.Store(true)
	w.state.Store(int32(StateIdle))
	return w
}

// ID returns the worker's globally unique identifier.
func (w *Worker) ID() int { return w.id }

// Symmetry returns the worker's symmetry-group tag among its siblings.
func (w *Worker) Symmetry() int { return w.symmetry }

// Level returns the hierarchy depth, zero at the root pool.
func (w *Worker) Level() int { return w.level }

// IsCoordinator reports whether the worker currently has children.
func (w *Worker) IsCoordinator() bool { return w.coordinating.Load() }

// CurrentState returns the worker's state machine position.
func (w *Worker) CurrentState() State { return State(w.state.Load()) }

// Processed returns the number of batches completed this epoch.
func (w *Worker) Processed() int { return int(w.processed.Load()) }

// Assigned returns the per-epoch batch cap; negative means uncapped.
func (w *Worker) Assigned() int { return int(w.assigned.Load()) }

// LossSum returns the accumulated loss over this epoch's batches.
func (w *Worker) LossSum() float64 {
	return math.Float64frombits(w.lossBits.Load())
}

// Segment returns the worker's exclusive gradient window.
func (w *Worker) Segment() gradients.Segment { return w.seg }

// Detector exposes the workload detector, mainly so tests and the
// orchestrator can inject clocks and core counts.
func (w *Worker) Detector() *spawn.Detector { return w.detector }

// BeginEpoch resets the per-epoch counters and installs the new batch cap.
// Called by the orchestrator before it bumps the shared epoch counter.
func (w *Worker) BeginEpoch(assigned int) {
	w.assigned.Store(int64(assigned))
	w.processed.Store(0)
	w.lossBits.Store(0)
}

// FinishedEpoch returns the last epoch this worker is done with. The
// orchestrator waits for every computing worker to reach the current epoch
// before it resets the queue for the next one.
func (w *Worker) FinishedEpoch() uint64 { return w.epochFinished.Load() }

// Stop asks the worker (and, transitively, its subtree) to drain.
func (w *Worker) Stop() { w.running.Store(false) }

// Done is closed when the worker's goroutine has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// TakeContribution consumes the worker's this-round gradient flag. It
// returns the worker's segment and whether the worker published a valid
// contribution since the last call.
func (w *Worker) TakeContribution() (gradients.Segment, bool) {
	return w.seg, w.contributed.Swap(false)
}

func (w *Worker) setState(s State) { w.state.Store(int32(s)) }

func (w *Worker) alive() bool {
	return w.shared.Running.Load() && w.running.Load()
}

func (w *Worker) info() Info {
	w.mu.Lock()
	children := make([]int, 0, len(w.children))
	for _, c := range w.children {
		children = append(children, c.id)
	}
	w.mu.Unlock()
	return Info{
		ID:          w.id,
		Symmetry:    w.symmetry,
		Level:       w.level,
		State:       w.CurrentState(),
		Coordinator: w.IsCoordinator(),
		Assigned:    w.Assigned(),
		Processed:   w.Processed(),
		LossSum:     w.LossSum(),
		Children:    children,
	}
}

// Run is the worker's actor loop. It returns only after shutdown or
// despawn; the caller is responsible for Wg accounting.
func (w *Worker) Run() {
	defer close(w.done)
	if klog.V(2).Enabled() {
		klog.Infof("worker %d up: symmetry=%d level=%d segment=%v", w.id, w.symmetry, w.level, w.segBounds())
	}
	for w.alive() {
		if w.IsCoordinator() {
			w.coordinate()
			continue
		}
		epoch := w.shared.Epoch.Load()
		if epoch == 0 || epoch == w.epochFinished.Load() {
			// Nothing to do until the orchestrator opens an epoch.
			w.setState(StateIdle)
			time.Sleep(idlePollSleep)
			continue
		}
		if w.capReached() || w.shared.Queue.IsComplete() {
			// Leave the rendezvous for the rest of the epoch; without
			// this a capped worker would stall every later round.
			w.epochFinished.Store(epoch)
			w.shared.EpochParked.Add(1)
			if klog.V(2).Enabled() {
				klog.Infof("worker %d done with epoch %d after %d batches", w.id, epoch, w.Processed())
			}
			continue
		}
		b := w.shared.Queue.Pop()
		if b == nil {
			w.setState(StateIdle)
			w.maybeConsider()
			time.Sleep(idlePollSleep)
			continue
		}
		w.process(b)
		w.maybeConsider()
	}
	w.drain()
}

func (w *Worker) segBounds() [2]int {
	start, end := w.seg.Bounds()
	return [2]int{start, end}
}

func (w *Worker) capReached() bool {
	limit := w.assigned.Load()
	return limit >= 0 && w.processed.Load() >= limit
}

// process runs the kernels for one batch and takes part in the completion
// rendezvous. The segment is not touched again until the coordinator closes
// the round.
func (w *Worker) process(b *batch.Batch) {
	w.setState(StateWorking)
	w.mu.Lock()
	w.current = b
	w.mu.Unlock()
	w.shared.InFlight.Add(1)

	w.ensureActs(b)
	w.seg.Zero()
	if err := w.shared.Kernel.Forward(w.acts, b); err != nil {
		w.drop(b, err)
		return
	}
	loss := w.shared.Kernel.Loss(w.acts, b)
	if err := w.shared.Kernel.Backward(w.acts, b, w.seg); err != nil {
		w.drop(b, err)
		return
	}

	if gradients.Validate(w.seg.Values()) {
		w.contributed.Store(true)
	} else {
		// Never let a poisoned segment reach aggregation.
		w.seg.Zero()
		w.contributed.Store(false)
		if now := time.Now(); now.Sub(w.lastInvalid) >= invalidLogEvery {
			w.lastInvalid = now
			klog.Warningf("worker %d produced a NaN/Inf gradient segment; zeroed and excluded from the mean", w.id)
		}
	}
	w.processed.Add(1)
	w.addLoss(float64(loss))
	w.shared.BatchesProcessed.Add(1)

	w.mu.Lock()
	w.current = nil
	w.mu.Unlock()

	// Publish completion. The increment must land before the in-flight
	// decrement so a coordinator observing InFlight == 0 has seen it.
	round := w.shared.Round.Load()
	w.shared.WorkersCompleted.Add(1)
	w.shared.InFlight.Add(-1)

	// Hold off the next batch until the coordinator resets the counter;
	// the segment stays untouched for the whole accumulation window.
	for w.shared.Round.Load() == round && w.alive() {
		time.Sleep(roundWaitSleep)
	}
	w.setState(StateIdle)
}

// drop discards a batch after a kernel failure. It does not count as
// processed and does not signal completion.
func (w *Worker) drop(b *batch.Batch, err error) {
	w.mu.Lock()
	w.current = nil
	w.mu.Unlock()
	w.shared.InFlight.Add(-1)
	w.shared.BatchesDropped.Add(1)
	klog.Errorf("worker %d dropped a %dx%d batch: %v", w.id, b.BatchSize, b.SeqLen, err)
	w.setState(StateIdle)
}

func (w *Worker) addLoss(loss float64) {
	// Single writer; readers only need a consistent float64.
	sum := math.Float64frombits(w.lossBits.Load()) + loss
	w.lossBits.Store(math.Float64bits(sum))
}

func (w *Worker) ensureActs(b *batch.Batch) {
	if w.acts != nil && w.acts.BatchSize == b.BatchSize && w.acts.SeqLen == b.SeqLen {
		return
	}
	w.acts = model.NewActivations(b.BatchSize, b.SeqLen, w.shared.Model)
}

// queueLoad is the detector's demand signal: batches waiting in the queue
// plus those popped but not yet published as complete. Without the
// in-flight part a burst that was just claimed would look like no load.
func (w *Worker) queueLoad() int {
	return int(w.shared.Queue.Pending()) + int(w.shared.InFlight.Load())
}

// maybeConsider runs the workload decision at most once per interval.
func (w *Worker) maybeConsider() {
	now := time.Now()
	if now.Sub(w.lastConsider) < w.considerEvery {
		return
	}
	w.lastConsider = now
	w.setState(StateConsidering)
	defer w.setState(StateIdle)

	out := w.detector.Decide(spawn.Metrics{
		PendingBatches: w.queueLoad(),
		ActiveWorkers:  int(w.shared.ActiveComputers.Load()),
		AvailableCores: w.detector.AvailableCores(),
		Depth:          w.level,
		IsCoordinator:  w.IsCoordinator(),
	})
	if out.Decision == spawn.Spawn {
		w.spawnChildren(out.NumChildren)
	}
}

// spawnChildren promotes the worker to a coordinator with n children, each
// owning an equal sub-window of this worker's gradient segment. Idempotent:
// a worker that is already coordinating keeps its children.
func (w *Worker) spawnChildren(n int) {
	w.mu.Lock()
	if w.coordinating.Load() || w.current != nil || !w.alive() {
		w.mu.Unlock()
		return
	}
	children := make([]*Worker, 0, n)
	for i := 0; i < n; i++ {
		c := New(Params{
			ID:            w.shared.IDs.Next(),
			Symmetry:      i,
			Level:         w.level + 1,
			Parent:        w,
			Segment:       w.seg.Sub(i, n),
			Shared:        w.shared,
			Registry:      w.registry,
			SpawnCfg:      w.detector.Config(),
			ConsiderEvery: w.considerEvery,
			// Mid-epoch children run uncapped; they get a real
			// share at the next epoch boundary.
			Assigned: -1,
		})
		children = append(children, c)
	}
	w.children = children
	w.coordinating.Store(true)
	w.setState(StateCoordinating)
	w.mu.Unlock()

	// The parent stops computing; n children start. Its own segment is
	// fully covered by the children's sub-windows, so live segments stay
	// disjoint.
	w.shared.ActiveComputers.Add(int64(n - 1))
	for _, c := range children {
		w.registry.Add(c)
		w.shared.Wg.Add(1)
		go func(c *Worker) {
			defer w.shared.Wg.Done()
			c.Run()
		}(c)
	}
	w.detector.RecordSpawn()
	klog.V(1).Infof("worker %d promoted to coordinator with %d children at level %d", w.id, n, w.level+1)
}

// coordinate is the loop of a promoted worker: it never computes, only
// watches the load and services the despawn decision.
func (w *Worker) coordinate() {
	w.setState(StateCoordinating)
	now := time.Now()
	if now.Sub(w.lastConsider) >= w.considerEvery {
		w.lastConsider = now
		out := w.detector.Decide(spawn.Metrics{
			PendingBatches: w.queueLoad(),
			ActiveWorkers:  int(w.shared.ActiveComputers.Load()),
			AvailableCores: w.detector.AvailableCores(),
			Depth:          w.level,
			IsCoordinator:  true,
		})
		if out.Decision == spawn.Despawn {
			w.despawnChildren()
			return
		}
	}
	time.Sleep(time.Millisecond)
}

// despawnChildren signals the subtree to drain, joins it, and returns the
// worker to computing. Idempotent: a worker with no children is a no-op.
func (w *Worker) despawnChildren() {
	w.mu.Lock()
	children := w.children
	w.mu.Unlock()
	if len(children) == 0 {
		return
	}
	for _, c := range children {
		c.Stop()
	}
	epoch := w.shared.Epoch.Load()
	parked := 0
	for _, c := range children {
		<-c.Done()
		w.registry.Remove(c.id)
		if epoch != 0 && c.FinishedEpoch() == epoch {
			parked++
		}
	}
	w.mu.Lock()
	w.children = nil
	w.coordinating.Store(false)
	w.mu.Unlock()

	w.shared.ActiveComputers.Add(int64(1 - len(children)))
	if parked > 0 {
		// The children's parked slots leave with them.
		w.shared.EpochParked.Add(int64(-parked))
	}
	w.detector.RecordDespawn()
	w.setState(StateIdle)
	klog.V(1).Infof("worker %d despawned %d children, back to computing", w.id, len(children))
}

// drain is the shutdown path: tear the subtree down top-down and exit.
func (w *Worker) drain() {
	w.setState(StateDraining)
	w.mu.Lock()
	children := w.children
	w.children = nil
	w.mu.Unlock()
	for _, c := range children {
		c.Stop()
	}
	for _, c := range children {
		<-c.Done()
		w.registry.Remove(c.id)
	}
	w.coordinating.Store(false)
	if klog.V(2).Enabled() {
		klog.Infof("worker %d drained after %d batches", w.id, w.Processed())
	}
}
