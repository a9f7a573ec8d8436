// Package spawn implements the workload-driven decision function that grows
// and shrinks the worker hierarchy. The decision itself is a pure function
// over observed signals; the only state a Detector keeps is the per-worker
// hysteresis bookkeeping (timestamps and counts of prior transitions).
package spawn

import (
	"runtime"
	"sync"
	"time"
)

// BranchFactor is the maximum number of children a coordinator manages, the
// twelve-fold symmetry of the hierarchy.
const BranchFactor = 12

// Decision is the outcome of one workload check.
type Decision int

const (
	// Keep means no change to the worker's role or children.
	Keep Decision = iota
	// Spawn means promote the worker to a coordinator with NumChildren
	// children.
	Spawn
	// Despawn means collapse the coordinator's children and return it to
	// computing.
	Despawn
)

func (d Decision) String() string {
	switch d {
	case Keep:
		return "keep"
	case Spawn:
		return "spawn"
	case Despawn:
		return "despawn"
	default:
		return "invalid"
	}
}

// Metrics are the observable inputs to one decision.
type Metrics struct {
	// PendingBatches is the demand signal: queue depth plus batches
	// popped but not yet completed.
	PendingBatches int
	// ActiveWorkers currently computing under the whole tree.
	ActiveWorkers int
	// AvailableCores as reported by the OS.
	AvailableCores int
	// Depth of the deciding worker in the hierarchy (root = 0).
	Depth int
	// IsCoordinator reports whether the worker currently has children.
	IsCoordinator bool
}

// Config bounds the detector's behavior.
type Config struct {
	// MaxDepth is the deepest hierarchy level allowed to spawn children.
	MaxDepth int
	// MinBatchesPerThread is the load floor: spawning requires at least
	// MinBatchesPerThread × BranchFactor pending batches, and a
	// coordinator whose pending drops below MinBatchesPerThread despawns.
	MinBatchesPerThread int
	// Hysteresis is the minimum interval between two spawns (and between
	// two despawns) by the same worker.
	Hysteresis time.Duration
}

// Detector carries one worker's hysteresis state. Decide and the Record
// methods are invoked only by the owning worker, but Counts may be read
// from other goroutines (hierarchy snapshots, tests), so the mutable state
// is guarded.
type Detector struct {
	cfg Config

	mu          sync.Mutex
	lastSpawn   time.Time
	lastDespawn time.Time
	spawns      int
	despawns    int

	// now and cores are injectable for tests, set before the worker runs.
	now   func() time.Time
	cores func() int
}

// NewDetector creates a detector with the given bounds.
func NewDetector(cfg Config) *Detector {
	return &Detector{
		cfg:   cfg,
		now:   time.Now,
		cores: runtime.NumCPU,
	}
}

// Config returns the detector's bounds, e.g. for handing to children.
func (d *Detector) Config() Config { return d.cfg }

// SetClock overrides the detector's time source.
func (d *Detector) SetClock(now func() time.Time) { d.now = now }

// SetCores overrides the detector's core count source.
func (d *Detector) SetCores(cores func() int) { d.cores = cores }

// Outcome describes a decision and, for Spawn, how many children to create.
type Outcome struct {
	Decision    Decision
	NumChildren int
}

// Decide evaluates the decision function against m. Callers invoke it at
// most once per check interval.
func (d *Detector) Decide(m Metrics) Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if !m.IsCoordinator {
		if m.Depth >= d.cfg.MaxDepth {
			return Outcome{Decision: Keep}
		}
		if m.PendingBatches < d.cfg.MinBatchesPerThread*BranchFactor {
			return Outcome{Decision: Keep}
		}
		n := m.AvailableCores
		if n > BranchFactor {
			n = BranchFactor
		}
		if n < 1 {
			return Outcome{Decision: Keep}
		}
		if !d.lastSpawn.IsZero() && now.Sub(d.lastSpawn) < d.cfg.Hysteresis {
			return Outcome{Decision: Keep}
		}
		return Outcome{Decision: Spawn, NumChildren: n}
	}

	if m.PendingBatches < d.cfg.MinBatchesPerThread &&
		(d.lastDespawn.IsZero() || now.Sub(d.lastDespawn) >= d.cfg.Hysteresis) {
		return Outcome{Decision: Despawn}
	}
	return Outcome{Decision: Keep}
}

// RecordSpawn stamps a performed spawn for hysteresis accounting.
func (d *Detector) RecordSpawn() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSpawn = d.now()
	d.spawns++
}

// RecordDespawn stamps a performed despawn.
func (d *Detector) RecordDespawn() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastDespawn = d.now()
	d.despawns++
}

// Counts returns the cumulative spawn and despawn counts. Safe to call
// while the owning worker is running.
func (d *Detector) Counts() (spawns, despawns int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.spawns, d.despawns
}

// AvailableCores reports the core count the detector will use for Metrics.
func (d *Detector) AvailableCores() int { return d.cores() }
