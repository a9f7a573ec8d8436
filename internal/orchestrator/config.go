package orchestrator

import (
	"math/bits"
	"runtime"
	"time"

	"github.com/pkg/errors"

	"github.com/hexlattice/trellis/internal/metrics"
	"github.com/hexlattice/trellis/internal/spawn"
)

// Config is the full set of recognized orchestrator options. Zero values
// mean "use the default"; Validate rejects anything out of range and names
// the offending field.
type Config struct {
	// WorkerCount is the size of the initial worker pool; zero
	// auto-detects from the CPU count, capped at the branch factor.
	WorkerCount int

	// MaxHierarchyDepth is the deepest level allowed to spawn children.
	MaxHierarchyDepth int

	// MinBatchesPerThread is the spawn controller's load floor.
	MinBatchesPerThread int

	// SpawnHysteresis is the minimum interval between two spawns (or two
	// despawns) by the same worker.
	SpawnHysteresis time.Duration

	// ConsiderInterval bounds how often a worker runs the workload
	// decision.
	ConsiderInterval time.Duration

	// ProgressUpdateIntervalBatches is how many pushed batches go by
	// between two metrics sink invocations.
	ProgressUpdateIntervalBatches int

	// GradientClipNorm is the per-segment norm ceiling applied during
	// accumulation.
	GradientClipNorm float32

	// WorkQueueCapacity is the work queue ring size; must be a power of
	// two.
	WorkQueueCapacity int

	// PrefetchQueueCapacity bounds the pre-fetch producer's queue.
	PrefetchQueueCapacity int

	// CoordinatorWatchdog is the soft timeout on the completion wait.
	CoordinatorWatchdog time.Duration

	// SharePolicy is a key=value configuration string selecting the
	// per-epoch batch share assignment, e.g. "policy=proportional".
	SharePolicy string

	// Sink optionally receives progress snapshots.
	Sink metrics.Sink
}

func (c *Config) applyDefaults() {
	if c.WorkerCount == 0 {
		c.WorkerCount = runtime.NumCPU()
		if c.WorkerCount > spawn.BranchFactor {
			c.WorkerCount = spawn.BranchFactor
		}
	}
	if c.MaxHierarchyDepth == 0 {
		c.MaxHierarchyDepth = 3
	}
	if c.MinBatchesPerThread == 0 {
		c.MinBatchesPerThread = 4
	}
	if c.SpawnHysteresis == 0 {
		c.SpawnHysteresis = 5 * time.Second
	}
	if c.ConsiderInterval == 0 {
		c.ConsiderInterval = time.Second
	}
	if c.ProgressUpdateIntervalBatches == 0 {
		c.ProgressUpdateIntervalBatches = 10
	}
	if c.GradientClipNorm == 0 {
		c.GradientClipNorm = 10
	}
	if c.WorkQueueCapacity == 0 {
		c.WorkQueueCapacity = 1024
	}
	if c.PrefetchQueueCapacity == 0 {
		c.PrefetchQueueCapacity = 64
	}
	if c.CoordinatorWatchdog == 0 {
		c.CoordinatorWatchdog = 30 * time.Second
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	if c.WorkerCount < 1 {
		return errors.Errorf("WorkerCount must be positive, got %d", c.WorkerCount)
	}
	if c.MaxHierarchyDepth < 1 {
		return errors.Errorf("MaxHierarchyDepth must be positive, got %d", c.MaxHierarchyDepth)
	}
	if c.MinBatchesPerThread < 1 {
		return errors.Errorf("MinBatchesPerThread must be positive, got %d", c.MinBatchesPerThread)
	}
	if c.SpawnHysteresis < 0 {
		return errors.Errorf("SpawnHysteresis must not be negative, got %s", c.SpawnHysteresis)
	}
	if c.ProgressUpdateIntervalBatches < 1 {
		return errors.Errorf("ProgressUpdateIntervalBatches must be positive, got %d", c.ProgressUpdateIntervalBatches)
	}
	if c.GradientClipNorm <= 0 {
		return errors.Errorf("GradientClipNorm must be positive, got %g", c.GradientClipNorm)
	}
	if c.WorkQueueCapacity < 1 || bits.OnesCount(uint(c.WorkQueueCapacity)) != 1 {
		return errors.Errorf("WorkQueueCapacity must be a positive power of two, got %d", c.WorkQueueCapacity)
	}
	if c.PrefetchQueueCapacity < 1 {
		return errors.Errorf("PrefetchQueueCapacity must be positive, got %d", c.PrefetchQueueCapacity)
	}
	return nil
}
