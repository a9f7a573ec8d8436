// Package coordinator implements Node Zero: the actor that never computes
// batches. It waits for every computing worker to publish a completion,
// merges the per-worker gradient segments into the consolidated buffer
// under the gradient write-lock, drives the optimizer step under the model
// lock, and then releases the workers into the next round.
package coordinator

import (
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/hexlattice/trellis/internal/gradients"
	"github.com/hexlattice/trellis/internal/worker"
)

// Config bounds the coordinator's waiting and clipping behavior.
type Config struct {
	// ClipNorm is the per-segment norm ceiling applied before summing.
	ClipNorm float32
	// PollSleep is the completion-counter polling interval.
	PollSleep time.Duration
	// Watchdog is the soft wait timeout: when a round stays open this
	// long the coordinator logs and keeps waiting.
	Watchdog time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollSleep <= 0 {
		c.PollSleep = time.Millisecond
	}
	if c.Watchdog <= 0 {
		c.Watchdog = 30 * time.Second
	}
}

// Coordinator owns the consolidated gradient buffer between the moment all
// workers report completion and the moment it resets the counter.
type Coordinator struct {
	cfg          Config
	shared       *worker.Shared
	registry     *worker.Registry
	consolidated *gradients.Consolidated
	modelMu      *sync.Mutex

	rounds       atomic.Int64
	optimSteps   atomic.Int64
	skippedSteps atomic.Int64
}

// New wires a coordinator to the shared worker state. modelMu is the model
// lock; OptimizerStep runs only while it is held.
func New(cfg Config, shared *worker.Shared, registry *worker.Registry,
	consolidated *gradients.Consolidated, modelMu *sync.Mutex) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		cfg:          cfg,
		shared:       shared,
		registry:     registry,
		consolidated: consolidated,
		modelMu:      modelMu,
	}
}

// Rounds returns the number of rendezvous rounds closed so far.
func (c *Coordinator) Rounds() int { return int(c.rounds.Load()) }

// OptimSteps returns how many optimizer steps were applied.
func (c *Coordinator) OptimSteps() int { return int(c.optimSteps.Load()) }

// SkippedSteps returns how many rounds ended with no valid contributor.
func (c *Coordinator) SkippedSteps() int { return int(c.skippedSteps.Load()) }

// Run polls the completion counter until shutdown. A round closes when
// every computing worker still owing batches this epoch has published, or,
// once the epoch's queue is drained with nothing in flight, when at least
// one worker has published (the final partial round of an epoch whose
// batch count does not divide evenly).
//
// Workers that reached their assigned cap park and leave the rendezvous;
// the full-round target shrinks with them, otherwise the remaining workers
// would wait forever on completions that can no longer arrive.
func (c *Coordinator) Run() error {
	waitStart := time.Now()
	for c.shared.Running.Load() {
		completed := c.shared.WorkersCompleted.Load()
		eligible := c.shared.ActiveComputers.Load() - c.shared.EpochParked.Load()
		inFlight := c.shared.InFlight.Load()

		full := eligible > 0 && completed >= eligible && inFlight == 0
		partial := completed > 0 && inFlight == 0 && c.shared.Queue.IsComplete()
		if !full && !partial {
			if completed > 0 && time.Since(waitStart) >= c.cfg.Watchdog {
				klog.Warningf("coordinator: %d/%d completions after %v, still waiting",
					completed, eligible, c.cfg.Watchdog)
				waitStart = time.Now()
			}
			time.Sleep(c.cfg.PollSleep)
			continue
		}
		c.closeRound(completed)
		waitStart = time.Now()
	}
	return nil
}

// closeRound accumulates, steps the optimizer, and releases the workers.
// completed is the counter value observed at the decision point; only that
// many completions are consumed, so a straggler racing with the close is
// carried into the next round.
func (c *Coordinator) closeRound(completed int64) {
	c.consolidated.Lock()
	c.consolidated.Zero()
	data := c.consolidated.Data()
	contributors := 0
	for _, wk := range c.registry.Computing() {
		seg, ok := wk.TakeContribution()
		if !ok {
			continue
		}
		vals := seg.Values()
		if !gradients.Validate(vals) {
			klog.Warningf("coordinator: worker %d segment invalid at accumulation, skipped", wk.ID())
			continue
		}
		if c.cfg.ClipNorm > 0 {
			gradients.Clip(vals, c.cfg.ClipNorm)
		}
		start, _ := seg.Bounds()
		for i, v := range vals {
			data[start+i] += v
		}
		contributors++
	}
	if contributors > 1 {
		inv := 1 / float32(contributors)
		for i := range data {
			data[i] *= inv
		}
	}
	c.consolidated.Unlock()

	if contributors > 0 {
		c.modelMu.Lock()
		err := c.shared.Model.OptimizerStep(data)
		c.modelMu.Unlock()
		if err != nil {
			klog.Errorf("coordinator: optimizer step failed: %v", err)
		} else {
			c.optimSteps.Add(1)
		}
	} else {
		c.skippedSteps.Add(1)
		klog.V(1).Infof("coordinator: no valid contributor this round, optimizer step skipped")
	}

	// Reset the counter and open the next round; workers blocked after
	// their completion resume here.
	c.shared.WorkersCompleted.Add(-completed)
	c.shared.Round.Add(1)
	c.rounds.Add(1)
	if klog.V(3).Enabled() {
		klog.Infof("coordinator: round %d closed with %d contributors", c.rounds.Load(), contributors)
	}
}
