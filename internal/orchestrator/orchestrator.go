// Package orchestrator assembles the training pipeline: the pre-fetch
// producer, the lock-free work queue, the worker pool with its 12-fold
// hierarchy, and the Node Zero coordinator. The caller sees three
// operations: New, RunEpoch (repeatedly), and Close; all goroutine creation
// and joining stays inside.
package orchestrator

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/hexlattice/trellis/internal/batch"
	"github.com/hexlattice/trellis/internal/coordinator"
	"github.com/hexlattice/trellis/internal/gradients"
	"github.com/hexlattice/trellis/internal/metrics"
	"github.com/hexlattice/trellis/internal/model"
	"github.com/hexlattice/trellis/internal/queue"
	"github.com/hexlattice/trellis/internal/spawn"
	"github.com/hexlattice/trellis/internal/worker"
)

const (
	// pushRetrySleep bounds the main loop's wait on a full work queue or
	// an empty pre-fetch queue.
	pushRetrySleep = 100 * time.Microsecond
	// drainPollSleep bounds the end-of-epoch completion wait.
	drainPollSleep = time.Millisecond
)

// Orchestrator owns the whole worker tree and the coordinator for its
// lifetime. Not safe for concurrent RunEpoch calls.
type Orchestrator struct {
	cfg    Config
	mdl    model.Model
	iter   batch.Iterator
	policy AssignPolicy

	shared       *worker.Shared
	registry     *worker.Registry
	buf          *gradients.SharedBuffer
	consolidated *gradients.Consolidated
	modelMu      sync.Mutex
	coord        *coordinator.Coordinator
	prefetch     *prefetcher
	prefetchQ    *queue.PrefetchQueue

	coordGroup errgroup.Group
	epoch      int
	closed     bool
}

// New validates the configuration, builds the shared buffers and the
// initial worker pool, and starts the coordinator. Workers stay idle until
// the first RunEpoch.
func New(mdl model.Model, kernel model.Kernel, iter batch.Iterator, cfg Config) (*Orchestrator, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid orchestrator configuration")
	}
	policy, err := policyFromConfig(cfg.SharePolicy)
	if err != nil {
		return nil, err
	}

	gradSize := mdl.VocabSize() * mdl.EmbedDim()
	buf, err := gradients.NewShared(gradSize, cfg.WorkerCount)
	if err != nil {
		return nil, errors.Wrap(err, "invalid WorkerCount for the gradient buffer")
	}
	wq, err := queue.NewWorkQueue(cfg.WorkQueueCapacity)
	if err != nil {
		return nil, errors.Wrap(err, "invalid WorkQueueCapacity")
	}
	pq, err := queue.NewPrefetchQueue(cfg.PrefetchQueueCapacity)
	if err != nil {
		return nil, errors.Wrap(err, "invalid PrefetchQueueCapacity")
	}

	shared := &worker.Shared{Queue: wq, Kernel: kernel, Model: mdl}
	shared.Running.Store(true)
	shared.IDs.Reset(cfg.WorkerCount)
	shared.ActiveComputers.Store(int64(cfg.WorkerCount))

	o := &Orchestrator{
		cfg:          cfg,
		mdl:          mdl,
		iter:         iter,
		policy:       policy,
		shared:       shared,
		registry:     worker.NewRegistry(),
		buf:          buf,
		consolidated: gradients.NewConsolidated(gradSize),
		prefetchQ:    pq,
	}
	o.prefetch = &prefetcher{shared: shared, iter: iter, out: pq}
	o.coord = coordinator.New(coordinator.Config{
		ClipNorm: cfg.GradientClipNorm,
		Watchdog: cfg.CoordinatorWatchdog,
	}, shared, o.registry, o.consolidated, &o.modelMu)

	spawnCfg := spawn.Config{
		MaxDepth:            cfg.MaxHierarchyDepth,
		MinBatchesPerThread: cfg.MinBatchesPerThread,
		Hysteresis:          cfg.SpawnHysteresis,
	}
	for i := 0; i < cfg.WorkerCount; i++ {
		w := worker.New(worker.Params{
			ID:            i,
			Symmetry:      i % spawn.BranchFactor,
			Level:         0,
			Segment:       buf.Segment(i),
			Shared:        shared,
			Registry:      o.registry,
			SpawnCfg:      spawnCfg,
			ConsiderEvery: cfg.ConsiderInterval,
			Assigned:      -1,
		})
		o.registry.Add(w)
		shared.Wg.Add(1)
		go func(w *worker.Worker) {
			defer shared.Wg.Done()
			w.Run()
		}(w)
	}
	o.coordGroup.Go(o.coord.Run)

	klog.V(1).Infof("orchestrator up: %d workers, %s per gradient buffer, queue=%d prefetch=%d policy=%s",
		cfg.WorkerCount, humanize.IBytes(uint64(gradSize*4)),
		cfg.WorkQueueCapacity, cfg.PrefetchQueueCapacity, policy.Name())
	return o, nil
}

// RunEpoch feeds one full pass of the iterator through the pipeline and
// returns when every pushed batch has been processed or dropped and the
// final rendezvous round has closed. It returns an error if the optimizer
// step was skipped for every batch of the epoch.
func (o *Orchestrator) RunEpoch(epoch int) error {
	if o.closed {
		return errors.New("orchestrator is closed")
	}
	if !o.shared.Running.Load() {
		return errors.New("orchestrator is stopped")
	}
	o.epoch = epoch

	total := o.iter.BatchCount()
	o.iter.Reset()

	computing := o.registry.Computing()
	shares := o.policy.Assign(total, computing)
	for i, w := range computing {
		w.BeginEpoch(shares[i])
	}
	// Coordinators carry no share but still get their per-epoch stats
	// cleared so the loss mean stays scoped to this epoch.
	for _, w := range o.registry.All() {
		if w.IsCoordinator() {
			w.BeginEpoch(0)
		}
	}
	if klog.V(2).Enabled() {
		klog.Infof("epoch %d: %d batches over %d workers, shares=%v", epoch, total, len(computing), shares)
	}

	// Both queues are quiescent between epochs; reset clears the
	// previous epoch's cursors and flags.
	if orphans := o.shared.Queue.Reset(); len(orphans) > 0 {
		klog.Warningf("epoch %d: %d orphan batches left in the work queue", epoch, len(orphans))
	}
	o.prefetchQ.Reset()
	o.shared.BatchesProcessed.Store(0)
	o.shared.BatchesDropped.Store(0)
	o.shared.EpochParked.Store(0)
	stepsBefore := o.coord.OptimSteps()

	epochNum := o.shared.Epoch.Add(1)
	var g errgroup.Group
	g.Go(o.prefetch.run)

	start := time.Now()
	pushed, lastReport := 0, 0
	for pushed < total && o.shared.Running.Load() {
		b := o.prefetchQ.TryPop()
		if b == nil {
			if o.prefetchQ.ProducerDone() && o.prefetchQ.Len() == 0 {
				break
			}
			time.Sleep(pushRetrySleep)
			continue
		}
		if !o.pushBlocking(b) {
			break
		}
		pushed++
		if pushed-lastReport >= o.cfg.ProgressUpdateIntervalBatches {
			lastReport = pushed
			o.observe(total, start)
		}
	}
	o.shared.Queue.MarkEpochDone()
	_ = g.Wait()

	// Wait for the workers to drain the queue and for the coordinator to
	// close the last round, then for every computing worker to park
	// itself for the next epoch.
	for o.shared.Running.Load() && !o.epochSettled(pushed, epochNum) {
		time.Sleep(drainPollSleep)
	}
	o.observe(total, start)

	if !o.shared.Running.Load() {
		klog.V(1).Infof("epoch %d interrupted after %d pushed batches", epoch, pushed)
		return nil
	}
	if steps := o.coord.OptimSteps() - stepsBefore; pushed > 0 && steps == 0 {
		return errors.Errorf("optimizer step was skipped for every batch in epoch %d", epoch)
	}
	return nil
}

// pushBlocking retries a full work queue until shutdown.
func (o *Orchestrator) pushBlocking(b *batch.Batch) bool {
	for !o.shared.Queue.Push(b) {
		if !o.shared.Running.Load() {
			return false
		}
		time.Sleep(pushRetrySleep)
	}
	return true
}

// epochSettled reports whether every pushed batch is accounted for, the
// final round has been consumed, and all computing workers have parked.
func (o *Orchestrator) epochSettled(pushed int, epochNum uint64) bool {
	done := o.shared.BatchesProcessed.Load() + o.shared.BatchesDropped.Load()
	if int(done) < pushed {
		return false
	}
	if o.shared.InFlight.Load() != 0 || o.shared.WorkersCompleted.Load() != 0 {
		return false
	}
	for _, w := range o.registry.Computing() {
		if w.FinishedEpoch() != epochNum {
			return false
		}
	}
	return true
}

// Stop signals shutdown without waiting; Close waits.
func (o *Orchestrator) Stop() {
	o.shared.Running.Store(false)
}

// Close tears the whole tree down: workers drain at their next suspension
// point, the coordinator stops polling, and all goroutines are joined.
// Queued batches are released.
func (o *Orchestrator) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true
	o.shared.Running.Store(false)
	o.shared.Wg.Wait()
	err := o.coordGroup.Wait()
	o.shared.Queue.Reset()
	o.prefetchQ.Reset()
	klog.V(1).Infof("orchestrator closed after %d optimizer steps", o.coord.OptimSteps())
	return err
}

// GradientNorm returns the consolidated gradient norm under the gradient
// read-lock; safe to call concurrently with training.
func (o *Orchestrator) GradientNorm() float32 {
	return o.consolidated.Norm()
}

// Hierarchy snapshots the live worker tree.
func (o *Orchestrator) Hierarchy() []worker.Info {
	return o.registry.Report()
}

// OptimizerSteps returns the number of optimizer steps applied so far.
func (o *Orchestrator) OptimizerSteps() int {
	return o.coord.OptimSteps()
}

// observe reports progress through the metrics sink, if one is configured.
// Never called with the model lock held.
func (o *Orchestrator) observe(total int, start time.Time) {
	if o.cfg.Sink == nil {
		return
	}
	processed := int(o.shared.BatchesProcessed.Load())
	elapsed := time.Since(start).Seconds()
	rate := 0.0
	if elapsed > 0 {
		rate = float64(processed) / elapsed
	}
	eta := time.Duration(0)
	if rate > 0 && processed < total {
		eta = time.Duration(float64(total-processed) / rate * float64(time.Second))
	}

	workers := o.registry.Report()
	lossSum, lossBatches := 0.0, 0
	for _, w := range workers {
		lossSum += w.LossSum
		lossBatches += w.Processed
	}
	meanLoss := 0.0
	if lossBatches > 0 {
		meanLoss = lossSum / float64(lossBatches)
	}

	pending, qPushed, qPopped := o.shared.Queue.Stats()
	o.cfg.Sink.Observe(metrics.Snapshot{
		Epoch:            o.epoch,
		BatchesProcessed: processed,
		TotalBatches:     total,
		BatchesPerSec:    rate,
		ETA:              eta,
		MeanLoss:         meanLoss,
		GradientNorm:     o.GradientNorm(),
		QueuePending:     pending,
		TotalPushed:      qPushed,
		TotalPopped:      qPopped,
		PrefetchDepth:    o.prefetchQ.Len(),
		FetchErrors:      int(o.prefetch.fetchErrors.Load()),
		Dropped:          int(o.shared.BatchesDropped.Load()),
		OptimizerSteps:   o.coord.OptimSteps(),
		SkippedSteps:     o.coord.SkippedSteps(),
		Workers:          workers,
	})
}
