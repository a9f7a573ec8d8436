package coordinator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexlattice/trellis/internal/batch"
	"github.com/hexlattice/trellis/internal/gradients"
	"github.com/hexlattice/trellis/internal/model"
	"github.com/hexlattice/trellis/internal/queue"
	"github.com/hexlattice/trellis/internal/spawn"
	"github.com/hexlattice/trellis/internal/worker"
)

// recordingModel wraps the reference model and captures every consolidated
// buffer handed to the optimizer.
type recordingModel struct {
	model.Model

	mu    sync.Mutex
	steps [][]float32
}

func (m *recordingModel) OptimizerStep(consolidated []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]float32, len(consolidated))
	copy(cp, consolidated)
	m.steps = append(m.steps, cp)
	return nil
}

func (m *recordingModel) stepCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.steps)
}

func (m *recordingModel) step(i int) []float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.steps[i]
}

// markerKernel writes each worker's segment start offset into every entry
// of its segment, so the aggregated buffer reveals who contributed.
type markerKernel struct {
	poison bool
}

func (k *markerKernel) Forward(acts *model.Activations, b *batch.Batch) error { return nil }

func (k *markerKernel) Loss(acts *model.Activations, b *batch.Batch) float32 { return 1 }

func (k *markerKernel) Backward(acts *model.Activations, b *batch.Batch, seg gradients.Segment) error {
	start, _ := seg.Bounds()
	vals := seg.Values()
	for i := range vals {
		vals[i] = float32(start + 1)
	}
	if k.poison && len(vals) > 0 {
		z := float32(0)
		vals[0] = z / z
	}
	return nil
}

type fixture struct {
	shared   *worker.Shared
	registry *worker.Registry
	buf      *gradients.SharedBuffer
	cons     *gradients.Consolidated
	mdl      *recordingModel
	coord    *Coordinator
	workers  []*worker.Worker
	done     chan struct{}
}

func newFixture(t *testing.T, numWorkers int, kernel model.Kernel) *fixture {
	base, err := model.NewLinear(model.LinearConfig{VocabSize: 12, EmbedDim: 3})
	require.NoError(t, err)
	mdl := &recordingModel{Model: base}
	wq, err := queue.NewWorkQueue(64)
	require.NoError(t, err)
	buf, err := gradients.NewShared(base.GradientSize(), numWorkers)
	require.NoError(t, err)

	sh := &worker.Shared{Queue: wq, Kernel: kernel, Model: mdl}
	sh.Running.Store(true)
	sh.IDs.Reset(numWorkers)
	sh.ActiveComputers.Store(int64(numWorkers))

	f := &fixture{
		shared:   sh,
		registry: worker.NewRegistry(),
		buf:      buf,
		cons:     gradients.NewConsolidated(base.GradientSize()),
		mdl:      mdl,
		done:     make(chan struct{}),
	}
	var modelMu sync.Mutex
	f.coord = New(Config{ClipNorm: 1e9}, sh, f.registry, f.cons, &modelMu)

	for i := 0; i < numWorkers; i++ {
		w := worker.New(worker.Params{
			ID:       i,
			Symmetry: i,
			Segment:  buf.Segment(i),
			Shared:   sh,
			Registry: f.registry,
			SpawnCfg: spawn.Config{
				MaxDepth:            1,
				MinBatchesPerThread: 1 << 20,
				Hysteresis:          time.Hour,
			},
			ConsiderEvery: time.Hour,
		})
		f.registry.Add(w)
		f.workers = append(f.workers, w)
	}
	return f
}

func (f *fixture) start() {
	go func() {
		_ = f.coord.Run()
		close(f.done)
	}()
	for _, w := range f.workers {
		w := w
		f.shared.Wg.Add(1)
		go func() { defer f.shared.Wg.Done(); w.Run() }()
	}
}

func (f *fixture) push(t *testing.T, n int) {
	it := batch.NewSynthetic(1, 4, 12, n, 3)
	for i := 0; i < n; i++ {
		b, err := it.Next()
		require.NoError(t, err)
		require.True(t, f.shared.Queue.Push(b))
	}
	f.shared.Queue.MarkEpochDone()
}

func (f *fixture) stop(t *testing.T) {
	f.shared.Running.Store(false)
	for _, w := range f.workers {
		<-w.Done()
	}
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not stop")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), msg)
}

func TestRendezvousAveragesSegments(t *testing.T) {
	f := newFixture(t, 3, &markerKernel{})
	for _, w := range f.workers {
		w.BeginEpoch(2)
	}
	f.push(t, 6)
	f.start()
	f.shared.Epoch.Store(1)

	waitFor(t, 5*time.Second, func() bool { return f.coord.OptimSteps() == 2 }, "two full rounds expected")
	f.stop(t)

	assert.Equal(t, 2, f.mdl.stepCount())
	assert.Zero(t, f.shared.WorkersCompleted.Load(), "counter resets after every round")
	assert.Zero(t, f.coord.SkippedSteps())

	// Every worker contributed each round, so every location carries its
	// owner's marker divided by the three contributors.
	step := f.mdl.step(0)
	for _, w := range f.workers {
		start, end := w.Segment().Bounds()
		want := float32(start+1) / 3
		for i := start; i < end; i++ {
			assert.InDelta(t, want, step[i], 1e-6)
		}
	}
}

func TestPartialFinalRound(t *testing.T) {
	f := newFixture(t, 2, &markerKernel{})
	f.workers[0].BeginEpoch(2)
	f.workers[1].BeginEpoch(1)
	f.push(t, 3)
	f.start()
	f.shared.Epoch.Store(1)

	waitFor(t, 5*time.Second, func() bool { return f.coord.OptimSteps() == 2 }, "a full round then a partial round")
	f.stop(t)

	assert.Equal(t, 2, f.workers[0].Processed())
	assert.Equal(t, 1, f.workers[1].Processed())

	// The final round has a single contributor: its segment is carried
	// through undivided and the other worker's region stays zero.
	last := f.mdl.step(1)
	s0, e0 := f.workers[0].Segment().Bounds()
	for i := s0; i < e0; i++ {
		assert.InDelta(t, float32(s0+1), last[i], 1e-6)
	}
	s1, e1 := f.workers[1].Segment().Bounds()
	for i := s1; i < e1; i++ {
		assert.Zero(t, last[i])
	}
}

func TestCappedWorkerLeavesRendezvous(t *testing.T) {
	f := newFixture(t, 2, &markerKernel{})
	f.workers[0].BeginEpoch(3)
	f.workers[1].BeginEpoch(1)
	f.push(t, 4)
	f.start()
	f.shared.Epoch.Store(1)

	// Worker 1 hits its cap after the first round and parks while the
	// queue still holds work; the remaining rounds must close against
	// worker 0 alone or the epoch never drains.
	waitFor(t, 5*time.Second, func() bool {
		return f.shared.BatchesProcessed.Load() == 4 && f.coord.OptimSteps() == 3
	}, "all four batches processed and the final solo round closed")
	f.stop(t)

	assert.Equal(t, 3, f.workers[0].Processed())
	assert.Equal(t, 1, f.workers[1].Processed())
	assert.Equal(t, 3, f.coord.OptimSteps(), "one shared round, then two solo rounds")
	assert.Zero(t, f.shared.WorkersCompleted.Load())
	assert.Zero(t, f.coord.SkippedSteps())
}

func TestPoisonedWorkerExcludedFromMean(t *testing.T) {
	f := newFixture(t, 1, &markerKernel{poison: true})
	f.workers[0].BeginEpoch(1)
	f.push(t, 1)
	f.start()
	f.shared.Epoch.Store(1)

	// The only worker's gradient is invalid, so the round closes without
	// an optimizer step.
	waitFor(t, 5*time.Second, func() bool { return f.coord.SkippedSteps() == 1 }, "round should close without a step")
	f.stop(t)

	assert.Zero(t, f.coord.OptimSteps())
	assert.Equal(t, 1, f.workers[0].Processed(), "the batch still counts as processed")
}

func TestClipBoundsSegmentNorm(t *testing.T) {
	f := newFixture(t, 1, &markerKernel{})
	f.coord.cfg.ClipNorm = 1.0
	f.workers[0].BeginEpoch(1)
	f.push(t, 1)
	f.start()
	f.shared.Epoch.Store(1)

	waitFor(t, 5*time.Second, func() bool { return f.coord.OptimSteps() == 1 }, "one round expected")
	f.stop(t)

	norm := gradients.Norm(f.mdl.step(0))
	assert.InDelta(t, 1.0, norm, 1e-3, "clipped segment norm should hit the ceiling")
}
