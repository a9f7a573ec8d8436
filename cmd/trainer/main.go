// trainer drives the parallel training orchestrator against the built-in
// reference model on a synthetic token stream. It exists to exercise and
// benchmark the orchestration pipeline end to end: pre-fetch, the lock-free
// work queue, the worker hierarchy with dynamic spawn/despawn, and the
// per-batch gradient rendezvous.
//
// See -help for flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/hexlattice/trellis/internal/batch"
	"github.com/hexlattice/trellis/internal/metrics"
	"github.com/hexlattice/trellis/internal/model"
	"github.com/hexlattice/trellis/internal/orchestrator"
	"github.com/hexlattice/trellis/internal/profilers"
	"github.com/hexlattice/trellis/internal/ui/spinning"
)

var (
	flagEpochs    = flag.Int("num_epochs", 3, "Number of epochs to train.")
	flagBatches   = flag.Int("batches", 200, "Batches per epoch of the synthetic stream.")
	flagBatchSize = flag.Int("batch_size", 8, "Sequences per batch.")
	flagSeqLen    = flag.Int("seq_len", 32, "Tokens per sequence.")
	flagVocab     = flag.Int("vocab", 512, "Vocabulary size.")
	flagEmbedDim  = flag.Int("embed_dim", 64, "Embedding dimension.")
	flagLR        = flag.Float64("learning_rate", 1e-2, "Adam learning rate.")
	flagSeed      = flag.Uint64("seed", 42, "Seed for the synthetic stream and the model init.")

	flagWorkers    = flag.Int("workers", 0, "Initial worker pool size; 0 auto-detects from the CPU count.")
	flagMaxDepth   = flag.Int("max_depth", 3, "Maximum hierarchy depth for spawned coordinators.")
	flagMinBatches = flag.Int("min_batches_per_thread", 4, "Spawn controller load floor.")
	flagHysteresis = flag.Duration("spawn_hysteresis", 5*time.Second, "Minimum interval between spawns (or despawns) by one worker.")
	flagClipNorm   = flag.Float64("clip_norm", 10, "Gradient norm ceiling per worker segment.")
	flagQueueCap   = flag.Int("queue_capacity", 1024, "Work queue capacity (power of two).")
	flagPrefetch   = flag.Int("prefetch_capacity", 64, "Pre-fetch queue capacity.")
	flagPolicy     = flag.String("share_policy", "", "Share assignment, e.g. \"policy=proportional\"; empty for an even split.")
	flagShowTree   = flag.Bool("show_tree", false, "Print the worker hierarchy after each epoch.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	mdl := must.M1(model.NewLinear(model.LinearConfig{
		VocabSize:    *flagVocab,
		EmbedDim:     *flagEmbedDim,
		LearningRate: float32(*flagLR),
		Seed:         *flagSeed,
	}))
	iter := batch.NewSynthetic(*flagBatchSize, *flagSeqLen, *flagVocab, *flagBatches, *flagSeed)

	// Progress bar fed by the orchestrator's metrics sink; the styled
	// summary line is printed once per epoch, after the bar clears.
	var mu sync.Mutex
	var last metrics.Snapshot
	var bar *progressbar.ProgressBar
	sink := metrics.SinkFunc(func(s metrics.Snapshot) {
		mu.Lock()
		last = s
		if bar != nil {
			_ = bar.Set(s.BatchesProcessed)
		}
		mu.Unlock()
	})

	spinner := spinning.New(context.Background())
	orch, err := orchestrator.New(mdl, mdl, iter, orchestrator.Config{
		WorkerCount:           *flagWorkers,
		MaxHierarchyDepth:     *flagMaxDepth,
		MinBatchesPerThread:   *flagMinBatches,
		SpawnHysteresis:       *flagHysteresis,
		GradientClipNorm:      float32(*flagClipNorm),
		WorkQueueCapacity:     *flagQueueCap,
		PrefetchQueueCapacity: *flagPrefetch,
		SharePolicy:           *flagPolicy,
		Sink:                  sink,
	})
	spinner.Done()
	must.M(err)
	defer func() { must.M(orch.Close()) }()

	// Ctrl+C stops the epoch at the next suspension point; Close then
	// joins the whole tree.
	spinning.SafeInterrupt(orch.Stop, 5*time.Second)
	profilers.Setup()
	defer profilers.OnQuit()

	console := metrics.NewConsole(os.Stdout, *flagShowTree)
	tokensPerEpoch := *flagBatches * *flagBatchSize * *flagSeqLen
	fmt.Printf("Training %d epochs of %s batches (%s tokens per epoch)\n",
		*flagEpochs, humanize.Comma(int64(*flagBatches)), humanize.Comma(int64(tokensPerEpoch)))

	for epoch := 0; epoch < *flagEpochs; epoch++ {
		mu.Lock()
		bar = progressbar.NewOptions(*flagBatches,
			progressbar.OptionSetDescription(fmt.Sprintf("epoch %d", epoch)),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		mu.Unlock()

		err := orch.RunEpoch(epoch)
		mu.Lock()
		_ = bar.Finish()
		bar = nil
		final := last
		mu.Unlock()
		if err != nil {
			klog.Exitf("epoch %d failed: %v", epoch, err)
		}
		console.Observe(final)
	}
	fmt.Printf("Done: %d optimizer steps, final gradient norm %.4g\n",
		orch.OptimizerSteps(), orch.GradientNorm())
}
