// Package model defines the contracts the training orchestrator consumes: a
// model that can report its dimensions and apply an optimizer step, and the
// per-worker numerical kernels for the forward and backward passes. It also
// carries a small pure-Go reference implementation used by the trainer
// binary and the end-to-end tests.
package model

import (
	"github.com/hexlattice/trellis/internal/batch"
	"github.com/hexlattice/trellis/internal/gradients"
)

// Model is the external training target. The orchestrator reads the
// dimensions at construction time and invokes OptimizerStep under the model
// lock, once per batch rendezvous.
type Model interface {
	VocabSize() int
	EmbedDim() int
	HiddenDim() int
	NumLayers() int
	NumHeads() int

	// OptimizerStep atomically applies an update from the consolidated
	// gradients. The orchestrator guarantees exclusive access for the
	// duration of the call.
	OptimizerStep(consolidated []float32) error
}

// Kernel is the per-worker forward/backward contract. Implementations must
// tolerate concurrent invocation from multiple workers, must not share
// mutable state across workers, and must write only into the supplied
// activation buffers and gradient segment.
type Kernel interface {
	// Forward populates acts (embeddings, hidden state, logits) for b.
	Forward(acts *Activations, b *batch.Batch) error

	// Loss computes the scalar loss from the logits already in acts.
	Loss(acts *Activations, b *batch.Batch) float32

	// Backward accumulates b's gradient contribution into the worker's
	// segment. Entries of the global gradient that fall outside the
	// segment window are not written.
	Backward(acts *Activations, b *batch.Batch, seg gradients.Segment) error
}

// Activations is one worker's exclusive set of thread-local buffers, sized
// once for the batch shape so no allocation happens during compute.
type Activations struct {
	BatchSize int
	SeqLen    int

	Embed  []float32 // BatchSize × SeqLen × embedDim
	Hidden []float32 // BatchSize × SeqLen × hiddenDim
	Logits []float32 // BatchSize × SeqLen × vocabSize
}

// NewActivations allocates the buffer set for the given batch shape and
// model dimensions.
func NewActivations(batchSize, seqLen int, m Model) *Activations {
	n := batchSize * seqLen
	return &Activations{
		BatchSize: batchSize,
		SeqLen:    seqLen,
		Embed:     make([]float32, n*m.EmbedDim()),
		Hidden:    make([]float32, n*m.HiddenDim()),
		Logits:    make([]float32, n*m.VocabSize()),
	}
}

// ByteSize returns the total size of the buffers in bytes.
func (a *Activations) ByteSize() int {
	return 4 * (len(a.Embed) + len(a.Hidden) + len(a.Logits))
}
