// Package batch defines the unit of training work handed to workers, and the
// iterator contract that supplies it.
package batch

import (
	"github.com/pkg/errors"
)

// Batch is one immutable training unit: BatchSize sequences of SeqLen tokens
// over a vocabulary of VocabSize, a parallel attention mask, and the target
// tokens. Ownership follows the batch: whoever holds it (producer, queue,
// worker) owns its memory, and the worker that finishes processing it is the
// one that releases it.
type Batch struct {
	BatchSize int
	SeqLen    int
	VocabSize int

	// Tokens, Mask and Targets are flat [BatchSize*SeqLen] rows.
	Tokens  []int32
	Mask    []float32
	Targets []int32
}

// New allocates a zeroed batch of the given shape.
func New(batchSize, seqLen, vocabSize int) *Batch {
	n := batchSize * seqLen
	return &Batch{
		BatchSize: batchSize,
		SeqLen:    seqLen,
		VocabSize: vocabSize,
		Tokens:    make([]int32, n),
		Mask:      make([]float32, n),
		Targets:   make([]int32, n),
	}
}

// Validate checks the batch is well-formed: consistent shapes, non-nil token
// buffers and token values within the vocabulary. Malformed batches are
// dropped by the pre-fetch producer and counted as fetch errors.
func (b *Batch) Validate() error {
	if b == nil {
		return errors.New("nil batch")
	}
	if b.BatchSize <= 0 || b.SeqLen <= 0 || b.VocabSize <= 0 {
		return errors.Errorf("invalid batch shape: batch=%d, seq=%d, vocab=%d",
			b.BatchSize, b.SeqLen, b.VocabSize)
	}
	n := b.BatchSize * b.SeqLen
	if b.Tokens == nil || b.Targets == nil {
		return errors.New("batch has nil token buffers")
	}
	if len(b.Tokens) != n || len(b.Targets) != n || len(b.Mask) != n {
		return errors.Errorf("batch buffer size mismatch: want %d, tokens=%d, targets=%d, mask=%d",
			n, len(b.Tokens), len(b.Targets), len(b.Mask))
	}
	for i, tok := range b.Tokens {
		if tok < 0 || int(tok) >= b.VocabSize {
			return errors.Errorf("token %d out of vocabulary range [0, %d) at position %d",
				tok, b.VocabSize, i)
		}
	}
	return nil
}

// NumTokens returns the number of token positions in the batch.
func (b *Batch) NumTokens() int { return b.BatchSize * b.SeqLen }

// Iterator supplies batches for an epoch. It is finite and restartable, and
// by contract not thread-safe: only the pre-fetch producer calls Next.
type Iterator interface {
	// Next returns the next batch, or nil when the epoch's batches are
	// exhausted. An error is reserved for malformed underlying data; the
	// caller drops the batch and continues.
	Next() (*Batch, error)

	// Reset restarts the iterator from the first batch.
	Reset()

	// BatchCount reports the number of batches one full pass yields.
	BatchCount() int
}
