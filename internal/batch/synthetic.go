package batch

import (
	"math/rand/v2"
)

// SyntheticIterator generates deterministic pseudo-random token batches. It is
// the data source used by the trainer binary in self-test mode and by the
// end-to-end tests: same seed, same batches, including after a Reset.
type SyntheticIterator struct {
	batchSize  int
	seqLen     int
	vocabSize  int
	numBatches int
	seed       uint64

	next int
	rng  *rand.Rand
}

// NewSynthetic creates a restartable iterator that yields numBatches batches
// of the given shape, derived from seed.
func NewSynthetic(batchSize, seqLen, vocabSize, numBatches int, seed uint64) *SyntheticIterator {
	it := &SyntheticIterator{
		batchSize:  batchSize,
		seqLen:     seqLen,
		vocabSize:  vocabSize,
		numBatches: numBatches,
		seed:       seed,
	}
	it.Reset()
	return it
}

// Next implements Iterator.
func (it *SyntheticIterator) Next() (*Batch, error) {
	if it.next >= it.numBatches {
		return nil, nil
	}
	it.next++
	b := New(it.batchSize, it.seqLen, it.vocabSize)
	for i := range b.Tokens {
		b.Tokens[i] = int32(it.rng.IntN(it.vocabSize))
		b.Mask[i] = 1
		// Next-token prediction: target is the following token, last
		// position wraps to the first token of the sequence.
		if (i+1)%it.seqLen == 0 {
			b.Targets[i] = b.Tokens[i+1-it.seqLen]
		}
	}
	for i := range b.Targets {
		if (i+1)%it.seqLen != 0 {
			b.Targets[i] = b.Tokens[i+1]
		}
	}
	return b, nil
}

// Reset implements Iterator.
func (it *SyntheticIterator) Reset() {
	it.next = 0
	it.rng = rand.New(rand.NewPCG(it.seed, it.seed^0x9e3779b97f4a7c15))
}

// BatchCount implements Iterator.
func (it *SyntheticIterator) BatchCount() int { return it.numBatches }

// Assert SyntheticIterator implements Iterator.
var _ Iterator = &SyntheticIterator{}
