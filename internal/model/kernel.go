package model

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/hexlattice/trellis/internal/batch"
	"github.com/hexlattice/trellis/internal/gradients"
)

// The kernel methods below read the weight table and write only into the
// worker-supplied activation buffers and gradient segment, so any number of
// workers may run them concurrently.

// Forward embeds each token through the frozen feature table, applies the
// elementwise hidden nonlinearity, and projects to logits for every
// position.
func (t *Linear) Forward(acts *Activations, b *batch.Batch) error {
	if b.VocabSize != t.vocabSize {
		return errors.Errorf("batch vocabulary %d does not match model vocabulary %d",
			b.VocabSize, t.vocabSize)
	}
	if acts.BatchSize != b.BatchSize || acts.SeqLen != b.SeqLen {
		return errors.Errorf("activation shape (%d,%d) does not match batch shape (%d,%d)",
			acts.BatchSize, acts.SeqLen, b.BatchSize, b.SeqLen)
	}
	d := t.embedDim
	invSqrtD := 1 / math32.Sqrt(float32(d))
	for pos := 0; pos < b.NumTokens(); pos++ {
		tok := int(b.Tokens[pos])
		row := t.features[tok*d : (tok+1)*d]
		embed := acts.Embed[pos*d : (pos+1)*d]
		hidden := acts.Hidden[pos*t.hiddenDim : pos*t.hiddenDim+d]
		copy(embed, row)
		for i, w := range row {
			hidden[i] = math32.Tanh(w)
		}
		logits := acts.Logits[pos*t.vocabSize : (pos+1)*t.vocabSize]
		for v := 0; v < t.vocabSize; v++ {
			vRow := t.weights[v*d : (v+1)*d]
			var dot float32
			for i := range vRow {
				dot += vRow[i] * hidden[i]
			}
			logits[v] = dot * invSqrtD
		}
	}
	return nil
}

// Loss returns the mean masked softmax cross-entropy over the batch,
// computed from the logits Forward left in acts.
func (t *Linear) Loss(acts *Activations, b *batch.Batch) float32 {
	var total float32
	var count int
	for pos := 0; pos < b.NumTokens(); pos++ {
		if b.Mask[pos] == 0 {
			continue
		}
		logits := acts.Logits[pos*t.vocabSize : (pos+1)*t.vocabSize]
		total += -logSoftmaxAt(logits, int(b.Targets[pos]))
		count++
	}
	if count == 0 {
		return 0
	}
	return total / float32(count)
}

// Backward accumulates the cross-entropy gradient of the output projection
// into the worker's segment window. Contributions that fall outside the
// window are dropped; each worker covers its own slice of the parameter
// space.
func (t *Linear) Backward(acts *Activations, b *batch.Batch, seg gradients.Segment) error {
	d := t.embedDim
	start, end := seg.Bounds()
	values := seg.Values()
	invSqrtD := 1 / math32.Sqrt(float32(d))
	invCount := 1 / float32(b.NumTokens())

	probs := make([]float32, t.vocabSize)
	for pos := 0; pos < b.NumTokens(); pos++ {
		if b.Mask[pos] == 0 {
			continue
		}
		logits := acts.Logits[pos*t.vocabSize : (pos+1)*t.vocabSize]
		softmaxInto(probs, logits)
		probs[b.Targets[pos]] -= 1 // dL/dlogits = softmax - onehot(target).
		hidden := acts.Hidden[pos*t.hiddenDim : pos*t.hiddenDim+d]

		// dL/dW[v,i] = dlogits[v] · hidden[i] / sqrt(d). Only the rows
		// intersecting [start, end) are materialized.
		firstRow := start / d
		lastRow := (end - 1) / d
		for v := firstRow; v <= lastRow; v++ {
			g := probs[v] * invSqrtD * invCount
			rowStart := v * d
			for i := 0; i < d; i++ {
				global := rowStart + i
				if global < start || global >= end {
					continue
				}
				values[global-start] += g * hidden[i]
			}
		}
	}
	return nil
}

// logSoftmaxAt returns log(softmax(logits))[target] with the usual max
// subtraction for numeric stability.
func logSoftmaxAt(logits []float32, target int) float32 {
	maxLogit := logits[0]
	for _, l := range logits[1:] {
		if l > maxLogit {
			maxLogit = l
		}
	}
	var sum float32
	for _, l := range logits {
		sum += math32.Exp(l - maxLogit)
	}
	return logits[target] - maxLogit - math32.Log(sum)
}

func softmaxInto(probs, logits []float32) {
	maxLogit := logits[0]
	for _, l := range logits[1:] {
		if l > maxLogit {
			maxLogit = l
		}
	}
	var sum float32
	for i, l := range logits {
		probs[i] = math32.Exp(l - maxLogit)
		sum += probs[i]
	}
	inv := 1 / sum
	for i := range probs {
		probs[i] *= inv
	}
}
