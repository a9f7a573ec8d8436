// Package gradients owns the flat shared gradient buffer, its partition into
// per-worker segments, and the consolidated buffer the coordinator
// aggregates into. It also provides the float32 validation, clipping and
// norm helpers used around the optimizer boundary.
package gradients

import (
	"sync"

	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// SharedBuffer is a flat array of N = vocabSize × embedDim gradient entries,
// partitioned contiguously into equal segments, one per worker created at
// construction time. Workers write only inside their own segment; the
// partition is never changed within an epoch.
type SharedBuffer struct {
	data     []float32
	segments int
}

// NewShared allocates a shared buffer of size entries partitioned into the
// given number of segments.
func NewShared(size, segments int) (*SharedBuffer, error) {
	if size <= 0 {
		return nil, errors.Errorf("gradient buffer size must be positive, got %d", size)
	}
	if segments <= 0 || segments > size {
		return nil, errors.Errorf("segment count must be in [1, %d], got %d", size, segments)
	}
	return &SharedBuffer{
		data:     make([]float32, size),
		segments: segments,
	}, nil
}

// Size returns the total number of entries.
func (s *SharedBuffer) Size() int { return len(s.data) }

// NumSegments returns the number of partition segments.
func (s *SharedBuffer) NumSegments() int { return s.segments }

// Segment returns the capability token for partition index k: the half-open
// range [k·N/W, (k+1)·N/W). The token is the only path to the underlying
// slice, so the writable window is enforced by slice bounds.
func (s *SharedBuffer) Segment(k int) Segment {
	if k < 0 || k >= s.segments {
		exceptions.Panicf("gradient segment index %d out of range [0, %d)", k, s.segments)
	}
	n := len(s.data)
	start := k * n / s.segments
	end := (k + 1) * n / s.segments
	return Segment{buf: s, start: start, end: end}
}

// Segment is an exclusive, writable window into the shared buffer. Two live
// segments from the same buffer are always disjoint.
type Segment struct {
	buf        *SharedBuffer
	start, end int
}

// Bounds returns the [start, end) range of the segment within the buffer.
func (g Segment) Bounds() (start, end int) { return g.start, g.end }

// Len returns the number of entries in the segment.
func (g Segment) Len() int { return g.end - g.start }

// Values returns the writable window. Writes through the returned slice
// cannot escape the segment.
func (g Segment) Values() []float32 {
	return g.buf.data[g.start:g.end:g.end]
}

// Zero clears the segment.
func (g Segment) Zero() {
	values := g.Values()
	for i := range values {
		values[i] = 0
	}
}

// Sub divides the segment into count disjoint child windows, used when a
// promoted coordinator hands its range to its children. The parent stops
// writing while it coordinates, so segment disjointness is preserved without
// re-partitioning the full buffer.
func (g Segment) Sub(i, count int) Segment {
	if count <= 0 || i < 0 || i >= count {
		exceptions.Panicf("invalid sub-segment %d of %d", i, count)
	}
	n := g.Len()
	return Segment{
		buf:   g.buf,
		start: g.start + i*n/count,
		end:   g.start + (i+1)*n/count,
	}
}

// Consolidated is the aggregation target written only by the coordinator
// between the all-workers-done rendezvous and the completion-counter reset,
// and read by the optimizer step. Concurrent readers of the gradient norm
// take the read side of the lock.
type Consolidated struct {
	mu   sync.RWMutex
	data []float32
}

// NewConsolidated allocates a consolidated buffer of the same length as the
// shared buffer it mirrors.
func NewConsolidated(size int) *Consolidated {
	return &Consolidated{data: make([]float32, size)}
}

// Lock acquires the writer side (the coordinator during accumulation).
func (c *Consolidated) Lock() { c.mu.Lock() }

// Unlock releases the writer side.
func (c *Consolidated) Unlock() { c.mu.Unlock() }

// Data returns the underlying values. Callers must hold the lock in the
// appropriate mode.
func (c *Consolidated) Data() []float32 { return c.data }

// Zero clears the buffer. Caller must hold the write lock.
func (c *Consolidated) Zero() {
	for i := range c.data {
		c.data[i] = 0
	}
}

// Norm returns the Euclidean norm of the consolidated gradients, taking the
// read lock. Safe to call concurrently with other readers.
func (c *Consolidated) Norm() float32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Norm(c.data)
}

// Validate reports whether values contains no NaN and no ±Inf entries.
func Validate(values []float32) bool {
	for _, v := range values {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Norm returns the Euclidean norm of values.
func Norm(values []float32) float32 {
	var sum float32
	for _, v := range values {
		sum += v * v
	}
	return math32.Sqrt(sum)
}

// Clip scales values in place so their norm does not exceed maxNorm, and
// returns the norm observed before clipping.
func Clip(values []float32, maxNorm float32) float32 {
	norm := Norm(values)
	if norm > maxNorm && norm > 0 {
		scale := maxNorm / norm
		for i := range values {
			values[i] *= scale
		}
	}
	return norm
}
