package queue

import (
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexlattice/trellis/internal/batch"
)

func TestWorkQueueCapacityValidation(t *testing.T) {
	for _, capacity := range []int{0, -1, 3, 100} {
		_, err := NewWorkQueue(capacity)
		assert.Error(t, err, "capacity %d should be rejected", capacity)
	}
	q, err := NewWorkQueue(64)
	require.NoError(t, err)
	assert.Equal(t, 64, q.Cap())
}

func TestWorkQueuePushPop(t *testing.T) {
	q, err := NewWorkQueue(4)
	require.NoError(t, err)

	assert.Nil(t, q.Pop(), "empty queue pops nil")

	batches := make([]*batch.Batch, 4)
	for i := range batches {
		batches[i] = batch.New(1, 2, 8)
		require.True(t, q.Push(batches[i]))
	}
	assert.False(t, q.Push(batch.New(1, 2, 8)), "push on full queue fails fast")
	assert.Equal(t, uint64(4), q.Pending())

	for i := range batches {
		got := q.Pop()
		assert.Same(t, batches[i], got, "FIFO order for single consumer")
	}
	assert.Nil(t, q.Pop())

	pending, pushed, popped := q.Stats()
	assert.Zero(t, pending)
	assert.Equal(t, uint64(4), pushed)
	assert.Equal(t, uint64(4), popped)
}

func TestWorkQueueEpochDone(t *testing.T) {
	q, err := NewWorkQueue(8)
	require.NoError(t, err)
	require.True(t, q.Push(batch.New(1, 1, 4)))
	q.MarkEpochDone()
	assert.True(t, q.EpochDone())
	assert.False(t, q.IsComplete(), "pending batch blocks completion")
	q.Pop()
	assert.True(t, q.IsComplete())
}

func TestWorkQueueReset(t *testing.T) {
	q, err := NewWorkQueue(8)
	require.NoError(t, err)
	require.True(t, q.Push(batch.New(1, 1, 4)))
	require.True(t, q.Push(batch.New(1, 1, 4)))
	q.MarkEpochDone()

	orphans := q.Reset()
	assert.Len(t, orphans, 2, "unconsumed batches are handed back")
	assert.False(t, q.EpochDone())
	pending, pushed, popped := q.Stats()
	assert.Zero(t, pending)
	assert.Zero(t, pushed)
	assert.Zero(t, popped)
}

// TestWorkQueueExactlyOnce hammers the queue with concurrent producers and
// consumers and verifies every pushed batch is delivered to exactly one
// consumer.
func TestWorkQueueExactlyOnce(t *testing.T) {
	const (
		producers        = 4
		consumers        = 4
		perProducer      = 5000
		expectedDelivery = producers * perProducer
	)
	q, err := NewWorkQueue(256)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				b := batch.New(1, 1, 2)
				for !q.Push(b) {
					runtime.Gosched() // Full; wait for a consumer.
				}
			}
		}()
	}

	var mu sync.Mutex
	seen := make(map[*batch.Batch]int, expectedDelivery)
	var consumerWG sync.WaitGroup
	done := make(chan struct{})
	for c := 0; c < consumers; c++ {
		consumerWG.Add(1)
		go func() {
			defer consumerWG.Done()
			local := make([]*batch.Batch, 0, expectedDelivery/consumers)
			for {
				if b := q.Pop(); b != nil {
					local = append(local, b)
					continue
				}
				select {
				case <-done:
					if b := q.Pop(); b != nil {
						local = append(local, b)
						continue
					}
					mu.Lock()
					for _, b := range local {
						seen[b]++
					}
					mu.Unlock()
					return
				default:
					runtime.Gosched()
				}
			}
		}()
	}

	wg.Wait()
	for q.Pending() > 0 {
		runtime.Gosched() // Let consumers drain.
	}
	close(done)
	consumerWG.Wait()

	_, pushed, popped := q.Stats()
	require.Equal(t, uint64(expectedDelivery), pushed)
	require.Equal(t, uint64(expectedDelivery), popped)
	require.Len(t, seen, expectedDelivery)
	for b, count := range seen {
		require.Equal(t, 1, count, "batch %p delivered %d times", b, count)
	}
}

func TestPrefetchQueue(t *testing.T) {
	q, err := NewPrefetchQueue(2)
	require.NoError(t, err)
	_, err = NewPrefetchQueue(0)
	assert.Error(t, err)

	a, b := batch.New(1, 1, 4), batch.New(1, 1, 4)
	require.True(t, q.TryPush(a))
	require.True(t, q.TryPush(b))
	assert.False(t, q.TryPush(batch.New(1, 1, 4)), "bounded")
	assert.Equal(t, uint64(2), q.Len())

	assert.Same(t, a, q.TryPop())
	assert.Same(t, b, q.TryPop())
	assert.Nil(t, q.TryPop())

	assert.False(t, q.ProducerDone())
	q.MarkProducerDone()
	assert.True(t, q.ProducerDone())

	require.True(t, q.TryPush(batch.New(1, 1, 4)))
	orphans := q.Reset()
	assert.Len(t, orphans, 1)
	assert.False(t, q.ProducerDone())
	assert.Zero(t, q.Len())
}
