package orchestrator

import (
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/hexlattice/trellis/internal/batch"
	"github.com/hexlattice/trellis/internal/queue"
	"github.com/hexlattice/trellis/internal/worker"
)

// prefetcher decouples batch preparation from compute: it runs ahead of the
// main push loop and keeps the bounded pre-fetch queue topped up. Only the
// prefetcher touches the iterator.
type prefetcher struct {
	shared *worker.Shared
	iter   batch.Iterator
	out    *queue.PrefetchQueue

	fetched     atomic.Int64
	fetchErrors atomic.Int64
}

const prefetchFullSleep = 200 * time.Microsecond

// run fetches until the iterator is exhausted or shutdown is signaled, then
// marks the producer done. Malformed batches are dropped and counted; they
// never stop training.
func (p *prefetcher) run() error {
	defer p.out.MarkProducerDone()
	for p.shared.Running.Load() {
		b, err := p.iter.Next()
		if err != nil {
			p.fetchErrors.Add(1)
			klog.Warningf("prefetch: dropping malformed batch: %v", err)
			continue
		}
		if b == nil {
			return nil
		}
		if err := b.Validate(); err != nil {
			p.fetchErrors.Add(1)
			klog.Warningf("prefetch: dropping invalid batch: %v", err)
			continue
		}
		for !p.out.TryPush(b) {
			if !p.shared.Running.Load() {
				return nil
			}
			time.Sleep(prefetchFullSleep)
		}
		p.fetched.Add(1)
	}
	return nil
}
