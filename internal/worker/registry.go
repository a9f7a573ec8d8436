package worker

import (
	"sync"

	"github.com/hexlattice/trellis/internal/generics"
)

// Registry tracks every live worker so the coordinator can enumerate the
// computing set each round and the metrics sink can snapshot the hierarchy.
type Registry struct {
	mu      sync.RWMutex
	workers map[int]*Worker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[int]*Worker)}
}

// Add registers a worker under its ID.
func (r *Registry) Add(w *Worker) {
	r.mu.Lock()
	r.workers[w.ID()] = w
	r.mu.Unlock()
}

// Remove drops a worker from the registry.
func (r *Registry) Remove(id int) {
	r.mu.Lock()
	delete(r.workers, id)
	r.mu.Unlock()
}

// Len returns the number of live workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Computing returns the workers currently eligible to process batches, in
// ID order. Coordinators are excluded.
func (r *Registry) Computing() []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Worker, 0, len(r.workers))
	for id := range generics.SortedKeys(r.workers) {
		if w := r.workers[id]; !w.IsCoordinator() {
			out = append(out, w)
		}
	}
	return out
}

// All returns every live worker in ID order.
func (r *Registry) All() []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Worker, 0, len(r.workers))
	for id := range generics.SortedKeys(r.workers) {
		out = append(out, r.workers[id])
	}
	return out
}

// Info is one row of a hierarchy snapshot.
type Info struct {
	ID          int
	Symmetry    int
	Level       int
	State       State
	Coordinator bool
	Assigned    int
	Processed   int
	LossSum     float64
	Children    []int
}

// Report snapshots the worker tree for diagnostics. Best effort: counters
// are read without stopping the workers.
func (r *Registry) Report() []Info {
	return generics.SliceMap(r.All(), (*Worker).info)
}
