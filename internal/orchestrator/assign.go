package orchestrator

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/hexlattice/trellis/internal/generics"
	"github.com/hexlattice/trellis/internal/parameters"
	"github.com/hexlattice/trellis/internal/worker"
)

// AssignPolicy decides every worker's batch share for an epoch. The
// returned slice is parallel to workers and must sum to total.
type AssignPolicy interface {
	Name() string

	// Assign splits total batches over the given workers.
	Assign(total int, workers []*worker.Worker) []int
}

// EvenSplit gives every worker the same share, with the remainder going to
// the first workers.
type EvenSplit struct{}

func (EvenSplit) Name() string { return "even" }

func (EvenSplit) Assign(total int, workers []*worker.Worker) []int {
	return evenShares(total, len(workers))
}

func evenShares(total, n int) []int {
	shares := make([]int, n)
	if n == 0 {
		return shares
	}
	base, rem := total/n, total%n
	for i := range shares {
		shares[i] = base
		if i < rem {
			shares[i]++
		}
	}
	return shares
}

// Proportional sizes shares by each worker's throughput in the previous
// epoch, so faster workers carry more of the next one. With no history it
// falls back to an even split.
type Proportional struct{}

func (Proportional) Name() string { return "proportional" }

func (Proportional) Assign(total int, workers []*worker.Worker) []int {
	weights := make([]int, len(workers))
	for i, w := range workers {
		weights[i] = w.Processed()
	}
	return proportionalShares(total, weights)
}

// proportionalShares floors total×weight/weightSum per worker and hands the
// rounding leftovers to the largest truncated remainders, so the shares
// always sum to total. All-zero weights fall back to an even split.
func proportionalShares(total int, weights []int) []int {
	n := len(weights)
	weightSum := 0
	for _, weight := range weights {
		weightSum += weight
	}
	if weightSum == 0 {
		return evenShares(total, n)
	}
	shares := make([]int, n)
	assigned := 0
	for i, weight := range weights {
		shares[i] = total * weight / weightSum
		assigned += shares[i]
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		ra := total * weights[order[a]] % weightSum
		rb := total * weights[order[b]] % weightSum
		if ra != rb {
			return ra > rb
		}
		return order[a] < order[b]
	})
	for i := 0; i < total-assigned; i++ {
		shares[order[i%n]]++
	}
	return shares
}

// policyFromConfig parses a key=value policy configuration string, e.g.
// "policy=proportional". An empty string selects the even split.
func policyFromConfig(config string) (AssignPolicy, error) {
	if config == "" {
		return EvenSplit{}, nil
	}
	params := parameters.NewFromConfigString(config)
	name, err := parameters.PopParamOr(params, "policy", "even")
	if err != nil {
		return nil, err
	}
	var policy AssignPolicy
	switch name {
	case "even":
		policy = EvenSplit{}
	case "proportional":
		policy = Proportional{}
	default:
		return nil, errors.Errorf("unknown share policy %q in SharePolicy=%q", name, config)
	}
	for key := range generics.SortedKeys(params) {
		return nil, errors.Errorf("unknown option %q in SharePolicy=%q", key, config)
	}
	return policy, nil
}

// Assert the policies implement AssignPolicy.
var (
	_ AssignPolicy = EvenSplit{}
	_ AssignPolicy = Proportional{}
)
