// Package generics implements small generic helpers missing from the
// stdlib, used around the worker registry and configuration parsing.
package generics

import (
	"cmp"
	"iter"
	"maps"
	"slices"
)

// SliceMap applies fn to every element of in and returns the mapped slice.
func SliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// SortedKeys returns an iterator over the sorted keys of the given map.
//
// It collects and sorts the keys up front, so it's convenient but not fast.
func SortedKeys[M interface{ ~map[K]V }, K cmp.Ordered, V any](m M) iter.Seq[K] {
	sortedKeys := slices.Collect(maps.Keys(m))
	slices.Sort(sortedKeys)
	return slices.Values(sortedKeys)
}
