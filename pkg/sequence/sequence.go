// Package sequence has small generic helpers over slices and iter.Seq.
package sequence

import "iter"

// Filter returns the elements of data matching pred, in order. The result
// never aliases data.
func Filter[T any](data []T, pred func(T) bool) []T {
	out := make([]T, 0, len(data))
	for _, v := range data {
		if pred(v) {
			out = append(out, v)
		}
	}
	return out
}

// Map applies fn to every element.
func Map[T, R any](data []T, fn func(T) R) []R {
	out := make([]R, len(data))
	for i, v := range data {
		out[i] = fn(v)
	}
	return out
}

// Values yields the elements of data matching pred.
func Values[T any](data []T, pred func(T) bool) iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, v := range data {
			if pred(v) && !yield(v) {
				return
			}
		}
	}
}

// Partition splits data by pred, keeping order on both sides.
func Partition[T any](data []T, pred func(T) bool) (matches, rest []T) {
	for _, v := range data {
		if pred(v) {
			matches = append(matches, v)
		} else {
			rest = append(rest, v)
		}
	}
	return matches, rest
}

// ToSet collects keyFn of every element.
func ToSet[T any, K comparable](data []T, keyFn func(T) K) map[K]struct{} {
	set := make(map[K]struct{}, len(data))
	for _, v := range data {
		set[keyFn(v)] = struct{}{}
	}
	return set
}
