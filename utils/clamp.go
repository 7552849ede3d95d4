package utils

import "golang.org/x/exp/constraints"

// Clamp pins v into [lo, hi]; lo wins when the range is empty.
func Clamp[T constraints.Integer](v, lo, hi T) T {
	if v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}
