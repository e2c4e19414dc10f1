// Package util contains internal helpers shared by the cache packages.
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import "math/bits"

// FloorLog2 returns floor(log2(x)).
// Special cases:
//   - x == 0 -> 0 (callers treat empty values as the lowest bucket)
func FloorLog2(x uint64) int {
	if x == 0 {
		return 0
	}
	return bits.Len64(x) - 1
}

// Clamp bounds v to [lo, hi]. If lo > hi, hi wins.
func Clamp(v, lo, hi int64) int64 {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return v
}
