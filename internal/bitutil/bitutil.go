// Package bitutil holds small bit-twiddling helpers over math/bits:
// reversing bits for split-order hashing and clearing the highest set bit
// for bucket-parent lookups (both used by the split-ordered hash map),
// plus power-of-two and rotation helpers. The Masstree permuter and
// roundabout.go do their own bit math and do not import this package.
package bitutil

import "math/bits"

// ReverseBits32 reverses the bit order of v, used to turn a hash value into
// its split-order key so that bucket b's dummy node sorts ahead of every
// real node whose natural-order hash falls in bucket b.
func ReverseBits32(v uint32) uint32 {
	return bits.Reverse32(v)
}

// ClearHighestBit returns v with its most significant set bit cleared, used
// to find bucket b's parent bucket during split-ordered lazy initialization
// (bucket 0 is its own parent and is handled by the caller).
func ClearHighestBit(v uint32) uint32 {
	if v == 0 {
		return 0
	}
	return v &^ (1 << (31 - bits.LeadingZeros32(v)))
}

// NextPowerOfTwo returns the smallest power of two >= v, with a floor of 1.
func NextPowerOfTwo(v uint32) uint32 {
	if v <= 1 {
		return 1
	}
	return 1 << (32 - bits.LeadingZeros32(v-1))
}

// IsPowerOfTwo reports whether v is a power of two (v != 0).
func IsPowerOfTwo(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

// RotateLeft32 wraps bits.RotateLeft32, the rotation roundabout.go applies
// (by calling math/bits directly) in its ring-buffer bitmap scans.
func RotateLeft32(v uint32, k int) uint32 {
	return bits.RotateLeft32(v, k)
}
