// Package tagptr hides the pointer-tagging bit tricks spec.md §9 calls
// for ("type-tagging in pointer words") behind safe constructors: the
// hash map's link low bit (logically-deleted marker), the Masstree leaf
// next-pointer low bit (per-leaf lock), and the WFMCAS managed word's top
// bit (helper-pointer marker) are all instances of the same idea — steal
// a bit a real pointer or word never uses, and provide Pack/Unpack/IsTagged
// so the rest of the module never does raw uintptr arithmetic itself.
//
// Words are carried as uintptr/uint64 in atomic fields and converted to
// unsafe.Pointer only at the leaf points in this file, per spec.md §9's
// "cast only at leaf points" strategy. This relies on the Go runtime's
// allocator being non-moving and non-compacting (true of every shipped
// Go GC to date): a pointer converted to uintptr here is always converted
// back before the next safepoint, and the original unsafe.Pointer value is
// kept reachable by the owning data structure for the tagged word's entire
// lifetime, so the object is never collected out from under the tag.
package tagptr

import "unsafe"

// LowBit packs/unpacks a pointer's low bit, used where the tagged value is
// a same-width pointer and callers can guarantee >= 2-byte alignment (true
// of every Go pointer to an allocated struct).
const LowBit = uintptr(1)

// PackLow steals ptr's low bit to carry a boolean flag alongside it (the
// hash-map "logically deleted" mark, the Masstree leaf-link lock bit).
// Panics if ptr is not at least 2-byte aligned, or if the bit is already in
// use by a non-nil low bit on ptr itself (never true for Go pointers).
func PackLow(ptr unsafe.Pointer, set bool) uintptr {
	u := uintptr(ptr)
	if u&LowBit != 0 {
		panic("tagptr: pointer is not aligned enough to steal its low bit")
	}
	if set {
		return u | LowBit
	}
	return u
}

// UnpackLow splits a low-bit-tagged word back into its pointer and flag.
func UnpackLow(word uintptr) (ptr unsafe.Pointer, flag bool) {
	flag = word&LowBit != 0
	ptr = unsafe.Pointer(word &^ LowBit)
	return
}

// LowBitSet reports the tag bit of a word without unpacking the pointer.
func LowBitSet(word uintptr) bool {
	return word&LowBit != 0
}

// HighBit64 is the WFMCAS tag bit: the top bit of a 64-bit managed word
// distinguishes an ordinary user value (bit clear) from a tagged reference
// to an MCasHelper (bit set). User values stored in WFMCAS-managed words
// must leave this bit clear; PackHigh64 panics otherwise.
const HighBit64 = uint64(1) << 63

// PackHigh64 tags a helper handle (an opaque, module-minted small integer
// identifying a live *MCasHelper, not a raw pointer — see wfmcas's helper
// table) into a 64-bit word with the top bit set.
func PackHigh64(handle uint64) uint64 {
	if handle&HighBit64 != 0 {
		panic("tagptr: handle does not fit in 63 bits")
	}
	return handle | HighBit64
}

// UnpackHigh64 extracts the handle from a top-bit-tagged word. Callers
// must check IsTaggedHigh64 first (or know the word is tagged) — the
// handle of an untagged word is meaningless.
func UnpackHigh64(word uint64) uint64 {
	return word &^ HighBit64
}

// IsTaggedHigh64 reports whether word's top bit (the WFMCAS helper marker)
// is set.
func IsTaggedHigh64(word uint64) bool {
	return word&HighBit64 != 0
}

// CheckUserValue panics if v has its top bit set, enforcing the WFMCAS
// contract that addressable values leave the top bit free for tagging.
func CheckUserValue(v uint64) {
	if v&HighBit64 != 0 {
		panic("tagptr: user value's top bit must be clear for wfmcas-managed words")
	}
}
