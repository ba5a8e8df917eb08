package hashmap

import (
	"sync/atomic"
	"unsafe"

	"quay/internal/tagptr"
)

// Node is one element of the split-ordered list. hashnr is the node's
// split-order key: reverse_bits(hash)|1 for a real node, reverse_bits(b)|0
// for a bucket b's dummy node (spec.md §4.5). next carries the Harris-style
// "logically deleted" mark in its low bit — real nodes are at least
// pointer-aligned, so the bit is always free to steal (see
// internal/tagptr). Once a node has been physically unlinked and handed
// to the allocator's purgatory, next is repurposed as a plain,
// untagged chain pointer for the free stack; nothing reads its delete bit
// again after that point.
type Node struct {
	next   atomic.Uintptr
	hashnr uint32
	data   []byte
}

// NodeNext and NodeSetNext are the accessors pinbox.Allocator needs for its
// free-stack/purgatory chaining. They always write/read an untagged
// pointer, matching Node's post-retirement use of `next`.
func NodeNext(n *Node) *Node {
	ptr, _ := tagptr.UnpackLow(n.next.Load())
	return (*Node)(ptr)
}

func NodeSetNext(n *Node, m *Node) {
	n.next.Store(tagptr.PackLow(unsafe.Pointer(m), false))
}

// loadNext returns the node's successor and its logical-deletion mark.
func (n *Node) loadNext() (next *Node, deleted bool) {
	ptr, flag := tagptr.UnpackLow(n.next.Load())
	return (*Node)(ptr), flag
}

// casNext swings next from (oldNext, oldDeleted) to (newNext, newDeleted).
func (n *Node) casNext(oldNext *Node, oldDeleted bool, newNext *Node, newDeleted bool) bool {
	oldWord := tagptr.PackLow(unsafe.Pointer(oldNext), oldDeleted)
	newWord := tagptr.PackLow(unsafe.Pointer(newNext), newDeleted)
	return n.next.CompareAndSwap(oldWord, newWord)
}

// markDeleted flips the delete bit in place, without changing the
// pointed-to successor, linearizing a logical remove.
func (n *Node) markDeleted(expectedNext *Node) bool {
	return n.casNext(expectedNext, false, expectedNext, true)
}

// storeNext unconditionally publishes next as this node's untagged
// successor pointer. Used only before a node is reachable from anywhere
// else (setting up a freshly allocated node's successor prior to the CAS
// that splices it into the list), so no synchronization beyond the
// plain store is needed.
func (n *Node) storeNext(next *Node) {
	n.next.Store(tagptr.PackLow(unsafe.Pointer(next), false))
}

// key extracts this node's key bytes, given the map's fixed key offset and
// length.
func (n *Node) key(keyOffset, keyLen int) []byte {
	return n.data[keyOffset : keyOffset+keyLen]
}
