package masstree

import (
	"runtime"
	"unsafe"

	"quay/internal/tagptr"
)

// Leaf.next is a tagptr-packed *Leaf[V]: the low bit is this leaf's link
// lock, separate from NodeVersion's lock bit, since splicing a sibling into
// the doubly-linked leaf chain (spec.md §3 "next/prev leaf-chain pointers")
// only ever needs to exclude other chain edits, not every reader of the
// leaf's contents.

func (lf *Leaf[V]) next_() *Leaf[V] {
	ptr, _ := tagptr.UnpackLow(lf.next.Load())
	return (*Leaf[V])(ptr)
}

func (lf *Leaf[V]) setNextUnlocked(n *Leaf[V]) {
	lf.next.Store(tagptr.PackLow(unsafe.Pointer(n), false))
}

// lockLink spins until lf's link is unlocked, claims it, and returns the
// leaf it currently points to.
func (lf *Leaf[V]) lockLink() *Leaf[V] {
	for {
		w := lf.next.Load()
		ptr, locked := tagptr.UnpackLow(w)
		if locked {
			runtime.Gosched()
			continue
		}
		tagged := tagptr.PackLow(ptr, true)
		if lf.next.CompareAndSwap(w, tagged) {
			return (*Leaf[V])(ptr)
		}
	}
}

func (lf *Leaf[V]) unlockLinkTo(n *Leaf[V]) {
	lf.next.Store(tagptr.PackLow(unsafe.Pointer(n), false))
}

// linkSplit splices mid into the chain immediately after prev, the step
// splitLeaf performs right after moving the upper half of prev's slots into
// mid (spec.md §4.7 insert's leaf-split case).
func linkSplit[V any](prev, mid *Leaf[V]) {
	oldNext := prev.lockLink()
	mid.prev.Store(prev)
	mid.setNextUnlocked(oldNext)
	if oldNext != nil {
		oldNext.prev.Store(mid)
	}
	prev.unlockLinkTo(mid)
}

// unlinkLeaf splices a logically deleted, empty leaf back out of the chain.
func unlinkLeaf[V any](lf *Leaf[V]) {
	prev := lf.prev.Load()
	next := lf.next_()
	if prev == nil {
		if next != nil {
			next.prev.Store(nil)
		}
		return
	}
	prev.lockLink()
	if next != nil {
		next.prev.Store(prev)
	}
	prev.unlockLinkTo(next)
}
