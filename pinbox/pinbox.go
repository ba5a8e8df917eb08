// Package pinbox implements the PinBox / Pins pinning allocator of spec.md
// §3/§4.2: a lock-free slab allocator with safe memory reclamation by
// address pinning, grounded on roundabout.go's "CAS a versioned header,
// defer to whoever wins" idiom (see PinBox.GetPins/PutPins below, which
// apply that exact pattern to a free stack of Pins instead of a ring of
// log entries).
//
// The original C++ PinBox is untyped: Pins holds `void *pin[PINBOX_PINS]`
// and PinBox locates a retired object's link field via a byte
// free_ptr_offset so one PinBox implementation can back any node layout.
// Go has no portable pointer-to-member-offset; PinBox here is generic over
// the node type T it retires, and the "offset" is replaced by two plain
// functions, next/setNext, naming T's own link field — the same contract,
// expressed as closures instead of byte offsets (see DESIGN.md Open
// Question 1). Pins' pin slots themselves stay untyped in spirit (they
// always pin a *T of the owning PinBox's T) since every PinBox in this
// module owns its structure's single node type.
package pinbox

import (
	"runtime"
	"sync/atomic"

	"quay/internal/dynarray"
)

// P is the number of pin slots per Pins, matching PINBOX_PINS.
const P = 4

// PurgatorySize is the number of pins_free calls between automatic
// purgatory flushes, matching PURGATORY_SIZE.
const PurgatorySize = 10

const noIndex = 0xFFFF

// Pins is a per-thread handle into a PinBox: P pin slots publishing
// addresses currently in use by the owning thread, plus a small purgatory
// of retired objects awaiting the next reachability scan. Obtain one with
// PinBox.GetPins and return it with PutPins on the same PinBox when done.
// PutPins pushes p's index in the receiving box's own Pins vector, so a
// Pins cannot be returned to a different PinBox. A returned Pins may be
// reused by any thread.
type Pins[T any] struct {
	pin            [P]atomic.Pointer[T]
	box            *PinBox[T]
	purgatory      atomic.Pointer[T]
	purgatoryCount atomic.Uint32
	link           atomic.Uint32 // self-index while live, stack-next while free
}

// Pin publishes addr in pin slot k with a sequentially consistent store.
// Callers must follow the pinning protocol documented on PinBox: read the
// shared pointer, Pin it, re-read the shared pointer and retry from the
// top if it changed, only then use the pinned value.
func (p *Pins[T]) Pin(k int, addr *T) {
	p.pin[k].Store(addr)
}

// Unpin clears pin slot k.
func (p *Pins[T]) Unpin(k int) {
	p.pin[k].Store(nil)
}

// CopyPin copies the address pinned in slot from into slot to. Per the
// pinning protocol (spec.md §4.2 rule 6), callers must only copy pins
// upward (to a higher-numbered slot than from) when walking a chain, so
// that a concurrent retire scan — which itself walks pin slots low to
// high — cannot observe a gap where the object looks unpinned.
func (p *Pins[T]) CopyPin(to, from int) {
	if to <= from {
		panic("pinbox: CopyPin must copy to a higher-numbered slot")
	}
	p.pin[to].Store(p.pin[from].Load())
}

func packTop(version uint16, index uint16) uint32 {
	return uint32(version)<<16 | uint32(index)
}

func unpackTop(v uint32) (version uint16, index uint16) {
	return uint16(v >> 16), uint16(v)
}

// PinBox owns the DynArray of Pins, the retirement link accessors for its
// node type T, and the free callback that ultimately disposes of survivor
// batches (an Allocator's alloc_free, per spec.md §4.3).
type PinBox[T any] struct {
	pins        dynarray.DynArray[Pins[T]]
	pinsInArray atomic.Uint32
	pinstackTop atomic.Uint32 // (version<<16)|index; index==noIndex means empty
	freeFunc    func(head *T)
	next        func(x *T) *T
	setNext     func(x *T, n *T)
}

// New constructs a PinBox for node type T. next/setNext access T's
// embedded retirement link field (the Go analogue of free_ptr_offset);
// freeFunc receives a singly-linked batch of objects that have been
// confirmed unpinned by every thread and is expected to be an Allocator's
// alloc_free.
func New[T any](next func(x *T) *T, setNext func(x *T, n *T), freeFunc func(head *T)) *PinBox[T] {
	b := &PinBox[T]{next: next, setNext: setNext, freeFunc: freeFunc}
	b.pinstackTop.Store(packTop(0, noIndex))
	return b
}

// GetPins pops a Pins off the versioned free stack or, when empty, grows
// the backing DynArray for a fresh one. The version half of pinstackTop
// defeats ABA: a concurrent pop-then-push-the-same-slot pair always bumps
// the version, so a racing CompareAndSwap against a stale (version, index)
// pair can never silently "succeed" against the wrong generation.
func (b *PinBox[T]) GetPins() *Pins[T] {
	for {
		top := b.pinstackTop.Load()
		ver, idx := unpackTop(top)
		if idx == noIndex {
			n := b.pinsInArray.Add(1) - 1
			p := b.pins.Lvalue(n)
			p.box = b
			p.link.Store(n)
			return p
		}

		p := b.pins.Value(uint32(idx))
		next := p.link.Load()
		newTop := packTop(ver+1, uint16(next))
		if b.pinstackTop.CompareAndSwap(top, newTop) {
			p.box = b
			p.link.Store(uint32(idx))
			return p
		}
	}
}

// PutPins clears p's own pin slots, drains p's purgatory (spinning,
// yielding between attempts, while any item remains pinned by another
// thread) and then pushes p back onto the free stack for reuse.
func (b *PinBox[T]) PutPins(p *Pins[T]) {
	for i := 0; i < P; i++ {
		p.Unpin(i)
	}
	for p.purgatory.Load() != nil {
		b.realFree(p)
		if p.purgatory.Load() != nil {
			runtime.Gosched()
		}
	}

	idx := uint16(p.link.Load())
	for {
		top := b.pinstackTop.Load()
		ver, head := unpackTop(top)
		p.link.Store(uint32(head))
		newTop := packTop(ver+1, idx)
		if b.pinstackTop.CompareAndSwap(top, newTop) {
			return
		}
	}
}

// PinsFree prepends x to p's purgatory and, every PurgatorySize retires,
// triggers a reachability scan via realFree.
func (b *PinBox[T]) PinsFree(p *Pins[T], x *T) {
	for {
		head := p.purgatory.Load()
		b.setNext(x, head)
		if p.purgatory.CompareAndSwap(head, x) {
			break
		}
	}
	if p.purgatoryCount.Add(1)%PurgatorySize == 0 {
		b.realFree(p)
	}
}

// realFree implements pinbox_real_free: swap p's purgatory list off,
// scan every materialized Pins in the box for each retired object, and
// either return pinned survivors to p's purgatory or hand the unpinned
// remainder to freeFunc as one linked batch.
func (b *PinBox[T]) realFree(p *Pins[T]) {
	old := p.purgatory.Swap(nil)
	p.purgatoryCount.Store(0)
	if old == nil {
		return
	}

	var survivorsHead, survivorsTail *T
	cur := old
	for cur != nil {
		next := b.next(cur)
		if b.isPinnedByAnyone(cur) {
			for {
				head := p.purgatory.Load()
				b.setNext(cur, head)
				if p.purgatory.CompareAndSwap(head, cur) {
					break
				}
			}
		} else {
			b.setNext(cur, nil)
			if survivorsHead == nil {
				survivorsHead = cur
			} else {
				b.setNext(survivorsTail, cur)
			}
			survivorsTail = cur
		}
		cur = next
	}

	if survivorsHead != nil {
		b.freeFunc(survivorsHead)
	}
}

func (b *PinBox[T]) isPinnedByAnyone(x *T) bool {
	found := false
	b.pins.Iterate(func(_ uint32, pp *Pins[T]) {
		if found {
			return
		}
		for i := 0; i < P; i++ {
			if pp.pin[i].Load() == x {
				found = true
				return
			}
		}
	})
	return found
}
