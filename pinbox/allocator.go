package pinbox

import "sync/atomic"

// Allocator is a fixed-size object pool layered on a PinBox (spec.md
// §4.3): a lock-free stack of free objects chained through the node
// type's own link field, a malloc counter, a constructor invoked once per
// real allocation, and a destructor invoked once per object at teardown.
//
// An object returned by Alloc is never reused while any worker has it
// pinned — that invariant is PinBox's, inherited here because Allocator's
// free path (PinsFree) always routes through the PinBox purgatory before
// an object reaches allocFree and becomes eligible to be popped by Alloc
// again.
type Allocator[T any] struct {
	box     *PinBox[T]
	top     atomic.Pointer[T]
	mallocs atomic.Uint64
	ctor    func(*T)
	dtor    func(*T)
	next    func(*T) *T
	setNext func(*T, *T)
}

// NewAllocator constructs an Allocator for node type T. next/setNext name
// T's embedded link field (used both for the PinBox purgatory chain and
// for this Allocator's free stack); ctor is invoked once whenever a truly
// new T is allocated (not when reusing a freed one); dtor is invoked once
// per object, only at Teardown. Either may be nil.
func NewAllocator[T any](next func(*T) *T, setNext func(*T, *T), ctor, dtor func(*T)) *Allocator[T] {
	a := &Allocator[T]{next: next, setNext: setNext, ctor: ctor, dtor: dtor}
	a.box = New(next, setNext, a.allocFree)
	return a
}

// GetPins and PutPins delegate to the underlying PinBox; callers use them
// exactly as they would a bare PinBox's.
func (a *Allocator[T]) GetPins() *Pins[T]  { return a.box.GetPins() }
func (a *Allocator[T]) PutPins(p *Pins[T]) { a.box.PutPins(p) }
func (a *Allocator[T]) PoolCount() uint64  { return a.mallocs.Load() }

// Alloc pins the free-stack head into slot 0 (per the pinning protocol),
// then loops: if the stack is non-empty it CAS-pops the head; otherwise it
// allocates and constructs a fresh object. The pin is released before
// Alloc returns, since the caller now owns the object outright.
func (a *Allocator[T]) Alloc(p *Pins[T]) *T {
	for {
		cur := a.top.Load()
		p.Pin(0, cur)
		if a.top.Load() != cur {
			continue
		}

		if cur == nil {
			obj := new(T)
			if a.ctor != nil {
				a.ctor(obj)
			}
			a.mallocs.Add(1)
			p.Unpin(0)
			return obj
		}

		next := a.next(cur)
		if a.top.CompareAndSwap(cur, next) {
			p.Unpin(0)
			a.setNext(cur, nil)
			return cur
		}
	}
}

// PinsFree returns obj through the PinBox purgatory; once no thread has it
// pinned, allocFree below prepends it back onto the free stack.
func (a *Allocator[T]) PinsFree(p *Pins[T], obj *T) {
	a.box.PinsFree(p, obj)
}

// allocFree is the PinBox free-callback: CAS-prepend the just-confirmed
// batch onto the free stack.
func (a *Allocator[T]) allocFree(batchHead *T) {
	tail := batchHead
	for a.next(tail) != nil {
		tail = a.next(tail)
	}
	for {
		cur := a.top.Load()
		a.setNext(tail, cur)
		if a.top.CompareAndSwap(cur, batchHead) {
			return
		}
	}
}

// Teardown walks the free list and invokes dtor on every object still on
// it, then clears the stack. It must only be called once no thread holds
// any Pins from this Allocator's PinBox.
func (a *Allocator[T]) Teardown() {
	cur := a.top.Swap(nil)
	for cur != nil {
		next := a.next(cur)
		if a.dtor != nil {
			a.dtor(cur)
		}
		cur = next
	}
}
