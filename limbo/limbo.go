// Package limbo implements the epoch-based RCU reclamation engine of
// spec.md §3/§4.4: a global epoch, per-thread active-epoch tracking, and
// deferred-reclamation queues (LimboGroups) that a worker drains once
// every thread's oldest live handle has moved past the epoch a retired
// object was staged at.
//
// It generalizes roundabout.go's Fence/spinFence/clearFence idiom (itself
// commented "Like RCU" / "Like ESBR" in the teacher file) from a one-shot
// fence wait into a standing epoch counter with per-thread watermark
// publication — the same "publish an epoch, let others observe it lagging
// behind, reclaim once everyone has moved on" shape, just amortized across
// many handles instead of one Fence call.
package limbo

import (
	"math"
	"sync/atomic"
)

// RcuCallback is the special pool-tag value identifying a retired item
// that is itself a registered callback (func()), invoked on reclamation
// rather than pooled or dropped.
const RcuCallback uint8 = 0xFF

// batchSize is the handle's small batching buffer capacity (spec.md §3:
// "small batching buffer of <=5 deferred frees").
const batchSize = 5

// cleanBudget bounds how many entries a single hardFree call will process,
// matching the original's clean_until(epoch_bound, budget=10240).
const cleanBudget = 10240

// Engine owns the global epoch and the fixed-size worker table. Construct
// one with NewEngine(W) at program start; each worker calls Register once
// to obtain its ThreadInfo.
type Engine struct {
	globalEpoch atomic.Uint64
	threads     []atomic.Pointer[ThreadInfo]
}

// NewEngine allocates the fixed-size thread table for up to workerCount
// concurrent workers, matching spec.md §6's init(worker_count W).
func NewEngine(workerCount int) *Engine {
	return &Engine{threads: make([]atomic.Pointer[ThreadInfo], workerCount)}
}

// Register claims the next free slot in the thread table and returns a
// fresh ThreadInfo bound to it. Panics if more than workerCount workers
// register without a matching Deregister — the thread table has a fixed
// size declared at NewEngine, per spec.md §5's threading discipline.
func (e *Engine) Register() *ThreadInfo {
	ti := &ThreadInfo{engine: e, pool: make(map[uint8][][]byte)}
	for i := range e.threads {
		ti.index = i
		if e.threads[i].CompareAndSwap(nil, ti) {
			return ti
		}
	}
	panic("limbo: worker count exceeded the table size passed to NewEngine")
}

// Deregister frees ti's slot in the thread table. The caller must have no
// outstanding LimboHandles on ti (spec.md §6 precondition for Deinit).
func (e *Engine) Deregister(ti *ThreadInfo) {
	if ti.handlesHead != nil {
		panic("limbo: Deregister called with outstanding LimboHandles")
	}
	e.threads[ti.index].Store(nil)
}

// minActiveEpoch is the minimum of every registered thread's minEpoch,
// treating 0 (no active handle) as +infinity; it may lag reality (a thread
// that just finished may not yet be observed as idle), which is always
// safe — it only delays reclamation, never brings it forward.
func (e *Engine) minActiveEpoch() uint64 {
	min := uint64(math.MaxUint64)
	for i := range e.threads {
		ti := e.threads[i].Load()
		if ti == nil {
			continue
		}
		m := ti.minEpoch.Load()
		if m == 0 {
			continue
		}
		if m < min {
			min = m
		}
	}
	return min
}

// Stats reports a point-in-time snapshot for diagnostics (spec.md §7
// SUPPLEMENTED FEATURES: a structured counter, not a printf dump — logging
// is out of scope).
type Stats struct {
	RegisteredThreads int
	MinActiveEpoch    uint64 // math.MaxUint64 if no thread has an active handle
}

func (e *Engine) Stats() Stats {
	n := 0
	for i := range e.threads {
		if e.threads[i].Load() != nil {
			n++
		}
	}
	return Stats{RegisteredThreads: n, MinActiveEpoch: e.minActiveEpoch()}
}

type deferredItem struct {
	tag  uint8
	item any
}

// ThreadInfo is a worker's RCU context: its position in the epoch
// watermark table, its active LimboHandle list, its queue of LimboGroup
// reclamation pages, and its per-pool-tag free-object cache. Every field
// except minEpoch is single-writer (only the owning thread ever mutates
// it); minEpoch is written by the owner and read by every other thread
// computing minActiveEpoch.
type ThreadInfo struct {
	engine *Engine
	index  int

	minEpoch atomic.Uint64

	handlesHead *LimboHandle
	handlesTail *LimboHandle

	groupHead *LimboGroup
	groupTail *LimboGroup

	freeGroups []*LimboGroup
	pool       map[uint8][][]byte
}

// ThreadStats reports this thread's outstanding handle and queued-page
// counts (spec.md §7 SUPPLEMENTED FEATURES).
type ThreadStats struct {
	OutstandingHandles int
	QueuedGroups       int
	MinEpoch           uint64
}

func (ti *ThreadInfo) Stats() ThreadStats {
	handles := 0
	for h := ti.handlesHead; h != nil; h = h.next {
		handles++
	}
	groups := 0
	for g := ti.groupHead; g != nil; g = g.next {
		groups++
	}
	return ThreadStats{OutstandingHandles: handles, QueuedGroups: groups, MinEpoch: ti.minEpoch.Load()}
}

// NewHandle returns a LimboHandle stamped with the next global epoch,
// chained at the tail of this thread's active-handle list. If the list was
// empty, the thread's minEpoch watermark is published as this handle's
// epoch — otherwise the watermark already reflects an older handle and is
// unchanged.
func (ti *ThreadInfo) NewHandle() *LimboHandle {
	e := ti.engine.globalEpoch.Add(1)
	h := &LimboHandle{myEpoch: e, owner: ti}

	if ti.handlesHead == nil {
		ti.handlesHead = h
	} else {
		h.prev = ti.handlesTail
		ti.handlesTail.next = h
	}
	ti.handlesTail = h
	ti.minEpoch.Store(ti.handlesHead.myEpoch)
	return h
}

// alloc returns a zeroed byte slice of the given size, reusing a pooled
// buffer tagged with tag when one is large enough (tag 0 and
// RcuCallback never pool; see reclaimOne).
func (ti *ThreadInfo) alloc(size int, tag uint8) []byte {
	if tag != 0 && tag != RcuCallback {
		if pooled := ti.poolPop(tag); pooled != nil {
			if cap(pooled) >= size {
				b := pooled[:size]
				for i := range b {
					b[i] = 0
				}
				return b
			}
		}
	}
	return make([]byte, size)
}

func (ti *ThreadInfo) poolPop(tag uint8) []byte {
	s := ti.pool[tag]
	if len(s) == 0 {
		return nil
	}
	last := s[len(s)-1]
	ti.pool[tag] = s[:len(s)-1]
	return last
}

func (ti *ThreadInfo) poolPush(tag uint8, b []byte) {
	ti.pool[tag] = append(ti.pool[tag], b)
}

// enqueue stages a retired item onto the tail LimboGroup at the given
// epoch, allocating a fresh (or recycled) group if the tail is full.
func (ti *ThreadInfo) enqueue(epoch uint64, tag uint8, item any) {
	if ti.groupTail == nil {
		g := ti.newGroup()
		ti.groupHead, ti.groupTail = g, g
	}
	if !ti.groupTail.push(epoch, tag, item) {
		g := ti.newGroup()
		ti.groupTail.next = g
		ti.groupTail = g
		ti.groupTail.push(epoch, tag, item)
	}
}

func (ti *ThreadInfo) newGroup() *LimboGroup {
	if n := len(ti.freeGroups); n > 0 {
		g := ti.freeGroups[n-1]
		ti.freeGroups = ti.freeGroups[:n-1]
		return g
	}
	return &LimboGroup{}
}

// hardFree implements the reclamation pass: compute epoch_bound =
// minActiveEpoch()-1, then walk the group queue from the head, reclaiming
// every entry whose staged epoch is <= epoch_bound, up to cleanBudget
// entries, recycling drained groups to ti.freeGroups.
func (ti *ThreadInfo) hardFree() {
	bound := ti.engine.minActiveEpoch() - 1
	budget := cleanBudget

	for ti.groupHead != nil && budget > 0 {
		g := ti.groupHead
		for g.readPos < g.len && budget > 0 {
			e := &g.entries[g.readPos]
			if e.isMarker {
				g.curEpoch = e.epoch
				g.readPos++
				continue
			}
			if g.curEpoch > bound {
				return
			}
			ti.reclaimOne(e.tag, e.item)
			*e = entry{}
			g.readPos++
			budget--
		}
		if g.readPos >= g.len {
			ti.groupHead = g.next
			if ti.groupHead == nil {
				ti.groupTail = nil
			}
			g.reset()
			ti.freeGroups = append(ti.freeGroups, g)
		}
	}
}

func (ti *ThreadInfo) reclaimOne(tag uint8, item any) {
	switch tag {
	case RcuCallback:
		cb, ok := item.(func())
		if !ok {
			panic("limbo: RcuCallback entry does not hold a func()")
		}
		cb()
	case 0:
		// plain: drop the reference, Go's GC reclaims the memory.
	default:
		b, ok := item.([]byte)
		if !ok {
			panic("limbo: pool-tagged entry does not hold a []byte")
		}
		ti.poolPush(tag, b)
	}
}
