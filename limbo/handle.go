package limbo

// LimboHandle stamps a bounded stretch of a worker's execution with an
// epoch: retirements staged while the handle is alive are not reclaimed
// until every thread's oldest live handle has moved past that epoch. A
// handle binds to its creating thread for its entire life (spec.md §3
// invariant); nothing here is safe to call from a different goroutine than
// the one that created it.
type LimboHandle struct {
	myEpoch uint64
	owner   *ThreadInfo

	prev, next *LimboHandle

	buf    [batchSize]deferredItem
	bufLen int
}

// Epoch returns the global epoch this handle was stamped with.
func (h *LimboHandle) Epoch() uint64 { return h.myEpoch }

// Alloc hands out a zeroed byte slice, possibly recycled from the owning
// thread's per-tag pool (spec.md §4.4's "thin zeroing allocator... may
// hand out from a per-thread pool indexed by the pool-tag field of tag").
func (h *LimboHandle) Alloc(size int, tag uint8) []byte {
	return h.owner.alloc(size, tag)
}

// Dealloc stages p for reclamation once it is safe: the item is appended
// to the handle's small batching buffer, and the whole buffer is flushed
// to the owning thread's LimboGroup queue (stamped with the current global
// epoch) once it fills.
func (h *LimboHandle) Dealloc(p []byte, tag uint8) {
	h.stage(tag, p)
}

// RegisterCallback queues cb to run once every currently-active epoch has
// passed, using the reserved RcuCallback tag (spec.md §4.4's
// register_rcu).
func (h *LimboHandle) RegisterCallback(cb func()) {
	h.stage(RcuCallback, cb)
}

func (h *LimboHandle) stage(tag uint8, item any) {
	h.buf[h.bufLen] = deferredItem{tag: tag, item: item}
	h.bufLen++
	if h.bufLen == batchSize {
		h.flush()
	}
}

func (h *LimboHandle) flush() {
	if h.bufLen == 0 {
		return
	}
	cur := h.owner.engine.globalEpoch.Load()
	for i := 0; i < h.bufLen; i++ {
		h.owner.enqueue(cur, h.buf[i].tag, h.buf[i].item)
	}
	h.bufLen = 0
}

// Delete flushes any remaining batched deferrals, unlinks the handle from
// its owner's active list, republishes the owner's minEpoch watermark, and
// triggers a reclamation pass.
func (h *LimboHandle) Delete() {
	h.flush()

	ti := h.owner
	if h.prev != nil {
		h.prev.next = h.next
	} else {
		ti.handlesHead = h.next
	}
	if h.next != nil {
		h.next.prev = h.prev
	} else {
		ti.handlesTail = h.prev
	}

	if ti.handlesHead != nil {
		ti.minEpoch.Store(ti.handlesHead.myEpoch)
	} else {
		ti.minEpoch.Store(0)
	}

	ti.hardFree()
}
