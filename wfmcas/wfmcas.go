// Package wfmcas implements a wait-free multi-word compare-and-swap:
// atomically test-and-set N independently addressed words, built by having
// each address adopt a small helper descriptor that any other thread can
// finish on its behalf (spec.md §4.6). The later of the two coexisting
// drafts in the original `wfmcas.cc` is the one implemented here — the one
// where `help_complete` returns a status rather than unwinding through a
// non-local jump (see DESIGN.md Open Question 2).
//
// A managed word's top bit distinguishes an ordinary value from a tagged
// helper reference (internal/tagptr's High64 family already expresses
// exactly this split). Rather than stashing a raw *MCasHelper pointer in
// that word — fine for the hash map's intra-process node links, but here
// the word is the caller's own shared memory cell, read by code that has
// no idea a helper object exists — the helper reference is an opaque
// handle into the Engine's own handle table (an internal/dynarray.DynArray,
// the same "never-shrinks, lazily grown, CAS-published" vector PinBox uses
// for its Pins). Handles are never recycled: every mcas attempt that needs
// a helper gets a fresh one, and the backing DynArray page absorbs that the
// same way it absorbs an ever-growing worker count.
package wfmcas

import (
	"sort"
	"sync/atomic"
	"unsafe"

	"quay/internal/dynarray"
	"quay/internal/tagptr"
	"quay/limbo"
)

// MaxFail is the number of private (unpublished) attempts a worker makes
// at placing its own helper on a row before publishing its descriptor to
// pending_op_table, per spec.md §4.6.
const MaxFail = 4

// MCasHelper is the descriptor installed into a managed word while a row's
// outcome is still being decided. Handle is this helper's own slot in the
// owning Engine's handle table, needed to reconstruct the tagged word when
// restoring or retiring it.
type MCasHelper struct {
	Row    *CasRow
	Handle uint64
}

// failHelper is the sentinel CasRow.mch value meaning "this row (and
// therefore the whole operation) has failed". It is a real, otherwise
// inert *MCasHelper rather than a special encoding of the pointer itself,
// since mch is plain internal state, never exposed through a tagged
// managed word.
var failHelper = &MCasHelper{}

// CasRow is one (addr, expected, new) tuple of a multi-word CAS. Addr must
// point at memory no other code sets directly — once under WFMCAS's
// management its tag bit is reserved and its value bits belong entirely to
// Worker.Mcas/Read. Expected and New may not have their top bit set
// (enforced by tagptr.CheckUserValue) since that bit is reserved for the
// helper tag.
type CasRow struct {
	Addr     *atomic.Uint64
	Expected uint64
	New      uint64

	mch  atomic.Pointer[MCasHelper]
	desc *descriptor
}

func (cr *CasRow) finalValue(passed bool) uint64 {
	if passed {
		return cr.New
	}
	return cr.Expected
}

type descriptor struct {
	rows []*CasRow
}

func (d *descriptor) lastRow() *CasRow { return d.rows[len(d.rows)-1] }

// Engine owns the shared handle table and pending-operation table every
// Worker helps through. Construct one NewEngine per program, sized for the
// maximum number of concurrent Workers.
type Engine struct {
	helpers    dynarray.DynArray[MCasHelper]
	nextHandle atomic.Uint64
	liveHelper atomic.Int64

	pendingOpTable []atomic.Pointer[descriptor]
	nextWorker     atomic.Uint32
	rrCounter      atomic.Uint64
}

// NewEngine allocates the fixed-size pending-operation table for up to
// workerCount concurrent Workers.
func NewEngine(workerCount int) *Engine {
	return &Engine{pendingOpTable: make([]atomic.Pointer[descriptor], workerCount)}
}

// Stats reports a point-in-time diagnostic snapshot (spec.md §7
// SUPPLEMENTED FEATURES).
type Stats struct {
	RegisteredWorkers int
	LiveHelpers       int64
}

func (e *Engine) Stats() Stats {
	n := int(e.nextWorker.Load())
	if n > len(e.pendingOpTable) {
		n = len(e.pendingOpTable)
	}
	return Stats{RegisteredWorkers: n, LiveHelpers: e.liveHelper.Load()}
}

// Worker is a single thread's handle onto the Engine: its slot in
// pending_op_table. Like limbo.ThreadInfo, a Worker belongs to exactly one
// goroutine for its entire life.
type Worker struct {
	engine *Engine
	index  int
}

// Register claims the next free worker slot. Panics if more than
// workerCount Workers register, matching limbo.Engine.Register's fixed
// thread-table discipline.
func (e *Engine) Register() *Worker {
	idx := e.nextWorker.Add(1) - 1
	if int(idx) >= len(e.pendingOpTable) {
		panic("wfmcas: worker count exceeded the table size passed to NewEngine")
	}
	return &Worker{engine: e, index: int(idx)}
}

func (e *Engine) newHelper(row *CasRow) *MCasHelper {
	handle := e.nextHandle.Add(1)
	h := e.helpers.Lvalue(uint32(handle))
	h.Row = row
	h.Handle = handle
	e.liveHelper.Add(1)
	return h
}

// retire schedules h's accounting cleanup (the live-helper counter) once
// rcu's epoch has passed. The handle table slot itself is never freed —
// handles are never reused, so there is nothing else to reclaim; this
// mirrors the original's hazard-pointer-guarded helper lifetime with Go's
// GC plus a monotonic handle space instead.
func (e *Engine) retire(rcu *limbo.LimboHandle, h *MCasHelper) {
	rcu.RegisterCallback(func() { e.liveHelper.Add(-1) })
}

// Mcas atomically applies rows: every row's Addr must hold Expected for
// the whole operation to succeed, in which case every Addr is set to New;
// otherwise no Addr changes. Rows are internally sorted by address,
// descending, to give every concurrent Mcas call the same lock
// acquisition order and avoid circular waits (spec.md §4.6 step 1).
func (w *Worker) Mcas(rcu *limbo.LimboHandle, rows []*CasRow) bool {
	sorted := append([]*CasRow(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool {
		return uintptr(unsafe.Pointer(sorted[i].Addr)) > uintptr(unsafe.Pointer(sorted[j].Addr))
	})

	desc := &descriptor{rows: sorted}
	for _, r := range sorted {
		tagptr.CheckUserValue(r.Expected)
		tagptr.CheckUserValue(r.New)
		r.desc = desc
		r.mch.Store(nil)
	}

	w.helpIfNeeded(rcu)

	last := desc.lastRow()
	for _, row := range sorted {
		if last.mch.Load() == failHelper {
			break
		}
		w.placeMcasHelper(rcu, desc, row, 0)
	}

	w.engine.pendingOpTable[w.index].Store(nil)

	passed := last.mch.Load() != failHelper
	w.removeMcasHelper(rcu, passed, sorted)
	return passed
}

// helpIfNeeded opportunistically advances one other worker's published
// operation before this worker starts its own (spec.md §4.6 step 1): a
// single round-robin scan of pending_op_table, stopping at the first
// unfinished operation found.
func (w *Worker) helpIfNeeded(rcu *limbo.LimboHandle) {
	n := len(w.engine.pendingOpTable)
	start := int(w.engine.rrCounter.Add(1)-1) % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if idx == w.index {
			continue
		}
		desc := w.engine.pendingOpTable[idx].Load()
		if desc == nil {
			continue
		}
		if desc.lastRow().mch.Load() != nil {
			continue
		}
		w.helpComplete(rcu, desc.rows[0], 0)
		return
	}
}

// placeMcasHelper is the core per-row loop of spec.md §4.6: try to install
// this worker's helper over cr, or discover that some other helper has
// already decided the row (or the whole operation), until cr.mch is
// non-nil. depth counts recursive help_complete calls made to resolve a
// conflicting helper, bounding how far a single row attempt will chase
// another operation before giving up and retrying.
func (w *Worker) placeMcasHelper(rcu *limbo.LimboHandle, desc *descriptor, cr *CasRow, depth int) {
	last := desc.lastRow()
	tries := 0
	for cr.mch.Load() == nil {
		if depth > 0 || tries == MaxFail {
			w.engine.pendingOpTable[w.index].Store(desc)
		}
		tries++

		cvalue := cr.Addr.Load()
		if !tagptr.IsTaggedHigh64(cvalue) {
			if cvalue != cr.Expected {
				cr.mch.CompareAndSwap(nil, failHelper)
				last.mch.CompareAndSwap(nil, failHelper)
				return
			}
			helper := w.engine.newHelper(cr)
			tagged := tagptr.PackHigh64(helper.Handle)
			if !cr.Addr.CompareAndSwap(cvalue, tagged) {
				w.engine.retire(rcu, helper)
				continue
			}
			if !cr.mch.CompareAndSwap(nil, helper) {
				cr.Addr.CompareAndSwap(tagged, cvalue)
				w.engine.retire(rcu, helper)
				return
			}
			return
		}

		handle := tagptr.UnpackHigh64(cvalue)
		cmch := w.engine.helpers.Value(uint32(handle))
		if cmch.Row == cr {
			// Another worker is already helping this exact row. If our CAS
			// loses to that same cmch (both of us agreed on it), the row is
			// still correctly decided and Addr must keep holding the tagged
			// pointer to it -- only roll back when cr.mch settled on something
			// else, a helper someone else fully decided in the meantime.
			if !cr.mch.CompareAndSwap(nil, cmch) && cr.mch.Load() != cmch {
				cr.Addr.CompareAndSwap(cvalue, cr.Expected)
			}
			return
		}

		outcome, resolved := w.helpComplete(rcu, cmch.Row, depth+1), true
		if outcome == outcomeUnresolved {
			resolved = false
		}
		if !resolved {
			continue // helper chain ran too deep; retry this row fresh
		}

		if cmch.Row.finalValue(outcome == outcomeSuccess) == cr.Expected {
			helper := w.engine.newHelper(cr)
			tagged := tagptr.PackHigh64(helper.Handle)
			if !cr.Addr.CompareAndSwap(cvalue, tagged) {
				w.engine.retire(rcu, helper)
				continue
			}
			if !cr.mch.CompareAndSwap(nil, helper) {
				cr.Addr.CompareAndSwap(tagged, cvalue)
				w.engine.retire(rcu, helper)
				return
			}
			return
		}

		cr.mch.CompareAndSwap(nil, failHelper)
		last.mch.CompareAndSwap(nil, failHelper)
		return
	}
}

type outcomeStatus int

const (
	outcomeUnresolved outcomeStatus = iota
	outcomeSuccess
	outcomeFailure
)

// helpComplete drives cr's operation (and every row from cr onward) to a
// decided state, returning its outcome. depth >= the worker table size
// means this call is itself nested too deeply — the helper may have been
// preempted on its own operation — so it gives up without deciding
// anything (spec.md §4.6's "full-return").
func (w *Worker) helpComplete(rcu *limbo.LimboHandle, cr *CasRow, depth int) outcomeStatus {
	if depth >= len(w.engine.pendingOpTable) {
		return outcomeUnresolved
	}

	desc := cr.desc
	last := desc.lastRow()
	start := 0
	for i, r := range desc.rows {
		if r == cr {
			start = i
			break
		}
	}

	for i := start; i < len(desc.rows); i++ {
		if last.mch.Load() == failHelper {
			break
		}
		row := desc.rows[i]
		if row.mch.Load() == nil {
			w.placeMcasHelper(rcu, desc, row, depth+1)
		}
	}

	if last.mch.Load() == failHelper {
		return outcomeFailure
	}
	if last.mch.Load() != nil {
		return outcomeSuccess
	}
	return outcomeUnresolved
}

// removeMcasHelper restores every row's Addr to its final value (New on
// success, Expected on failure) and retires the helper that was installed
// there, per spec.md §4.6 step 4. A restoring CAS that loses means some
// other operation's help_complete already resolved this row's logical
// value on our behalf; there is nothing left to do for that row.
func (w *Worker) removeMcasHelper(rcu *limbo.LimboHandle, passed bool, rows []*CasRow) {
	for _, row := range rows {
		h := row.mch.Load()
		if h == nil || h == failHelper {
			continue
		}
		tagged := tagptr.PackHigh64(h.Handle)
		row.Addr.CompareAndSwap(tagged, row.finalValue(passed))
		w.engine.retire(rcu, h)
	}
}

// Read returns the logical value of *addr (spec.md §4.6's mcas_read):
// immediately if the word is untagged, otherwise by helping the owning
// operation to completion and resolving to whichever value it decided on.
func (w *Worker) Read(rcu *limbo.LimboHandle, addr *atomic.Uint64) uint64 {
	for {
		v := addr.Load()
		if !tagptr.IsTaggedHigh64(v) {
			return v
		}
		handle := tagptr.UnpackHigh64(v)
		h := w.engine.helpers.Value(uint32(handle))
		switch w.helpComplete(rcu, h.Row, 0) {
		case outcomeSuccess:
			return h.Row.New
		case outcomeFailure:
			return h.Row.Expected
		default:
			continue
		}
	}
}

// ReadAll reads several addresses with Read, one at a time. It gives no
// stronger consistency than calling Read in a loop — useful as a
// convenience, not a new linearization point (spec.md §7 SUPPLEMENTED
// FEATURES).
func (w *Worker) ReadAll(rcu *limbo.LimboHandle, addrs []*atomic.Uint64) []uint64 {
	out := make([]uint64, len(addrs))
	for i, a := range addrs {
		out[i] = w.Read(rcu, a)
	}
	return out
}
