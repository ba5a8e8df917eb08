package masstree

import (
	"sync/atomic"
	"unsafe"
)

// Width is the number of key slots an Internode or Leaf carries (spec.md
// §3: "up to 15 ordered 8-byte keys and 16 child pointers" / "up to 15
// slots"), kept as the named constant the design notes call for instead of
// a template parameter.
const Width = 15

// Keylenx codes (spec.md §3 "keylenx encoding").
const (
	KeylenxLayer = 128 // slot holds a nested layer's root, not a value
	KeylenxHasSuffix = 64 // ikey holds this slot's first 8 key bytes; the
	// remaining bytes live in the slot's suffix
)

// nodeBase is the common header every Internode and Leaf embeds, always as
// their first field, so a *nodeBase can be safely cast back to whichever
// concrete type its own version bit (IsLeaf) says it is. This is the Go
// analogue of the C++ original's node_base superclass: one polymorphic
// pointer type threads through parent links and internode child slots,
// and the concrete type is recovered only at the leaf points in
// asInternode/asLeaf below (matching internal/tagptr's "cast only at leaf
// points" discipline).
type nodeBase struct {
	version NodeVersion
	parent  atomic.Pointer[nodeBase]
}

func (nb *nodeBase) asInternode() *Internode {
	return (*Internode)(unsafe.Pointer(nb))
}

func asLeaf[V any](nb *nodeBase) *Leaf[V] {
	return (*Leaf[V])(unsafe.Pointer(nb))
}

func (nb *nodeBase) base() *nodeBase { return nb }

// Internode is a B+-tree internal node: up to Width ordered 8-byte keys and
// Width+1 child pointers, a height (1 at the leaf level's parent, growing
// toward the root), and the shared NodeVersion (spec.md §3 Internode).
type Internode struct {
	nodeBase
	height int
	nkeys  int
	ikey   [Width]uint64
	child  [Width + 1]atomic.Pointer[nodeBase]
}

func newInternode(height int, isRoot bool) *Internode {
	in := &Internode{height: height}
	in.version.v.Store(initVersion(false, isRoot))
	return in
}

// childBase loads child slot i.
func (in *Internode) childBase(i int) *nodeBase { return in.child[i].Load() }

// leafValue is one slot of a Leaf[V]: either a user value (layer == nil) or
// a nested layer's root (layer != nil), per keylenx's KeylenxLayer flag —
// a slot is never both at once.
type leafValue[V any] struct {
	value V
	layer atomic.Pointer[nodeBase]
}

// Leaf is a B+-tree leaf: up to Width slots of (ikey, keylenx, value-or-
// layer), a permutation mapping logical sorted order to physical slots, a
// doubly-linked leaf chain for range scans, a parent pointer, and a
// phantom-epoch counter for correct concurrent-delete ordering (spec.md §3
// Leaf).
type Leaf[V any] struct {
	nodeBase
	permutation  atomic.Uint64 // encodes a permuter
	prev         atomic.Pointer[Leaf[V]]
	next         atomic.Uintptr // tagptr-packed *Leaf[V]; low bit is the link lock
	ikey         [Width]uint64
	keylenx      [Width]uint8
	slot         [Width]leafValue[V]
	suffix       [Width][]byte
	phantomEpoch atomic.Uint64
}

func newLeaf[V any](isRoot bool) *Leaf[V] {
	lf := &Leaf[V]{}
	lf.version.v.Store(initVersion(true, isRoot))
	lf.permutation.Store(uint64(emptyPermuter()))
	return lf
}

func (lf *Leaf[V]) perm() permuter { return permuter(lf.permutation.Load()) }

// keyAt reconstructs slot i's full key-segment-from-this-depth bytes: the
// raw ikey trimmed to keylenx bytes when keylenx <= 8, or the stored
// 8-byte ikey followed by the suffix when keylenx == KeylenxHasSuffix.
func (lf *Leaf[V]) keyAt(i int) []byte {
	n := lf.keylenx[i]
	if n == KeylenxHasSuffix {
		out := make([]byte, 8+len(lf.suffix[i]))
		putBigEndian(out[:8], lf.ikey[i])
		copy(out[8:], lf.suffix[i])
		return out
	}
	var buf [8]byte
	putBigEndian(buf[:], lf.ikey[i])
	return append([]byte(nil), buf[:n]...)
}

func (lf *Leaf[V]) isLayerSlot(i int) bool { return lf.keylenx[i] == KeylenxLayer }
