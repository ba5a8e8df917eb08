// Package masstree implements the concurrent B+-trie of spec.md §3/§4.7: a
// trie of layers, each layer a concurrent B+-tree keyed by an 8-byte
// big-endian slice of the real key, with a fresh nested layer created
// whenever two keys collide in their current layer's 8-byte slice.
// Readers walk optimistically, validating NodeVersion snapshots as they
// go; writers lock the single leaf (or internode, on a split) they touch,
// following the same lock()/mark_insert()/mark_split()/unlock() discipline
// the teacher's Roundabout header-CAS idiom generalizes into
// limbo's epoch publication and NodeVersion's counter rolls here. Put and
// Remove also register on a Tree-wide Roundabout (the root package's
// primitive) as a ShWriteLane keyed by the top-level key slice, so
// Destroy can Fence — wait for every write already in flight — before
// detaching the root, the same "wait for all earlier writers to exit
// before starting work" use the teacher's own doc comment describes.
// ShWriteLane entries on one lane block each other, so Put and Remove
// calls with the same lane (the low 32 bits of the top-level slice, key
// bytes 4–7) also run one at a time.
//
// Node memory is plain Go-allocated and reclaimed by the garbage collector;
// the per-thread limbo.ThreadInfo passed to every mutating operation exists
// so that a node logically retired mid-operation (an emptied leaf, a
// collapsed layer) is not *reused* by a concurrent structural change until
// every reader that might still be walking it has moved on — the same
// safety property spec.md §4.4 describes, just without a manual free() at
// the end of it.
package masstree

import (
	"sync/atomic"

	"quay"
	"quay/limbo"
)

// destroyFenceFlag is the Roundabout flag Destroy publishes while it
// quiesces in-flight writers; its value only needs to be nonzero and
// distinct from any flag another Fence caller on the same Tree might use,
// and this Tree never has another Fence caller.
const destroyFenceFlag uint16 = 1

// Tree is one Masstree instance: a trie of layers whose top layer's root
// node is held in the root field. Values
// are of type V, uniform across every layer (only key bytes are resliced
// per layer, not value types).
type Tree[V any] struct {
	root atomic.Pointer[nodeBase]
	rb   quay.Roundabout
}

// New constructs an empty Tree: a single, empty root Leaf.
func New[V any]() *Tree[V] {
	t := &Tree[V]{}
	t.Initialize()
	return t
}

// Initialize (re)installs a fresh, empty root leaf — used after Destroy to
// bring a Tree back to its initial empty state on the same ThreadInfo,
// per spec.md §8's destroy/reinitialize scenario.
func (t *Tree[V]) Initialize() {
	root := newLeaf[V](true)
	t.root.Store(&root.nodeBase)
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// findLeaf descends from rootCell to the leaf that would contain ikey,
// re-validating each internode's Stable snapshot against what it read
// before trusting the child pointer; any mismatch restarts from rootCell.
func (t *Tree[V]) findLeaf(rootCell *atomic.Pointer[nodeBase], ikey uint64) *Leaf[V] {
retry:
	n := rootCell.Load()
	if n == nil {
		return nil
	}
	for {
		v0 := n.version.Stable()
		if IsLeaf(v0) {
			if n.version.HasChanged(v0) {
				goto retry
			}
			return asLeaf[V](n)
		}
		in := n.asInternode()
		idx := 0
		for idx < in.nkeys && in.ikey[idx] <= ikey {
			idx++
		}
		child := in.childBase(idx)
		if in.version.HasChanged(v0) || child == nil {
			goto retry
		}
		n = child
	}
}

// lookupSlot finds the logical position (and, if present, physical slot)
// matching (ikey, keylenx, suffix) within p's sorted range, per spec.md
// §4.7's "bound: KeyBoundBinary::lower on the 8-byte ikey, then compare
// suffix" — since no two live slots in a leaf ever share an ikey (a
// collision is resolved by installing a nested layer in place of the
// colliding slot, see buildLayerChain), ordering and search both operate
// on ikey alone. kind is 0 (no slot at this ikey), 1 (exact value match),
// 2 (a nested layer lives at this ikey), or 3 (this ikey is occupied by a
// value slot that is NOT the queried key — a fresh collision).
func lookupSlot[V any](lf *Leaf[V], p permuter, ikey uint64, keylenx uint8, suffix []byte) (pos int, slot int, kind int) {
	n := p.size()
	for pos = 0; pos < n; pos++ {
		s := p.value(pos)
		if lf.ikey[s] == ikey {
			if lf.keylenx[s] == KeylenxLayer {
				return pos, s, 2
			}
			if sameKey(lf.ikey[s], lf.keylenx[s], lf.suffix[s], ikey, keylenx, suffix) {
				return pos, s, 1
			}
			return pos, s, 3
		}
		if lf.ikey[s] > ikey {
			return pos, -1, 0
		}
	}
	return n, -1, 0
}

// appendSortedRaw inserts a new slot in sorted (ikey) order into a leaf not
// presently visible to any other goroutine (either freshly constructed, or
// already locked by the caller).
func (lf *Leaf[V]) appendSortedRaw(ikey uint64, keylenx uint8, suffix []byte, val V, isLayer bool, layerRoot *nodeBase) {
	p := lf.perm()
	n := p.size()
	pos := 0
	for pos = 0; pos < n; pos++ {
		if lf.ikey[p.value(pos)] > ikey {
			break
		}
	}
	slot, next := p.insertFromBack()
	next = next.rotate(n, pos)

	lf.ikey[slot] = ikey
	if isLayer {
		lf.keylenx[slot] = KeylenxLayer
		lf.suffix[slot] = nil
		var zero V
		lf.slot[slot].value = zero
		lf.slot[slot].layer.Store(layerRoot)
	} else {
		lf.keylenx[slot] = keylenx
		lf.suffix[slot] = suffix
		lf.slot[slot].value = val
		lf.slot[slot].layer.Store(nil)
	}
	lf.permutation.Store(uint64(next))
}

// buildLayerChain builds the replacement for a slot that just collided:
// one two-slot leaf distinguishing existingKey and newKey at the first
// depth their 8-byte slices differ, wrapped in a chain of one-slot "layer
// pointer" leaves for every depth at which they still agree (spec.md
// §4.7 insert step 4). existingKey/newKey are the full remaining key bytes
// from the colliding layer's depth onward; d is the recursion depth
// relative to that (0 at the first still-equal slice).
func buildLayerChain[V any](existingKey []byte, existingVal V, newKey []byte, newVal V, d int) *nodeBase {
	eIkey, eKeylenx, eSuffix := sliceAt(existingKey, d)
	nIkey, nKeylenx, nSuffix := sliceAt(newKey, d)

	if eIkey == nIkey {
		if eKeylenx <= 8 && nKeylenx <= 8 {
			// Both keys terminate within this 8-byte slice yet still produced
			// the same zero-padded ikey: the documented ambiguous case of
			// spec.md §9. Indistinguishable by ikey alone; keep the existing
			// entry rather than recurse forever. Unreachable for any key
			// alphabet that does not embed trailing NUL bytes.
			lf := newLeaf[V](true)
			lf.appendSortedRaw(eIkey, eKeylenx, eSuffix, existingVal, false, nil)
			return &lf.nodeBase
		}
		child := buildLayerChain[V](existingKey, existingVal, newKey, newVal, d+1)
		lf := newLeaf[V](true)
		var zero V
		lf.appendSortedRaw(eIkey, 0, nil, zero, true, child)
		child.parent.Store(&lf.nodeBase)
		return &lf.nodeBase
	}

	lf := newLeaf[V](true)
	lf.appendSortedRaw(eIkey, eKeylenx, eSuffix, existingVal, false, nil)
	lf.appendSortedRaw(nIkey, nKeylenx, nSuffix, newVal, false, nil)
	return &lf.nodeBase
}

// Get performs a single, non-blocking optimistic read (spec.md §4.7
// find_unlocked): descend layer by layer, validating each leaf's version
// before trusting what it read there, hopping right across a split when
// one is detected mid-read.
func (t *Tree[V]) Get(key []byte) (V, bool) {
	rootCell := &t.root
	depth := 0
depthLoop:
	for {
		ikey, keylenx, suffix := sliceAt(key, depth)
		lf := t.findLeaf(rootCell, ikey)
		if lf == nil {
			var zero V
			return zero, false
		}
		for {
			v0 := lf.version.Stable()
			p := lf.perm()
			_, slot, kind := lookupSlot(lf, p, ikey, keylenx, suffix)
			if lf.version.HasChanged(v0) {
				if lf.version.HasSplit(v0) {
					if nxt := lf.next_(); nxt != nil {
						lf = nxt
					}
				}
				continue
			}
			switch kind {
			case 2:
				child := lf.slot[slot].layer.Load()
				if child == nil {
					var zero V
					return zero, false
				}
				rootCell = &lf.slot[slot].layer
				depth++
				continue depthLoop
			case 1:
				return lf.slot[slot].value, true
			default:
				var zero V
				return zero, false
			}
		}
	}
}

// Put inserts key with value, creating intermediate layers on collisions
// and splitting leaves (propagating up through internodes, allocating a
// new layer root when the current one splits) as needed. It reports
// whether the key was newly created (spec.md §4.7's put contract).
func (t *Tree[V]) Put(ti *limbo.ThreadInfo, key []byte, value V) bool {
	ikey0, _, _ := sliceAt(key, 0)
	var created bool
	t.rb.ShWriteLane(uint32(ikey0), func(uint16, uint16) error {
		created = t.putLocked(ti, key, value)
		return nil
	})
	return created
}

// putLocked is Put's body, run with this Tree's ShWriteLane already held by
// Put above.
func (t *Tree[V]) putLocked(ti *limbo.ThreadInfo, key []byte, value V) bool {
	rootCell := &t.root
	depth := 0
depthLoop:
	for {
		ikey, keylenx, suffix := sliceAt(key, depth)
		lf := t.findLeaf(rootCell, ikey)
		if lf == nil {
			return false
		}
		for {
			lf.version.Lock()
			if IsDeleted(lf.version.Raw()) {
				lf.version.Unlock()
				lf = t.findLeaf(rootCell, ikey)
				if lf == nil {
					return false
				}
				continue
			}

			p := lf.perm()
			pos, slot, kind := lookupSlot(lf, p, ikey, keylenx, suffix)

			if kind == 0 && pos == p.size() {
				if nxt := lf.next_(); nxt != nil {
					np := nxt.perm()
					if np.size() > 0 && nxt.ikey[np.value(0)] <= ikey {
						lf.version.Unlock()
						lf = nxt
						continue
					}
				}
			}

			switch kind {
			case 2:
				rootCell = &lf.slot[slot].layer
				lf.version.Unlock()
				depth++
				continue depthLoop

			case 1:
				lf.slot[slot].value = value
				lf.version.Unlock()
				return false

			case 3:
				existingVal := lf.slot[slot].value
				existingFull := lf.keyAt(slot)
				newFull := append([]byte(nil), key[depth*8:]...)
				child := buildLayerChain[V](existingFull, existingVal, newFull, value, 1)

				lf.version.MarkInsert()
				lf.keylenx[slot] = KeylenxLayer
				lf.suffix[slot] = nil
				var zero V
				lf.slot[slot].value = zero
				lf.slot[slot].layer.Store(child)
				child.parent.Store(&lf.nodeBase)
				lf.version.Unlock()
				return true

			default:
				if p.size() == Width {
					t.splitLeaf(ti, rootCell, lf, ikey, keylenx, suffix, value)
					return true
				}
				lf.version.MarkInsert()
				lf.appendSortedRaw(ikey, keylenx, suffix, value, false, nil)
				lf.version.Unlock()
				return true
			}
		}
	}
}

// splitLeaf splits a full, already-locked leaf lf into itself and a new
// sibling, propagates the pivot up through internodes (allocating a new
// layer root if lf was one), inserts the still-pending (ikey, value) into
// whichever side it belongs, and unlocks both leaves before returning.
//
// sib is locked before insertPivot publishes it into the parent (or a new
// root): a reader reaching it through the parent before this function
// finishes populating it must see the lock and retry, exactly as it would
// for any other concurrently-written leaf.
func (t *Tree[V]) splitLeaf(ti *limbo.ThreadInfo, rootCell *atomic.Pointer[nodeBase], lf *Leaf[V], ikey uint64, keylenx uint8, suffix []byte, value V) {
	p := lf.perm()
	n := p.size()
	mid := n / 2

	sib := newLeaf[V](false)
	for i := mid; i < n; i++ {
		s := p.value(i)
		isLayer := lf.keylenx[s] == KeylenxLayer
		var layerRoot *nodeBase
		if isLayer {
			layerRoot = lf.slot[s].layer.Load()
		}
		sib.appendSortedRaw(lf.ikey[s], lf.keylenx[s], lf.suffix[s], lf.slot[s].value, isLayer, layerRoot)
		if isLayer && layerRoot != nil {
			layerRoot.parent.Store(&sib.nodeBase)
		}
	}
	lf.permutation.Store(uint64(p.withSize(mid)))
	lf.version.MarkSplit()
	sib.version.Lock()

	linkSplit[V](lf, sib)

	pivot := sib.ikey[sib.perm().value(0)]
	t.insertPivot(ti, rootCell, &lf.nodeBase, &sib.nodeBase, pivot)

	if ikey < pivot {
		lf.appendSortedRaw(ikey, keylenx, suffix, value, false, nil)
	} else {
		sib.appendSortedRaw(ikey, keylenx, suffix, value, false, nil)
	}
	sib.version.Unlock()
	lf.version.Unlock()
}

// insertPivot installs (pivot, right) into left's parent internode,
// recursively splitting the parent (and, transitively, its own parent) if
// it is full, or allocating a brand-new root internode one level taller
// when left was its layer's root. A nested layer's root keeps the leaf
// that owns the layer as its parent pointer, so the root flag, not a nil
// parent, identifies it; the new root inherits that parent pointer.
func (t *Tree[V]) insertPivot(ti *limbo.ThreadInfo, rootCell *atomic.Pointer[nodeBase], left, right *nodeBase, pivot uint64) {
	parent := left.parent.Load()
	if parent == nil || IsRoot(left.version.Raw()) {
		height := 1
		if !IsLeaf(left.version.Raw()) {
			height = left.asInternode().height + 1
		}
		root := newInternode(height, true)
		root.parent.Store(parent)
		root.nkeys = 1
		root.ikey[0] = pivot
		root.child[0].Store(left)
		root.child[1].Store(right)
		left.parent.Store(&root.nodeBase)
		right.parent.Store(&root.nodeBase)
		left.version.ClearRoot()
		rootCell.Store(&root.nodeBase)
		return
	}

	in := parent.asInternode()
	in.version.Lock()
	if in.nkeys == Width {
		t.splitInternode(ti, rootCell, in, left, pivot, right)
		return
	}

	in.version.MarkInsert()
	idx := 0
	for idx <= in.nkeys && in.childBase(idx) != left {
		idx++
	}
	for i := in.nkeys; i > idx; i-- {
		in.ikey[i] = in.ikey[i-1]
		in.child[i+1].Store(in.childBase(i))
	}
	in.ikey[idx] = pivot
	in.child[idx+1].Store(right)
	right.parent.Store(&in.nodeBase)
	in.nkeys++
	in.version.Unlock()
}

// splitInternode splits a full, locked internode in that is about to gain
// one more key/child pair (pivot, right, inserted just after left's
// current position), promoting the middle key to the grandparent via a
// recursive insertPivot call.
func (t *Tree[V]) splitInternode(ti *limbo.ThreadInfo, rootCell *atomic.Pointer[nodeBase], in *Internode, left *nodeBase, pivot uint64, right *nodeBase) {
	oldChildren := make([]*nodeBase, in.nkeys+1)
	for i := range oldChildren {
		oldChildren[i] = in.childBase(i)
	}
	idx := 0
	for idx < len(oldChildren) && oldChildren[idx] != left {
		idx++
	}

	keys := make([]uint64, 0, in.nkeys+1)
	keys = append(keys, in.ikey[:idx]...)
	keys = append(keys, pivot)
	keys = append(keys, in.ikey[idx:in.nkeys]...)

	children := make([]*nodeBase, 0, in.nkeys+2)
	children = append(children, oldChildren[:idx+1]...)
	children = append(children, right)
	children = append(children, oldChildren[idx+1:]...)

	mid := len(keys) / 2
	upKey := keys[mid]

	sib := newInternode(in.height, false)
	sib.nkeys = len(keys) - mid - 1
	for i, k := range keys[mid+1:] {
		sib.ikey[i] = k
	}
	for i, c := range children[mid+1:] {
		sib.child[i].Store(c)
		c.parent.Store(&sib.nodeBase)
	}

	in.version.MarkSplit()
	in.nkeys = mid
	for i := 0; i < mid; i++ {
		in.ikey[i] = keys[i]
	}
	for i := 0; i <= mid; i++ {
		in.child[i].Store(children[i])
		children[i].parent.Store(&in.nodeBase)
	}
	for i := mid + 1; i <= Width; i++ {
		in.child[i].Store(nil)
	}
	in.version.Unlock()

	t.insertPivot(ti, rootCell, &in.nodeBase, &sib.nodeBase, upKey)
}

// Remove logically deletes key, returning whether a matching entry was
// found. An emptied, non-root leaf is unlinked and retired; an emptied
// sole leaf of a nested layer is collapsed out of its owning slot once the
// grace period passes (spec.md §4.7 finish_remove/remove_leaf).
func (t *Tree[V]) Remove(ti *limbo.ThreadInfo, key []byte) bool {
	ikey0, _, _ := sliceAt(key, 0)
	var removed bool
	t.rb.ShWriteLane(uint32(ikey0), func(uint16, uint16) error {
		removed = t.removeLocked(ti, key)
		return nil
	})
	return removed
}

// removeLocked is Remove's body, run with this Tree's ShWriteLane already
// held by Remove above.
func (t *Tree[V]) removeLocked(ti *limbo.ThreadInfo, key []byte) bool {
	rootCell := &t.root
	depth := 0
depthLoop:
	for {
		ikey, keylenx, suffix := sliceAt(key, depth)
		lf := t.findLeaf(rootCell, ikey)
		if lf == nil {
			return false
		}
		for {
			lf.version.Lock()
			if IsDeleted(lf.version.Raw()) {
				lf.version.Unlock()
				lf = t.findLeaf(rootCell, ikey)
				if lf == nil {
					return false
				}
				continue
			}

			p := lf.perm()
			pos, slot, kind := lookupSlot(lf, p, ikey, keylenx, suffix)

			if kind == 0 {
				if nxt := lf.next_(); nxt != nil {
					np := nxt.perm()
					if np.size() > 0 && nxt.ikey[np.value(0)] <= ikey {
						lf.version.Unlock()
						lf = nxt
						continue
					}
				}
				lf.version.Unlock()
				return false
			}
			if kind == 3 {
				lf.version.Unlock()
				return false
			}
			if kind == 2 {
				child := lf.slot[slot].layer.Load()
				lf.version.Unlock()
				if child == nil {
					return false
				}
				rootCell = &lf.slot[slot].layer
				depth++
				continue depthLoop
			}

			lf.version.MarkInsert()
			newPerm := p.removeAt(pos)
			var zero V
			lf.slot[slot].value = zero
			lf.suffix[slot] = nil
			lf.permutation.Store(uint64(newPerm))
			empty := newPerm.size() == 0
			lf.version.Unlock()
			if empty {
				t.collapseLeaf(ti, lf, depth)
			}
			return true
		}
	}
}

// collapseLeaf runs the cleanup spec.md §4.7's remove_leaf describes once a
// leaf has gone empty.
func (t *Tree[V]) collapseLeaf(ti *limbo.ThreadInfo, lf *Leaf[V], depth int) {
	if lf.version.Raw()&vIsRoot != 0 {
		if depth == 0 {
			return // the whole tree's sole leaf: keep it, nothing to collapse.
		}
		parentBase := lf.parent.Load()
		if parentBase == nil {
			return
		}
		dead := &lf.nodeBase
		h := ti.NewHandle()
		h.RegisterCallback(func() { t.gcLayer(asLeaf[V](parentBase), dead) })
		h.Delete()
		return
	}

	lf.version.Lock()
	if lf.perm().size() != 0 {
		lf.version.Unlock()
		return // repopulated by a racing insert before we got here.
	}
	prev := lf.prev.Load()
	lf.version.MarkDeleted()
	if prev != nil {
		prev.phantomEpoch.Store(maxU64(prev.phantomEpoch.Load(), lf.phantomEpoch.Load()+1))
	}
	lf.version.Unlock()

	unlinkLeaf[V](lf)
	h := ti.NewHandle()
	h.RegisterCallback(func() { _ = lf })
	h.Delete()
}

// gcLayer removes owner's slot pointing at deadLayer, once deadLayer's
// grace period has passed and it is confirmed still empty — the deferred
// second half of collapseLeaf's nested-layer case (spec.md §4.7's
// GcLayerRcuCallback).
func (t *Tree[V]) gcLayer(owner *Leaf[V], deadLayer *nodeBase) {
	owner.version.Lock()
	defer owner.version.Unlock()

	p := owner.perm()
	for pos := 0; pos < p.size(); pos++ {
		s := p.value(pos)
		if owner.keylenx[s] != KeylenxLayer || owner.slot[s].layer.Load() != deadLayer {
			continue
		}
		if IsLeaf(deadLayer.version.Raw()) && asLeaf[V](deadLayer).perm().size() != 0 {
			return // repopulated since collapseLeaf scheduled this callback.
		}
		owner.version.MarkInsert()
		next := p.removeAt(pos)
		owner.suffix[s] = nil
		owner.slot[s].layer.Store(nil)
		owner.permutation.Store(uint64(next))
		return
	}
}

// Destroy tears down the whole trie (every layer, every node) via the
// two-phase pattern spec.md §4.7 names destroy_rcu_callback. Phase one runs
// under a Roundabout Fence on destroyFenceFlag: the fence first waits for
// every Put/Remove already in flight (registered on the same Roundabout as
// a ShWriteLane) to finish, then — with no writer still active — detaches
// the root with a single Swap and marks it deleted, so any reader that
// restarts its walk from rootCell after this point sees an empty tree
// instead of the torn-down one. Phase two, the actual node walk, is
// deferred through limbo: it only runs once every thread that was active
// during the fence has advanced past this point, so a reader still
// mid-traversal over the detached subtree is never racing destroyNode's
// writes to the very nodes it is reading. Value memory is never freed —
// only the caller knows how to dispose of V — every node is simply marked
// deleted and dropped, left for the garbage collector. Call Initialize
// afterward to reuse the Tree.
func (t *Tree[V]) Destroy(ti *limbo.ThreadInfo) {
	var oldRoot *nodeBase
	t.rb.Fence(destroyFenceFlag, func(uint16, uint16) error {
		oldRoot = t.root.Swap(nil)
		if oldRoot != nil {
			oldRoot.version.Lock()
			oldRoot.version.MarkDeleted()
			oldRoot.version.Unlock()
		}
		return nil
	})
	if oldRoot == nil {
		return
	}
	h := ti.NewHandle()
	h.RegisterCallback(func() { t.destroyNode(oldRoot) })
	h.Delete()
}

func (t *Tree[V]) destroyNode(n *nodeBase) {
	if n == nil {
		return
	}
	if IsLeaf(n.version.Raw()) {
		lf := asLeaf[V](n)
		p := lf.perm()
		for i := 0; i < p.size(); i++ {
			s := p.value(i)
			if lf.keylenx[s] == KeylenxLayer {
				t.destroyNode(lf.slot[s].layer.Load())
			}
		}
		lf.version.MarkDeleted()
		return
	}
	in := n.asInternode()
	for i := 0; i <= in.nkeys; i++ {
		t.destroyNode(in.childBase(i))
	}
	in.version.MarkDeleted()
}

// Stats is the non-printing structural diagnostic of spec.md §7
// SUPPLEMENTED FEATURES (grounded on the original's mt_print.hh dumping
// helpers, reduced to counters — logging/printf is out of scope).
type Stats struct {
	Depth          int
	LeafCount      int
	InternodeCount int
}

func (t *Tree[V]) Stats() Stats {
	var s Stats
	t.statNode(t.root.Load(), 1, &s)
	return s
}

func (t *Tree[V]) statNode(n *nodeBase, depth int, s *Stats) {
	if n == nil {
		return
	}
	if depth > s.Depth {
		s.Depth = depth
	}
	if IsLeaf(n.version.Raw()) {
		s.LeafCount++
		lf := asLeaf[V](n)
		p := lf.perm()
		for i := 0; i < p.size(); i++ {
			sl := p.value(i)
			if lf.keylenx[sl] == KeylenxLayer {
				t.statNode(lf.slot[sl].layer.Load(), depth+1, s)
			}
		}
		return
	}
	s.InternodeCount++
	in := n.asInternode()
	for i := 0; i <= in.nkeys; i++ {
		t.statNode(in.childBase(i), depth, s)
	}
}
