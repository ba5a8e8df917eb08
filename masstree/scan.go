package masstree

import (
	"bytes"
	"sync/atomic"
)

// leftmostLeaf/rightmostLeaf descend to the first or last leaf of the layer
// rooted at rootCell, for Scan/RScan's starting point.

func (t *Tree[V]) leftmostLeaf(rootCell *atomic.Pointer[nodeBase]) *Leaf[V] {
	n := rootCell.Load()
	for !IsLeaf(n.version.Raw()) {
		n = n.asInternode().childBase(0)
	}
	return asLeaf[V](n)
}

func (t *Tree[V]) rightmostLeaf(rootCell *atomic.Pointer[nodeBase]) *Leaf[V] {
	n := rootCell.Load()
	for !IsLeaf(n.version.Raw()) {
		in := n.asInternode()
		n = in.childBase(in.nkeys)
	}
	return asLeaf[V](n)
}

// walkLayer visits every live (key, value) pair of the layer rooted at
// rootCell, and recursively every nested layer beneath it, in ascending key
// order, building each full key by prepending prefix (the bytes every
// ancestor layer already consumed) to each slot's own keyAt segment. visit
// returning false stops the whole walk early.
func (t *Tree[V]) walkLayer(rootCell *atomic.Pointer[nodeBase], prefix []byte, visit func(key []byte, value V) bool) bool {
	lf := t.leftmostLeaf(rootCell)
	for lf != nil {
		p := lf.perm()
		n := p.size()
		for i := 0; i < n; i++ {
			s := p.value(i)
			if lf.keylenx[s] == KeylenxLayer {
				child := lf.slot[s].layer.Load()
				if child == nil {
					continue
				}
				var childPrefix [8]byte
				putBigEndian(childPrefix[:], lf.ikey[s])
				childKey := append(append([]byte(nil), prefix...), childPrefix[:]...)
				if !t.walkLayer(&lf.slot[s].layer, childKey, visit) {
					return false
				}
				continue
			}
			key := append(append([]byte(nil), prefix...), lf.keyAt(s)...)
			if !visit(key, lf.slot[s].value) {
				return false
			}
		}
		lf = lf.next_()
	}
	return true
}

// walkLayerReverse is walkLayer's descending-order counterpart for RScan.
func (t *Tree[V]) walkLayerReverse(rootCell *atomic.Pointer[nodeBase], prefix []byte, visit func(key []byte, value V) bool) bool {
	lf := t.rightmostLeaf(rootCell)
	for lf != nil {
		p := lf.perm()
		for i := p.size() - 1; i >= 0; i-- {
			s := p.value(i)
			if lf.keylenx[s] == KeylenxLayer {
				child := lf.slot[s].layer.Load()
				if child == nil {
					continue
				}
				var childPrefix [8]byte
				putBigEndian(childPrefix[:], lf.ikey[s])
				childKey := append(append([]byte(nil), prefix...), childPrefix[:]...)
				if !t.walkLayerReverse(&lf.slot[s].layer, childKey, visit) {
					return false
				}
				continue
			}
			key := append(append([]byte(nil), prefix...), lf.keyAt(s)...)
			if !visit(key, lf.slot[s].value) {
				return false
			}
		}
		lf = lf.prev.Load()
	}
	return true
}

// Scan visits every (key, value) pair with key >= start (or > start when
// inclusive is false) in ascending order, stopping as soon as visit returns
// false, and reports how many pairs were visited (spec.md §4.7 scan).
func (t *Tree[V]) Scan(start []byte, inclusive bool, visit func(key []byte, value V) bool) int {
	count := 0
	t.walkLayer(&t.root, nil, func(key []byte, value V) bool {
		cmp := bytes.Compare(key, start)
		if cmp < 0 || (cmp == 0 && !inclusive) {
			return true
		}
		count++
		return visit(key, value)
	})
	return count
}

// RScan is Scan's descending-order counterpart: key <= start (or < start
// when inclusive is false).
func (t *Tree[V]) RScan(start []byte, inclusive bool, visit func(key []byte, value V) bool) int {
	count := 0
	t.walkLayerReverse(&t.root, nil, func(key []byte, value V) bool {
		cmp := bytes.Compare(key, start)
		if cmp > 0 || (cmp == 0 && !inclusive) {
			return true
		}
		count++
		return visit(key, value)
	})
	return count
}
