// Package hashmap is a lock-free hash map built with split-ordering
// (Shalev & Shavit): a single sorted singly-linked list of nodes threaded
// through bit-reversed hash keys, with per-bucket "dummy" nodes giving
// O(1) average entry points into the list. Growing the table never
// rehashes anything — it only changes which dummy nodes get lazily
// created, the same trick that makes the teacher's Roundabout cheap: push
// real work onto a structure that was going to do the traversal anyway.
//
// All node storage comes from a pinbox.Allocator, so reclamation of a
// removed node is exactly the PinBox protocol of spec.md §4.2/§4.3: a
// physically unlinked node sits in the remover's purgatory until no other
// Pins holds it, at which point it is recycled for the next Insert.
package hashmap

import (
	"bytes"
	"sync/atomic"

	"quay/internal/bitutil"
	"quay/internal/dynarray"
	"quay/pinbox"
)

const initialSize = 1
const maxLoadFactor = 2

// HashFunc computes a 32-bit hash of a key. The original LF_HASH design
// used a Murmur-style hash; that's an orthogonal, swappable concern here,
// supplied by the caller rather than hard-coded.
type HashFunc func(key []byte) uint32

type config struct {
	initialSize uint32
	unique      bool
}

// Option configures a Map at construction.
type Option func(*config)

// WithInitialSize sets the starting bucket count (rounded up to a power
// of two). The table still grows by doubling as entries accumulate; this
// only avoids early growth churn when the final size is roughly known.
func WithInitialSize(n uint32) Option {
	return func(c *config) {
		if n == 0 {
			n = 1
		}
		c.initialSize = bitutil.NextPowerOfTwo(n)
	}
}

// WithUniqueKeys rejects Insert calls for a key already present, mirroring
// the original's LF_HASH_UNIQUE flag. Without this option Insert always
// succeeds, even for a duplicate key (multi-valued map).
func WithUniqueKeys() Option {
	return func(c *config) { c.unique = true }
}

// Map is a lock-free hash map over fixed-layout elements: every element is
// a keyOffset/keyLen window of key bytes embedded in an elementSize byte
// buffer supplied whole to Insert, matching the original lf_hash's
// "the map doesn't know your struct, only where the key lives in it"
// design.
type Map struct {
	buckets dynarray.DynArray[atomic.Pointer[Node]]

	size  atomic.Uint32
	count atomic.Int64

	elementSize int
	keyOffset   int
	keyLen      int
	unique      bool
	hash        HashFunc

	allocator *pinbox.Allocator[Node]
}

// New constructs a Map whose elements are elementSize bytes long, with the
// lookup key living at data[keyOffset:keyOffset+keyLen] of every element
// passed to Insert.
func New(elementSize, keyOffset, keyLen int, hash HashFunc, opts ...Option) *Map {
	cfg := config{initialSize: initialSize}
	for _, o := range opts {
		o(&cfg)
	}

	m := &Map{
		elementSize: elementSize,
		keyOffset:   keyOffset,
		keyLen:      keyLen,
		unique:      cfg.unique,
		hash:        hash,
	}
	m.size.Store(cfg.initialSize)

	m.allocator = pinbox.NewAllocator(NodeNext, NodeSetNext,
		func(n *Node) { n.data = make([]byte, elementSize) },
		nil,
	)

	// bucket 0's dummy is the whole list's anchor; every other bucket is
	// reachable only by lazily chaining from its split-order parent.
	pins := m.allocator.GetPins()
	defer m.allocator.PutPins(pins)
	root := m.newDummy(pins, 0)
	m.buckets.Lvalue(0).Store(root)

	return m
}

// GetPins and PutPins delegate to the backing allocator; every goroutine
// using a Map must hold its own Pins for the duration of each call,
// exactly as with pinbox.Allocator directly.
func (m *Map) GetPins() *pinbox.Pins[Node] { return m.allocator.GetPins() }
func (m *Map) PutPins(p *pinbox.Pins[Node]) { m.allocator.PutPins(p) }

// Count returns the current number of live elements. It is a snapshot —
// concurrent Insert/Remove calls may change it before the caller observes
// the result.
func (m *Map) Count() int64 { return m.count.Load() }

func (m *Map) bucketFor(rawHash uint32) uint32 {
	return rawHash & (m.size.Load() - 1)
}

// splitOrderKey turns a raw hash into the node's position in the sorted
// list: bit-reversed with the low bit forced to 1, so it always sorts
// after any dummy node (whose low bit is the reversal of an always-zero
// high bit of a bucket index, since bucket counts never approach 2^31).
func splitOrderKey(rawHash uint32) uint32 {
	return bitutil.ReverseBits32(rawHash) | 1
}

func dummyKey(bucket uint32) uint32 {
	return bitutil.ReverseBits32(bucket)
}

func (m *Map) newDummy(pins *pinbox.Pins[Node], bucket uint32) *Node {
	n := m.allocator.Alloc(pins)
	n.hashnr = dummyKey(bucket)
	return n
}

// ensureBucket returns bucket's dummy node, creating it (and, recursively,
// its split-order parent's) if this is the first access. Concurrent
// callers racing to create the same bucket link at most one dummy into the
// list, and every caller publishes that linked dummy; a caller whose own
// dummy was not linked simply drops it — it was never reachable, so no
// reclamation is needed for it.
func (m *Map) ensureBucket(pins *pinbox.Pins[Node], bucket uint32) *Node {
	cell := m.buckets.Lvalue(bucket)
	if d := cell.Load(); d != nil {
		return d
	}
	if bucket == 0 {
		// Constructed eagerly in New; this path only runs if somehow
		// raced before New finished, which cannot happen since New
		// publishes it before returning the Map.
		panic("hashmap: bucket 0 dummy missing")
	}

	parent := bitutil.ClearHighestBit(bucket)
	parentDummy := m.ensureBucket(pins, parent)

	dummy := m.newDummy(pins, bucket)
	m.listInsert(pins, parentDummy, dummy)

	// listInsert leaves dummy unlinked when another caller's dummy for this
	// bucket is already in the list; publish whichever one is linked.
	_, linked := m.lfind(pins, parentDummy, dummy.hashnr, nil)
	cell.CompareAndSwap(nil, linked)
	return cell.Load()
}

// listInsert splices a dummy node (already assigned its split-order key)
// into the sorted list starting the search from start, retrying on
// contention. Used only for dummy nodes, whose key can never collide with
// another dummy's (each bucket index has a unique bit-reversal).
func (m *Map) listInsert(pins *pinbox.Pins[Node], start, fresh *Node) {
	for {
		prev, curr := m.lfind(pins, start, fresh.hashnr, nil)
		if curr != nil && curr.hashnr == fresh.hashnr {
			return // another goroutine already published this bucket's dummy
		}
		fresh.storeNext(curr)
		if prev.casNext(curr, false, fresh, false) {
			return
		}
	}
}

// lfind is the Harris-style lock-free search: walk from start until
// curr's key is >= the target (hashnr, key), helping unlink any
// logically-deleted node found along the way. key is nil when searching
// for a dummy node's hashnr alone (listInsert's use).
//
// Pin slot 2 holds prev, slot 1 holds curr, slot 0 holds curr's raw
// successor — always pinned before being dereferenced, per spec.md §4.2's
// pin-before-use protocol.
func (m *Map) lfind(pins *pinbox.Pins[Node], start *Node, hashnr uint32, key []byte) (prev, curr *Node) {
retry:
	prev = start
	pins.Pin(2, prev)
	curr, _ = prev.loadNext()

	for {
		if curr == nil {
			return prev, nil
		}
		pins.Pin(1, curr)
		if again, _ := prev.loadNext(); again != curr {
			goto retry
		}

		next, deleted := curr.loadNext()
		pins.Pin(0, next)
		if again, d2 := curr.loadNext(); again != next || d2 != deleted {
			goto retry
		}

		if deleted {
			if !prev.casNext(curr, false, next, false) {
				goto retry
			}
			m.allocator.PinsFree(pins, curr)
			curr = next
			pins.CopyPin(1, 0)
			continue
		}

		if m.atOrPast(curr, hashnr, key) {
			return prev, curr
		}

		prev = curr
		pins.CopyPin(2, 1)
		curr = next
		pins.CopyPin(1, 0)
	}
}

// atOrPast reports whether curr's split-order position is at or beyond
// the target (hashnr, key): strictly greater hashnr always qualifies;
// equal hashnr falls back to a byte-wise key comparison (real nodes only
// — dummy-vs-dummy comparisons never tie on hashnr, by construction).
func (m *Map) atOrPast(curr *Node, hashnr uint32, key []byte) bool {
	if curr.hashnr != hashnr {
		return curr.hashnr > hashnr
	}
	if key == nil {
		return true
	}
	return bytes.Compare(curr.key(m.keyOffset, m.keyLen), key) >= 0
}

// Insert adds data (an elementSize-byte element, whose key lives at
// keyOffset:keyOffset+keyLen) to the map. duplicate is true only when the
// map was constructed WithUniqueKeys and a matching key already exists, in
// which case data was not inserted.
func (m *Map) Insert(pins *pinbox.Pins[Node], data []byte) (duplicate bool, err error) {
	if len(data) != m.elementSize {
		panic("hashmap: Insert data length does not match the configured element size")
	}
	key := data[m.keyOffset : m.keyOffset+m.keyLen]
	rawHash := m.hash(key)
	hashnr := splitOrderKey(rawHash)
	start := m.ensureBucket(pins, m.bucketFor(rawHash))

	fresh := m.allocator.Alloc(pins)
	fresh.hashnr = hashnr
	copy(fresh.data, data)

	for {
		prev, curr := m.lfind(pins, start, hashnr, key)
		if m.unique && curr != nil && curr.hashnr == hashnr && bytes.Equal(curr.key(m.keyOffset, m.keyLen), key) {
			m.allocator.PinsFree(pins, fresh)
			return true, nil
		}
		fresh.storeNext(curr)
		if prev.casNext(curr, false, fresh, false) {
			m.count.Add(1)
			m.maybeGrow()
			return false, nil
		}
	}
}

// Remove deletes the first element matching key, if any, returning
// whether a matching element was found.
func (m *Map) Remove(pins *pinbox.Pins[Node], key []byte) (found bool, err error) {
	rawHash := m.hash(key)
	hashnr := splitOrderKey(rawHash)
	start := m.ensureBucket(pins, m.bucketFor(rawHash))

	for {
		prev, curr := m.lfind(pins, start, hashnr, key)
		if curr == nil || curr.hashnr != hashnr || !bytes.Equal(curr.key(m.keyOffset, m.keyLen), key) {
			return false, nil
		}
		next, _ := curr.loadNext()
		if !curr.markDeleted(next) {
			continue // someone mutated curr's next first (another helper); re-lfind
		}
		if prev.casNext(curr, false, next, false) {
			m.allocator.PinsFree(pins, curr)
		}
		// else: another lfind will physically unlink it; either way it is
		// no longer visible to future searches.
		m.count.Add(-1)
		return true, nil
	}
}

// Search returns the stored element matching key. The returned slice
// aliases the node's storage and is only safe to read until the caller
// calls SearchUnpin — exactly the Pins[1] lifetime pinbox guarantees.
func (m *Map) Search(pins *pinbox.Pins[Node], key []byte) (value []byte, ok bool) {
	rawHash := m.hash(key)
	hashnr := splitOrderKey(rawHash)
	start := m.ensureBucket(pins, m.bucketFor(rawHash))

	_, curr := m.lfind(pins, start, hashnr, key)
	if curr == nil || curr.hashnr != hashnr || !bytes.Equal(curr.key(m.keyOffset, m.keyLen), key) {
		pins.Unpin(1)
		return nil, false
	}
	return curr.data, true
}

// SearchUnpin releases the pin a successful Search left on slot 1. Call it
// once done reading the returned value.
func (m *Map) SearchUnpin(pins *pinbox.Pins[Node]) {
	pins.Unpin(1)
}

// RandomMatch scans from a randomly chosen bucket (via rnd, a caller
// supplied uint32 source) for the first live element satisfying match,
// mirroring the original's sampling use for eviction-candidate selection.
// If nothing matches between the chosen bucket and the end of the list, and
// that bucket was not already bucket 0, it wraps around and scans from
// bucket 0 up to (but not including) the chosen bucket's own dummy — the
// region the first pass never reached. It is best-effort: a concurrent
// structural change during either pass simply restarts that pass from its
// own starting point rather than helping unlink, since sampling has no
// correctness requirement on which of many matches it returns.
func (m *Map) RandomMatch(pins *pinbox.Pins[Node], match func(data []byte) bool, rnd func() uint32) (value []byte, ok bool) {
	bucket := rnd() & (m.size.Load() - 1)
	start := m.ensureBucket(pins, bucket)

	if value, ok := m.scanMatch(pins, start, nil, match); ok {
		return value, true
	}
	if bucket == 0 {
		return nil, false
	}
	zero := m.ensureBucket(pins, 0)
	return m.scanMatch(pins, zero, start, match)
}

// scanMatch walks the split-ordered list from start (exclusive) looking for
// a live element satisfying match, stopping before stopAt if given (used to
// bound RandomMatch's wraparound pass so it doesn't re-scan the first
// pass's region or loop forever).
func (m *Map) scanMatch(pins *pinbox.Pins[Node], start, stopAt *Node, match func(data []byte) bool) (value []byte, ok bool) {
restart:
	prev := start
	pins.Pin(2, prev)
	curr, _ := prev.loadNext()
	for curr != nil && curr != stopAt {
		pins.Pin(1, curr)
		if again, _ := prev.loadNext(); again != curr {
			goto restart
		}
		next, deleted := curr.loadNext()
		if !deleted && curr.hashnr&1 == 1 && match(curr.data) {
			return curr.data, true
		}
		prev = curr
		pins.CopyPin(2, 1)
		curr = next
	}
	pins.Unpin(1)
	pins.Unpin(2)
	return nil, false
}

func (m *Map) maybeGrow() {
	size := m.size.Load()
	if uint64(m.count.Load()) <= uint64(size)*maxLoadFactor {
		return
	}
	m.size.CompareAndSwap(size, size*2)
}

// Teardown releases every pooled node back to the runtime, for use once no
// goroutine holds a Pins into the map any longer.
func (m *Map) Teardown() {
	m.allocator.Teardown()
}
