package pinbox

import (
	"sync"
	"testing"
)

type node struct {
	link  *node
	value int
}

func nodeNext(n *node) *node       { return n.link }
func nodeSetNext(n *node, m *node) { n.link = m }

func newTestAllocator() *Allocator[node] {
	return NewAllocator(nodeNext, nodeSetNext, nil, nil)
}

func TestAllocReusesFreedObjects(t *testing.T) {
	a := newTestAllocator()
	p := a.GetPins()
	defer a.PutPins(p)

	obj := a.Alloc(p)
	obj.value = 42

	for i := 0; i < PurgatorySize; i++ {
		a.PinsFree(p, obj)
		if i != PurgatorySize-1 {
			obj = a.Alloc(p)
		}
	}

	if got := a.PoolCount(); got == 0 {
		t.Fatalf("expected at least one real allocation, got %d", got)
	}

	// The tenth PinsFree flushed the purgatory, so Alloc now pops a freed
	// object instead of allocating a new one.
	before := a.PoolCount()
	a.Alloc(p)
	if got := a.PoolCount(); got != before {
		t.Fatalf("Alloc after a flush made a new allocation (PoolCount %d -> %d), want a freed object reused", before, got)
	}
}

func TestAllocDoesNotReuseWhilePinned(t *testing.T) {
	a := newTestAllocator()
	p1 := a.GetPins()
	defer a.PutPins(p1)

	obj := a.Alloc(p1)
	p1.Pin(1, obj)

	p2 := a.GetPins()
	defer a.PutPins(p2)

	// Retire obj and nine fresh objects, so the tenth PinsFree flushes the
	// purgatory.
	a.PinsFree(p2, obj)
	for i := 1; i < PurgatorySize; i++ {
		a.PinsFree(p2, a.Alloc(p2))
	}

	// obj is pinned by p1 in slot 1, so it must still be reachable, not
	// quietly reused by another Alloc.
	for i := 0; i < PurgatorySize; i++ {
		if a.Alloc(p2) == obj {
			t.Fatal("Alloc handed out an object that is still pinned")
		}
	}
	found := false
	a.box.pins.Iterate(func(_ uint32, pp *Pins[node]) {
		if pp.pin[1].Load() == obj {
			found = true
		}
	})
	if !found {
		t.Fatal("pinned object was not found among pin slots")
	}

	p1.Unpin(1)
}

func TestGetPinsConcurrent(t *testing.T) {
	a := newTestAllocator()
	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	seen := make([]*Pins[node], n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			p := a.GetPins()
			seen[i] = p
		}(i)
	}
	wg.Wait()

	index := map[*Pins[node]]bool{}
	for _, p := range seen {
		if p == nil {
			t.Fatal("GetPins returned nil")
		}
		index[p] = true
	}
	if len(index) != n {
		t.Fatalf("expected %d distinct Pins, got %d", n, len(index))
	}
	for _, p := range seen {
		a.PutPins(p)
	}
}

func TestAllocatorTeardownInvokesDestructor(t *testing.T) {
	var destroyed []int
	var mu sync.Mutex
	dtor := func(n *node) {
		mu.Lock()
		destroyed = append(destroyed, n.value)
		mu.Unlock()
	}

	a := NewAllocator(nodeNext, nodeSetNext, nil, dtor)
	p := a.GetPins()
	obj := a.Alloc(p)
	obj.value = 7
	a.PinsFree(p, obj)
	a.PutPins(p)

	a.Teardown()
	if len(destroyed) != 1 || destroyed[0] != 7 {
		t.Fatalf("Teardown destroyed = %v, want [7]", destroyed)
	}
}

func TestCopyPinMustGoUpward(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic copying a pin downward")
		}
	}()
	var p Pins[node]
	p.CopyPin(0, 1)
}
