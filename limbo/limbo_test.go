package limbo

import (
	"sync"
	"testing"
)

func TestNewHandleMinEpochTracksOldest(t *testing.T) {
	e := NewEngine(1)
	ti := e.Register()

	h1 := ti.NewHandle()
	if got := ti.minEpoch.Load(); got != h1.Epoch() {
		t.Fatalf("minEpoch = %d, want %d", got, h1.Epoch())
	}

	h2 := ti.NewHandle()
	if got := ti.minEpoch.Load(); got != h1.Epoch() {
		t.Fatalf("minEpoch after second handle = %d, want still %d (oldest)", got, h1.Epoch())
	}

	h1.Delete()
	if got := ti.minEpoch.Load(); got != h2.Epoch() {
		t.Fatalf("minEpoch after deleting oldest = %d, want %d", got, h2.Epoch())
	}
	h2.Delete()
	if got := ti.minEpoch.Load(); got != 0 {
		t.Fatalf("minEpoch after deleting all handles = %d, want 0", got)
	}
}

func TestCallbackReclaimedAfterGraceAndDelete(t *testing.T) {
	e := NewEngine(1)
	ti := e.Register()

	var reclaimed bool
	h := ti.NewHandle()
	h.RegisterCallback(func() { reclaimed = true })
	h.Delete() // flushes batch, unlinks, republishes minEpoch=0, runs hardFree

	if !reclaimed {
		t.Fatal("callback was not invoked once the handle that staged it was deleted")
	}
}

func TestRetiredItemNotFreedWhileOlderHandleAlive(t *testing.T) {
	e := NewEngine(1)
	ti := e.Register()

	blocker := ti.NewHandle() // stays alive, holds back reclamation

	var reclaimed bool
	h := ti.NewHandle()
	h.RegisterCallback(func() { reclaimed = true })
	h.Delete()

	if reclaimed {
		t.Fatal("callback ran before the older blocking handle was deleted")
	}

	blocker.Delete()
	if !reclaimed {
		t.Fatal("callback should have run once the blocking handle was deleted")
	}
}

func TestPoolTagRecyclesBuffer(t *testing.T) {
	e := NewEngine(1)
	ti := e.Register()
	const tag = 3

	h := ti.NewHandle()
	buf := h.Alloc(64, tag)
	buf[0] = 'a'
	h.Dealloc(buf, tag)
	h.Delete()

	h2 := ti.NewHandle()
	defer h2.Delete()
	buf2 := h2.Alloc(64, tag)
	if buf2[0] != 0 {
		t.Fatal("pooled buffer was not zeroed on reuse")
	}
}

func TestSmoke(t *testing.T) {
	// Scaled-down version of spec.md §8's RCU smoke test: W workers each
	// looping { h := NewHandle(); p := h.Alloc(64); p[0]='a'; h.Dealloc(p);
	// h.Delete() }, checking no crash and that the minEpoch each live
	// handle publishes strictly increases from one iteration to the next.
	const workers = 4
	const iterations = 2000

	e := NewEngine(workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			ti := e.Register()
			var lastMin uint64
			for i := 0; i < iterations; i++ {
				h := ti.NewHandle()
				m := ti.minEpoch.Load()
				if m <= lastMin {
					t.Errorf("minEpoch did not advance: %d then %d", lastMin, m)
				}
				lastMin = m
				p := h.Alloc(64, 1)
				p[0] = 'a'
				h.Dealloc(p, 1)
				h.Delete()
			}
			e.Deregister(ti)
		}()
	}
	wg.Wait()

	stats := e.Stats()
	if stats.RegisteredThreads != 0 {
		t.Fatalf("expected all workers deregistered, got %d remaining", stats.RegisteredThreads)
	}
}

func TestRegisterExceedsCapacityPanics(t *testing.T) {
	e := NewEngine(1)
	e.Register()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic registering past capacity")
		}
	}()
	e.Register()
}
