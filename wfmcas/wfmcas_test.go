package wfmcas

import (
	"sync"
	"sync/atomic"
	"testing"

	"quay/limbo"
)

func newTestRCU(lb *limbo.Engine) (*limbo.ThreadInfo, *limbo.LimboHandle) {
	ti := lb.Register()
	return ti, ti.NewHandle()
}

func TestSingleMcasSucceedsAndIsVisible(t *testing.T) {
	e := NewEngine(1)
	lb := limbo.NewEngine(1)
	w := e.Register()
	_, rcu := newTestRCU(lb)
	defer rcu.Delete()

	var a, b atomic.Uint64
	a.Store(1)
	b.Store(2)

	ok := w.Mcas(rcu, []*CasRow{
		{Addr: &a, Expected: 1, New: 10},
		{Addr: &b, Expected: 2, New: 20},
	})
	if !ok {
		t.Fatal("Mcas reported failure on an uncontended, matching operation")
	}
	if got := w.Read(rcu, &a); got != 10 {
		t.Fatalf("Read(a) = %d, want 10", got)
	}
	if got := w.Read(rcu, &b); got != 20 {
		t.Fatalf("Read(b) = %d, want 20", got)
	}
}

func TestMcasFailsAtomicallyOnMismatch(t *testing.T) {
	e := NewEngine(1)
	lb := limbo.NewEngine(1)
	w := e.Register()
	_, rcu := newTestRCU(lb)
	defer rcu.Delete()

	var a, b atomic.Uint64
	a.Store(1)
	b.Store(2)

	ok := w.Mcas(rcu, []*CasRow{
		{Addr: &a, Expected: 1, New: 10},
		{Addr: &b, Expected: 999, New: 20}, // wrong expected value
	})
	if ok {
		t.Fatal("Mcas reported success despite a mismatched row")
	}
	if got := w.Read(rcu, &a); got != 1 {
		t.Fatalf("Read(a) after a failed Mcas = %d, want unchanged 1", got)
	}
	if got := w.Read(rcu, &b); got != 2 {
		t.Fatalf("Read(b) after a failed Mcas = %d, want unchanged 2", got)
	}
}

func TestConcurrentMcasKeepsPairSumInvariant(t *testing.T) {
	// Spec.md §8's WFMCAS two-element-array scenario: many workers move
	// units from cell a to cell b with a single Mcas call per move, racing
	// a reader that checks the pair never appears torn.
	const workers = 6
	const movesPerWorker = 300
	const total = uint64(100)

	e := NewEngine(workers + 1) // +1 for the reader's own worker slot
	lb := limbo.NewEngine(workers + 1)

	var a, b atomic.Uint64
	a.Store(total)
	b.Store(0)

	stop := make(chan struct{})
	var readerWg sync.WaitGroup
	readerWg.Add(1)
	go func() {
		defer readerWg.Done()
		w := e.Register()
		_, rcu := newTestRCU(lb)
		defer rcu.Delete()
		for {
			select {
			case <-stop:
				return
			default:
			}
			av, bv := w.Read(rcu, &a), w.Read(rcu, &b)
			if av+bv != total {
				t.Errorf("reader observed a torn pair: a=%d b=%d, want sum %d", av, bv, total)
				return
			}
		}
	}()

	var moversWg sync.WaitGroup
	moversWg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer moversWg.Done()
			w := e.Register()
			_, rcu := newTestRCU(lb)
			defer rcu.Delete()
			for j := 0; j < movesPerWorker; j++ {
				av, bv := w.Read(rcu, &a), w.Read(rcu, &b)
				if av == 0 {
					continue
				}
				w.Mcas(rcu, []*CasRow{
					{Addr: &a, Expected: av, New: av - 1},
					{Addr: &b, Expected: bv, New: bv + 1},
				})
			}
		}()
	}

	moversWg.Wait()
	close(stop)
	readerWg.Wait()
}

func TestRegisterExceedsWorkerCountPanics(t *testing.T) {
	e := NewEngine(1)
	e.Register()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic registering past worker capacity")
		}
	}()
	e.Register()
}
