package hashmap

import (
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
)

// fnv32 is a tiny FNV-1a hash, good enough for test keys; production callers
// supply their own HashFunc (see the package doc).
func fnv32(key []byte) uint32 {
	h := uint32(2166136261)
	for _, b := range key {
		h ^= uint32(b)
		h *= 16777619
	}
	return h
}

// testElement: 4-byte key at offset 0, 8-byte int64 payload at offset 4,
// matching the element_size=12/key_offset=0/key_len=4 shape spec.md's
// walkthrough uses.
const testElementSize = 12
const testKeyOffset = 0
const testKeyLen = 4

func makeElement(key string, value int64) []byte {
	buf := make([]byte, testElementSize)
	copy(buf, key)
	binary.LittleEndian.PutUint64(buf[4:], uint64(value))
	return buf
}

func elementValue(data []byte) int64 {
	return int64(binary.LittleEndian.Uint64(data[4:]))
}

func TestInsertSearchRemoveSingleThreaded(t *testing.T) {
	m := New(testElementSize, testKeyOffset, testKeyLen, fnv32)
	pins := m.GetPins()
	defer m.PutPins(pins)

	dup, err := m.Insert(pins, makeElement("key1", 42))
	if err != nil || dup {
		t.Fatalf("Insert(key1) = (%v, %v), want (false, nil)", dup, err)
	}

	value, ok := m.Search(pins, []byte("key1"))
	if !ok {
		t.Fatal("Search(key1) did not find the just-inserted element")
	}
	if got := elementValue(value); got != 42 {
		t.Fatalf("Search(key1) value = %d, want 42", got)
	}
	m.SearchUnpin(pins)

	found, err := m.Remove(pins, []byte("key1"))
	if err != nil || !found {
		t.Fatalf("Remove(key1) = (%v, %v), want (true, nil)", found, err)
	}

	found, err = m.Remove(pins, []byte("key1"))
	if err != nil || found {
		t.Fatalf("second Remove(key1) = (%v, %v), want (false, nil)", found, err)
	}

	if _, ok := m.Search(pins, []byte("key1")); ok {
		t.Fatal("Search(key1) found an element after it was removed")
	}
	m.SearchUnpin(pins)
}

func TestUniqueRejectsDuplicate(t *testing.T) {
	m := New(testElementSize, testKeyOffset, testKeyLen, fnv32, WithUniqueKeys())
	pins := m.GetPins()
	defer m.PutPins(pins)

	if dup, _ := m.Insert(pins, makeElement("dupe", 1)); dup {
		t.Fatal("first Insert reported a duplicate")
	}
	dup, err := m.Insert(pins, makeElement("dupe", 2))
	if err != nil || !dup {
		t.Fatalf("second Insert(dupe) = (%v, %v), want (true, nil)", dup, err)
	}

	value, ok := m.Search(pins, []byte("dupe"))
	if !ok {
		t.Fatal("Search(dupe) found nothing")
	}
	if got := elementValue(value); got != 1 {
		t.Fatalf("duplicate Insert overwrote the original element: value = %d, want 1", got)
	}
	m.SearchUnpin(pins)
}

func TestNonUniqueAllowsDuplicateKeys(t *testing.T) {
	m := New(testElementSize, testKeyOffset, testKeyLen, fnv32)
	pins := m.GetPins()
	defer m.PutPins(pins)

	m.Insert(pins, makeElement("k", 1))
	m.Insert(pins, makeElement("k", 2))

	if got := m.Count(); got != 2 {
		t.Fatalf("Count() = %d, want 2 (non-unique map keeps both inserts)", got)
	}
}

func TestGrowthAcrossBuckets(t *testing.T) {
	m := New(testElementSize, testKeyOffset, testKeyLen, fnv32)
	pins := m.GetPins()
	defer m.PutPins(pins)

	const n = 500
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("%04d", i)
		if dup, err := m.Insert(pins, makeElement(key, int64(i))); dup || err != nil {
			t.Fatalf("Insert(%s) = (%v, %v)", key, dup, err)
		}
	}

	if got := m.Count(); got != n {
		t.Fatalf("Count() = %d, want %d", got, n)
	}

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("%04d", i)
		value, ok := m.Search(pins, []byte(key))
		if !ok {
			t.Fatalf("Search(%s) found nothing after growth", key)
		}
		if got := elementValue(value); got != int64(i) {
			t.Fatalf("Search(%s) value = %d, want %d", key, got, i)
		}
		m.SearchUnpin(pins)
	}
}

func TestConcurrentInsertSearchRemove(t *testing.T) {
	m := New(testElementSize, testKeyOffset, testKeyLen, fnv32, WithUniqueKeys())

	const workers = 5
	const perWorker = 200

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			pins := m.GetPins()
			defer m.PutPins(pins)
			for i := 0; i < perWorker; i++ {
				key := fmt.Sprintf("%d%03d", w, i)
				if _, err := m.Insert(pins, makeElement(key, int64(i))); err != nil {
					t.Errorf("Insert(%s) error: %v", key, err)
				}
			}
			for i := 0; i < perWorker; i++ {
				key := fmt.Sprintf("%d%03d", w, i)
				value, ok := m.Search(pins, []byte(key))
				if !ok {
					t.Errorf("Search(%s) found nothing", key)
					continue
				}
				if got := elementValue(value); got != int64(i) {
					t.Errorf("Search(%s) value = %d, want %d", key, got, i)
				}
				m.SearchUnpin(pins)
			}
			for i := 0; i < perWorker; i += 2 {
				key := fmt.Sprintf("%d%03d", w, i)
				if found, err := m.Remove(pins, []byte(key)); !found || err != nil {
					t.Errorf("Remove(%s) = (%v, %v), want (true, nil)", key, found, err)
				}
			}
		}(w)
	}
	wg.Wait()

	if got, want := m.Count(), int64(workers*perWorker/2); got != want {
		t.Fatalf("Count() = %d, want %d", got, want)
	}
}

func TestRandomMatchNeverReturnsARemovedElement(t *testing.T) {
	m := New(testElementSize, testKeyOffset, testKeyLen, fnv32)
	pins := m.GetPins()
	defer m.PutPins(pins)

	for i := 0; i < 64; i++ {
		m.Insert(pins, makeElement(fmt.Sprintf("k%03d", i), int64(i)))
	}
	m.Remove(pins, []byte("k005"))

	var seed uint32 = 12345
	rnd := func() uint32 {
		seed = seed*1664525 + 1013904223
		return seed
	}

	found := false
	for attempt := 0; attempt < 64; attempt++ {
		value, ok := m.RandomMatch(pins, func(data []byte) bool {
			return elementValue(data) == 5
		}, rnd)
		if ok {
			t.Fatalf("RandomMatch returned a removed element: %v", value)
		}
		if value, ok := m.RandomMatch(pins, func(data []byte) bool {
			return elementValue(data) == 10
		}, rnd); ok {
			if got := elementValue(value); got != 10 {
				t.Fatalf("RandomMatch value = %d, want 10", got)
			}
			found = true
		}
	}
	if !found {
		t.Fatal("RandomMatch never found the live element matching value 10 across 64 random starting buckets")
	}
}

// TestRandomMatchWrapsAroundToBucketZero pins a single non-zero starting
// bucket known to sit entirely past the target element's list position, so
// only the bucket-0 wraparound pass can find it.
func TestRandomMatchWrapsAroundToBucketZero(t *testing.T) {
	constHash := func(key []byte) uint32 { return 0 }
	m := New(testElementSize, testKeyOffset, testKeyLen, constHash, WithInitialSize(2))
	pins := m.GetPins()
	defer m.PutPins(pins)

	// constHash puts every insert in bucket 0 (rawHash&1 == 0), so the
	// element's split-order position sits strictly before bucket 1's dummy.
	m.Insert(pins, makeElement("only", 99))

	startAtBucketOne := func() uint32 { return 1 }

	value, ok := m.RandomMatch(pins, func(data []byte) bool {
		return elementValue(data) == 99
	}, startAtBucketOne)
	if !ok {
		t.Fatal("RandomMatch starting past the target's bucket did not wrap around to find it")
	}
	if got := elementValue(value); got != 99 {
		t.Fatalf("RandomMatch value = %d, want 99", got)
	}
}
