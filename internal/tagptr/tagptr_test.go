package tagptr

import (
	"testing"
	"unsafe"
)

func TestPackUnpackLow(t *testing.T) {
	v := new(int)
	*v = 42
	ptr := unsafe.Pointer(v)

	word := PackLow(ptr, false)
	if LowBitSet(word) {
		t.Fatal("expected untagged word")
	}
	gotPtr, flag := UnpackLow(word)
	if flag {
		t.Fatal("expected flag=false")
	}
	if (*int)(gotPtr) != v {
		t.Fatal("pointer round-trip mismatch")
	}

	tagged := PackLow(ptr, true)
	if !LowBitSet(tagged) {
		t.Fatal("expected tagged word")
	}
	gotPtr, flag = UnpackLow(tagged)
	if !flag {
		t.Fatal("expected flag=true")
	}
	if (*int)(gotPtr) != v {
		t.Fatal("pointer round-trip mismatch after tagging")
	}
	if *(*int)(gotPtr) != 42 {
		t.Fatal("unpacked pointer does not reference original value")
	}
}

func TestPackUnpackHigh64(t *testing.T) {
	word := PackHigh64(12345)
	if !IsTaggedHigh64(word) {
		t.Fatal("expected tagged word")
	}
	if got := UnpackHigh64(word); got != 12345 {
		t.Fatalf("UnpackHigh64 = %d, want 12345", got)
	}

	plain := uint64(99)
	if IsTaggedHigh64(plain) {
		t.Fatal("plain value should not look tagged")
	}
}

func TestCheckUserValuePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for top-bit-set user value")
		}
	}()
	CheckUserValue(HighBit64 | 1)
}

func TestPackHigh64PanicsOnOversizedHandle(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for oversized handle")
		}
	}()
	PackHigh64(HighBit64)
}
