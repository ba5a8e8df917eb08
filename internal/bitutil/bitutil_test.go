package bitutil

import "testing"

func TestReverseBits32(t *testing.T) {
	if got := ReverseBits32(1); got != 1<<31 {
		t.Errorf("ReverseBits32(1) = %b, want %b", got, uint32(1)<<31)
	}
	if got := ReverseBits32(0); got != 0 {
		t.Errorf("ReverseBits32(0) = %v, want 0", got)
	}
	// reversing twice is the identity
	v := uint32(0xdeadbeef)
	if got := ReverseBits32(ReverseBits32(v)); got != v {
		t.Errorf("double reverse = %x, want %x", got, v)
	}
}

func TestClearHighestBit(t *testing.T) {
	cases := []struct{ in, want uint32 }{
		{0, 0},
		{1, 0},
		{0b10, 0},
		{0b11, 0b01},
		{0b1010, 0b0010},
	}
	for _, c := range cases {
		if got := ClearHighestBit(c.in); got != c.want {
			t.Errorf("ClearHighestBit(%b) = %b, want %b", c.in, got, c.want)
		}
	}
}

func TestNextPowerOfTwo(t *testing.T) {
	cases := []struct{ in, want uint32 }{
		{0, 1}, {1, 1}, {2, 2}, {3, 4}, {5, 8}, {16, 16}, {17, 32},
	}
	for _, c := range cases {
		if got := NextPowerOfTwo(c.in); got != c.want {
			t.Errorf("NextPowerOfTwo(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	for _, v := range []uint32{1, 2, 4, 1024} {
		if !IsPowerOfTwo(v) {
			t.Errorf("IsPowerOfTwo(%d) = false, want true", v)
		}
	}
	for _, v := range []uint32{0, 3, 5, 6, 1023} {
		if IsPowerOfTwo(v) {
			t.Errorf("IsPowerOfTwo(%d) = true, want false", v)
		}
	}
}
