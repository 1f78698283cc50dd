package math

import "testing"

func TestClamp(t *testing.T) {
	if got := Clamp(5, 0, 3); got != 3 {
		t.Fatalf("Clamp(5,0,3) = %d", got)
	}
	if got := Clamp(-1.5, 0.0, 3.0); got != 0 {
		t.Fatalf("Clamp(-1.5,0,3) = %f", got)
	}
	if got := Clamp[uint32](2, 1, 3); got != 2 {
		t.Fatalf("Clamp(2,1,3) = %d", got)
	}
}

func TestAlignUp(t *testing.T) {
	cases := []struct{ v, align, want uint64 }{
		{0, 256, 0},
		{1, 256, 256},
		{256, 256, 256},
		{257, 256, 512},
		{13, 0, 13},
	}
	for _, c := range cases {
		if got := AlignUp(c.v, c.align); got != c.want {
			t.Errorf("AlignUp(%d,%d) = %d, want %d", c.v, c.align, got, c.want)
		}
	}
	if IsPowerOfTwo[uint64](0) || !IsPowerOfTwo[uint64](64) || IsPowerOfTwo[uint64](96) {
		t.Fatal("IsPowerOfTwo misbehaves")
	}
}

func TestMat4IdentityMul(t *testing.T) {
	o := NewMat4Orthographic(0, 800, 600, 0, -1, 1)
	if got := NewMat4Identity().Mul(o); got != o {
		t.Fatalf("identity * m != m: %v", got)
	}
	if len(o.Bytes()) != 64 {
		t.Fatal("mat4 push constant must be 64 bytes")
	}
}
