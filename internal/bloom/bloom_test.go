package bloom

import (
	"encoding/hex"
	"testing"
)

func TestFilterInsertContains(t *testing.T) {
	data, err := hex.DecodeString("99108ad8ed9bb6274d3980bab5a85c048f0950c8")
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}

	f := New(3, 0.01, 0, 0)
	f.Insert(data)
	if !f.Contains(data) {
		t.Fatalf("expected filter to contain inserted data")
	}
}

func TestFilterNoFalseNegatives(t *testing.T) {
	f := New(10, 0.001, 123, 0)
	items := [][]byte{
		[]byte("alpha"), []byte("bravo"), []byte("charlie"),
		[]byte("delta"), []byte("echo"), []byte("foxtrot"),
	}
	for _, item := range items {
		f.Insert(item)
	}
	for _, item := range items {
		if !f.Contains(item) {
			t.Fatalf("expected filter to contain %q after insert", item)
		}
	}
}

func TestFilterSizeBounds(t *testing.T) {
	cases := []struct {
		n int
		p float64
	}{
		{1, 0.5},
		{1000, 0.0001},
		{1000000, 0.01},
		{1, 0.000001},
	}
	for _, c := range cases {
		f := New(c.n, c.p, 0, 0)
		if len(f.Bits()) > maxFilterBytes {
			t.Errorf("n=%d p=%v: m_bytes=%d exceeds max %d", c.n, c.p, len(f.Bits()), maxFilterBytes)
		}
		if f.NumHashFuncs() > maxHashFuncs {
			t.Errorf("n=%d p=%v: k=%d exceeds max %d", c.n, c.p, f.NumHashFuncs(), maxHashFuncs)
		}
	}
}

func TestFilterZeroElementsNoDivideByZero(t *testing.T) {
	f := New(0, 0.01, 0, 0)
	if f.NumHashFuncs() != 0 {
		t.Fatalf("expected k=0 when n=0, got %d", f.NumHashFuncs())
	}
	// Insert/Contains must not panic (divide-by-zero) when m_bytes == 0.
	// With k == 0 the membership test is vacuously true for everything.
	f.Insert([]byte("anything"))
	if !f.Contains([]byte("anything")) {
		t.Fatalf("k=0 filter must vacuously contain everything")
	}
}

func TestFilterAccessors(t *testing.T) {
	f := New(5, 0.01, 0xdeadbeef, 0x42)
	if f.Tweak() != 0xdeadbeef {
		t.Errorf("tweak = %x, want %x", f.Tweak(), 0xdeadbeef)
	}
	if f.Flags() != 0x42 {
		t.Errorf("flags = %x, want %x", f.Flags(), 0x42)
	}
}
