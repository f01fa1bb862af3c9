package arena

import (
	"bytes"
	"testing"
)

func TestAllocReturnsZeroedDistinctSlices(t *testing.T) {
	a := New(nil)
	defer a.Close()

	b1 := a.Alloc(8, 1)
	b2 := a.Alloc(8, 1)
	copy(b1, []byte("aaaaaaaa"))
	copy(b2, []byte("bbbbbbbb"))

	if !bytes.Equal(b1, []byte("aaaaaaaa")) {
		t.Fatalf("b1 corrupted: %q", b1)
	}
	if !bytes.Equal(b2, []byte("bbbbbbbb")) {
		t.Fatalf("b2 corrupted: %q", b2)
	}
}

func TestAllocPointerStabilityAcrossPages(t *testing.T) {
	a := New(nil)
	a.pageSize = 16
	defer a.Close()

	first := a.Alloc(8, 1)
	copy(first, []byte("12345678"))

	// force several new pages
	for i := 0; i < 100; i++ {
		a.Alloc(8, 1)
	}

	if !bytes.Equal(first, []byte("12345678")) {
		t.Fatalf("first allocation corrupted after further allocs: %q", first)
	}
}

func TestAllocAlignment(t *testing.T) {
	a := New(nil)
	defer a.Close()

	a.Alloc(3, 1)
	b := a.Alloc(8, 8)
	// can't take the address directly, but verify length/zeroing contract
	if len(b) != 8 {
		t.Fatalf("len = %d, want 8", len(b))
	}
	for _, c := range b {
		if c != 0 {
			t.Fatalf("expected zeroed allocation, got %v", b)
		}
	}
}

func TestAllocLargerThanPageSize(t *testing.T) {
	a := New(nil)
	a.pageSize = 16
	defer a.Close()

	big := a.Alloc(100, 1)
	if len(big) != 100 {
		t.Fatalf("len = %d, want 100", len(big))
	}
}
