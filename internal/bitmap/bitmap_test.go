package bitmap

import "testing"

func TestSetGetClear(t *testing.T) {
	b := New(16)
	if set, err := b.Get(3); err != nil || set {
		t.Fatalf("Get(3) = %v, %v; want false, nil", set, err)
	}
	if err := b.Set(3); err != nil {
		t.Fatalf("Set(3): %v", err)
	}
	if set, err := b.Get(3); err != nil || !set {
		t.Fatalf("Get(3) = %v, %v; want true, nil", set, err)
	}
	if err := b.Clear(3); err != nil {
		t.Fatalf("Clear(3): %v", err)
	}
	if set, _ := b.Get(3); set {
		t.Fatalf("Get(3) after Clear = true; want false")
	}
}

func TestToggle(t *testing.T) {
	b := New(8)
	_ = b.Toggle(5)
	if set, _ := b.Get(5); !set {
		t.Fatalf("bit 5 not set after first toggle")
	}
	_ = b.Toggle(5)
	if set, _ := b.Get(5); set {
		t.Fatalf("bit 5 still set after second toggle")
	}
}

func TestIndexOutOfRange(t *testing.T) {
	b := New(8)
	for _, i := range []int{-1, 8, 100} {
		if _, err := b.Get(i); err == nil {
			t.Errorf("Get(%d): want error, got nil", i)
		}
		if err := b.Set(i); err == nil {
			t.Errorf("Set(%d): want error, got nil", i)
		}
	}
}

func TestSetAllClearAllMasksTail(t *testing.T) {
	b := New(10) // 2 bytes, 6 phantom bits in the second byte
	b.SetAll()
	if got := b.Bytes()[1]; got != 0x03 {
		t.Fatalf("second byte after SetAll = %#x; want 0x03 (tail bits masked)", got)
	}
	if got := b.CountUsed(); got != 10 {
		t.Fatalf("CountUsed() after SetAll = %d; want 10", got)
	}
	if got := b.CountFree(); got != 0 {
		t.Fatalf("CountFree() after SetAll = %d; want 0", got)
	}
	b.ClearAll()
	if got := b.CountUsed(); got != 0 {
		t.Fatalf("CountUsed() after ClearAll = %d; want 0", got)
	}
}

func TestSetRangeClearRange(t *testing.T) {
	b := New(32)
	if err := b.SetRange(4, 12); err != nil {
		t.Fatalf("SetRange(4,12): %v", err)
	}
	for i := 4; i < 12; i++ {
		if set, _ := b.Get(i); !set {
			t.Errorf("bit %d not set after SetRange(4,12)", i)
		}
	}
	if set, _ := b.Get(3); set {
		t.Errorf("bit 3 set, outside range")
	}
	if set, _ := b.Get(12); set {
		t.Errorf("bit 12 set, outside range")
	}
	if err := b.ClearRange(6, 10); err != nil {
		t.Fatalf("ClearRange(6,10): %v", err)
	}
	for i := 6; i < 10; i++ {
		if set, _ := b.Get(i); set {
			t.Errorf("bit %d still set after ClearRange(6,10)", i)
		}
	}

	if err := b.SetRange(-1, 5); err == nil {
		t.Errorf("SetRange(-1,5): want error")
	}
	if err := b.SetRange(0, 100); err == nil {
		t.Errorf("SetRange(0,100): want error")
	}
}

func TestFindFirstFreeSkipsBitZero(t *testing.T) {
	b := New(8)
	idx, err := b.FindFirstFree()
	if err != nil {
		t.Fatalf("FindFirstFree(): %v", err)
	}
	if idx != 1 {
		t.Fatalf("FindFirstFree() = %d; want 1 (bit 0 reserved)", idx)
	}
}

// TestAllocationMonotonicity checks that setting the bit FindFirstFree
// just returned always advances the next free index.
func TestAllocationMonotonicity(t *testing.T) {
	b := New(64)
	last := -1
	for i := 0; i < 10; i++ {
		k, err := b.FindFirstFree()
		if err != nil {
			t.Fatalf("FindFirstFree() iteration %d: %v", i, err)
		}
		if k <= last {
			t.Fatalf("FindFirstFree() = %d; want > %d", k, last)
		}
		last = k
		if err := b.Set(k); err != nil {
			t.Fatalf("Set(%d): %v", k, err)
		}
	}
}

func TestFindNextFree(t *testing.T) {
	b := New(16)
	for _, i := range []int{1, 2, 3, 4} {
		_ = b.Set(i)
	}
	idx, err := b.FindNextFree(2)
	if err != nil {
		t.Fatalf("FindNextFree(2): %v", err)
	}
	if idx != 5 {
		t.Fatalf("FindNextFree(2) = %d; want 5", idx)
	}
}

func TestCountFreeUsedAccounting(t *testing.T) {
	b := New(20)
	if got := b.CountFree(); got != 20 {
		t.Fatalf("CountFree() on fresh bitmap = %d; want 20", got)
	}
	for _, i := range []int{0, 5, 19} {
		_ = b.Set(i)
	}
	if got := b.CountUsed(); got != 3 {
		t.Fatalf("CountUsed() = %d; want 3", got)
	}
	if got := b.CountFree(); got != 17 {
		t.Fatalf("CountFree() = %d; want 17", got)
	}
	if got := b.Bits - b.CountUsed(); got != b.CountFree() {
		t.Fatalf("free+used invariant violated: %d != %d", got, b.CountFree())
	}
}

func TestFromBytesRoundTrip(t *testing.T) {
	b := New(24)
	_ = b.Set(1)
	_ = b.Set(23)
	clone := FromBytes(24, append([]byte{}, b.Bytes()...))
	for i := 0; i < 24; i++ {
		want, _ := b.Get(i)
		got, _ := clone.Get(i)
		if want != got {
			t.Fatalf("bit %d: clone=%v, original=%v", i, got, want)
		}
	}
}

func TestIsValidIndex(t *testing.T) {
	b := New(4)
	if !b.IsValidIndex(0) || !b.IsValidIndex(3) {
		t.Fatalf("IsValidIndex: in-range indices rejected")
	}
	if b.IsValidIndex(-1) || b.IsValidIndex(4) {
		t.Fatalf("IsValidIndex: out-of-range indices accepted")
	}
}

func TestFindFirstUsed(t *testing.T) {
	b := New(10)
	if _, err := b.FindFirstUsed(); err == nil {
		t.Fatalf("FindFirstUsed() on empty bitmap: want error")
	}
	_ = b.Set(7)
	idx, err := b.FindFirstUsed()
	if err != nil {
		t.Fatalf("FindFirstUsed(): %v", err)
	}
	if idx != 7 {
		t.Fatalf("FindFirstUsed() = %d; want 7", idx)
	}
}
