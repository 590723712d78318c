package bus

import (
	"errors"
	"testing"
)

const ramBase = 0x8000_0000

func newTestBus(t *testing.T) (*Bus, *Memory) {
	t.Helper()
	mem := NewMemory(0x1000)
	b, err := New(Mapping{Name: "ram", Base: ramBase, Device: mem})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b, mem
}

func TestReadWriteWidths(t *testing.T) {
	b, mem := newTestBus(t)

	if err := b.Write64(ramBase, 0x1122_3344_5566_7788); err != nil {
		t.Fatal(err)
	}
	if mem.Data[0] != 0x88 || mem.Data[7] != 0x11 {
		t.Fatalf("not little-endian: % x", mem.Data[:8])
	}

	if v, _ := b.Read8(ramBase + 1); v != 0x77 {
		t.Errorf("Read8: got %#x", v)
	}
	if v, _ := b.Read16(ramBase + 2); v != 0x5566 {
		t.Errorf("Read16: got %#x", v)
	}
	if v, _ := b.Read32(ramBase + 4); v != 0x1122_3344 {
		t.Errorf("Read32: got %#x", v)
	}

	if err := b.Write16(ramBase+8, 0xbeef); err != nil {
		t.Fatal(err)
	}
	if err := b.Write8(ramBase+10, 0x7f); err != nil {
		t.Fatal(err)
	}
	if v, _ := b.Read32(ramBase + 8); v != 0x007f_beef {
		t.Errorf("Read32 after partial writes: got %#x", v)
	}
}

func TestUnmapped(t *testing.T) {
	b, _ := newTestBus(t)

	_, err := b.Read32(0x1234)
	if !errors.Is(err, ErrUnmapped) {
		t.Fatalf("expected ErrUnmapped, got %v", err)
	}
	var ae *AccessError
	if !errors.As(err, &ae) || ae.Addr != 0x1234 || ae.Write {
		t.Fatalf("unexpected error detail: %v", err)
	}

	// Straddling the end of RAM is not a valid access.
	if err := b.Write64(ramBase+0xffc, 0); !errors.Is(err, ErrUnmapped) {
		t.Fatalf("expected ErrUnmapped for straddling write, got %v", err)
	}

	if _, err := b.Read(ramBase, 3); !errors.Is(err, ErrAccessSize) {
		t.Fatalf("expected ErrAccessSize, got %v", err)
	}
}

func TestOverlapRejected(t *testing.T) {
	_, err := New(
		Mapping{Name: "a", Base: 0x1000, Device: NewMemory(0x100)},
		Mapping{Name: "b", Base: 0x10f0, Device: NewMemory(0x100)},
	)
	if !errors.Is(err, ErrOverlap) {
		t.Fatalf("expected ErrOverlap, got %v", err)
	}

	b, err := New(
		Mapping{Name: "hi", Base: 0x2000, Device: NewMemory(0x100)},
		Mapping{Name: "lo", Base: 0x1000, Device: NewMemory(0x1000)},
	)
	if err != nil {
		t.Fatalf("adjacent mappings: %v", err)
	}
	if m := b.Mappings(); m[0].Name != "lo" || m[1].Name != "hi" {
		t.Fatalf("mappings not sorted: %+v", m)
	}
	if err := b.Write8(0x1fff, 1); err != nil {
		t.Fatalf("write at end of lo: %v", err)
	}
	if err := b.Write8(0x2000, 2); err != nil {
		t.Fatalf("write at start of hi: %v", err)
	}
}

func TestLoadBytes(t *testing.T) {
	b, mem := newTestBus(t)

	if err := b.LoadBytes(ramBase+0x10, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if v, _ := b.Read32(ramBase + 0x10); v != 0x0403_0201 {
		t.Errorf("Read32: got %#x", v)
	}
	if err := b.Zero(ramBase+0x11, 2); err != nil {
		t.Fatal(err)
	}
	if mem.Data[0x10] != 1 || mem.Data[0x11] != 0 || mem.Data[0x12] != 0 || mem.Data[0x13] != 4 {
		t.Errorf("Zero: got % x", mem.Data[0x10:0x14])
	}
	if err := b.LoadBytes(0x10, []byte{1}); !errors.Is(err, ErrUnmapped) {
		t.Errorf("expected ErrUnmapped, got %v", err)
	}
}

func TestStoreConditional(t *testing.T) {
	b, _ := newTestBus(t)
	addr := uint64(ramBase + 0x100)

	if _, err := b.LoadReserved(0, addr, 4); err != nil {
		t.Fatal(err)
	}
	ok, err := b.StoreConditional(0, addr, 4, 42)
	if err != nil || !ok {
		t.Fatalf("SC after LR: ok=%v err=%v", ok, err)
	}
	if v, _ := b.Read32(addr); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}

	// The reservation was consumed.
	ok, _ = b.StoreConditional(0, addr, 4, 7)
	if ok {
		t.Fatal("second SC succeeded without a reservation")
	}
	if v, _ := b.Read32(addr); v != 42 {
		t.Fatalf("failed SC modified memory: %d", v)
	}
}

func TestCrossHartInvalidation(t *testing.T) {
	b, _ := newTestBus(t)
	addr := uint64(ramBase + 0x200)

	if _, err := b.LoadReserved(0, addr, 8); err != nil {
		t.Fatal(err)
	}
	if _, err := b.LoadReserved(1, addr, 8); err != nil {
		t.Fatal(err)
	}
	if _, err := b.LoadReserved(2, addr+8, 8); err != nil {
		t.Fatal(err)
	}

	// A plain store from anyone drops every reservation on that address.
	if err := b.Write64(addr, 5); err != nil {
		t.Fatal(err)
	}
	for hart := 0; hart < 2; hart++ {
		if ok, _ := b.StoreConditional(hart, addr, 8, 9); ok {
			t.Errorf("hart %d: SC succeeded after another store", hart)
		}
	}
	if !b.Reservations().Check(2, addr+8) {
		t.Error("reservation on a different address was dropped")
	}
}

func TestOverlappingStoreInvalidates(t *testing.T) {
	tests := []struct {
		name  string
		addr  uint64
		size  int
		drops bool
	}{
		{"doubleword below", 0x3fc, 8, true},
		{"byte inside", 0x402, 1, true},
		{"word below", 0x3fc, 4, false},
		{"word above", 0x404, 4, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newTestBus(t)
			addr := uint64(ramBase + 0x400)
			if _, err := b.LoadReserved(0, addr, 4); err != nil {
				t.Fatal(err)
			}
			if err := b.Write(ramBase+tt.addr, tt.size, 0); err != nil {
				t.Fatal(err)
			}
			ok, err := b.StoreConditional(0, addr, 4, 1)
			if err != nil {
				t.Fatal(err)
			}
			if ok == tt.drops {
				t.Fatalf("SC ok=%v after %d-byte store at +%#x", ok, tt.size, tt.addr)
			}
		})
	}
}

func TestAtomicRMW(t *testing.T) {
	b, _ := newTestBus(t)
	addr := uint64(ramBase + 0x300)
	_ = b.Write32(addr, 10)
	b.Reservations().Reserve(3, addr, 4)

	old, err := b.AtomicRMW(addr, 4, func(v uint64) uint64 { return v + 5 })
	if err != nil {
		t.Fatal(err)
	}
	if old != 10 {
		t.Errorf("old: expected 10, got %d", old)
	}
	if v, _ := b.Read32(addr); v != 15 {
		t.Errorf("new: expected 15, got %d", v)
	}
	if b.Reservations().Check(3, addr) {
		t.Error("AMO did not invalidate reservation")
	}

	if _, err := b.AtomicRMW(0x10, 4, func(v uint64) uint64 { return v }); !errors.Is(err, ErrUnmapped) {
		t.Errorf("expected ErrUnmapped, got %v", err)
	}
}

func TestReservations(t *testing.T) {
	r := NewReservations()
	r.Reserve(0, 0x100, 8)
	r.Reserve(0, 0x200, 8)
	if r.Check(0, 0x100) || !r.Check(0, 0x200) {
		t.Fatal("reserve must replace the previous entry")
	}
	r.Reserve(1, 0x200, 4)
	r.Invalidate(0x200, 1)
	if r.Len() != 0 {
		t.Fatalf("expected empty table, got %d entries", r.Len())
	}
	r.Reserve(2, 0x300, 4)
	r.Clear(2)
	if r.Check(2, 0x300) {
		t.Fatal("clear did not drop the reservation")
	}
}
