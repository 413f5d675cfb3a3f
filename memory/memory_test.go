package memory_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gokvm/hvenlight/memory"
)

func newMemory(t *testing.T) *memory.Memory {
	t.Helper()

	m := memory.New(4)

	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Error(err)
		}
	})

	return m
}

func TestNewMemorySlot(t *testing.T) {
	t.Parallel()

	m := newMemory(t)

	if _, err := m.NewMemorySlot(0, 16*memory.PageSize, 0); err != nil {
		t.Fatal(err)
	}

	for _, test := range []struct {
		name string
		addr uint64
		size int
	}{
		{name: "Overlap", addr: 8 * memory.PageSize, size: 16 * memory.PageSize},
		{name: "Unaligned", addr: 0x100001, size: memory.PageSize},
		{name: "ZeroSize", addr: 0x200000, size: 0},
		{name: "PartialPage", addr: 0x200000, size: 100},
	} {
		if _, err := m.NewMemorySlot(test.addr, test.size, 0); err == nil {
			t.Errorf("%s: NewMemorySlot(%#x, %#x) succeeded", test.name, test.addr, test.size)
		}
	}

	if _, err := m.NewMemorySlot(16*memory.PageSize, memory.PageSize, 0); err != nil {
		t.Errorf("adjacent slot: %v", err)
	}
}

func TestMaxSlots(t *testing.T) {
	t.Parallel()

	m := newMemory(t)

	for i := 0; i < 4; i++ {
		if _, err := m.NewMemorySlot(uint64(i)*memory.PageSize, memory.PageSize, 0); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := m.NewMemorySlot(0x100000, memory.PageSize, 0); err == nil {
		t.Fatal("fifth slot accepted")
	}
}

func TestTranslate(t *testing.T) {
	t.Parallel()

	m := newMemory(t)

	slot, err := m.NewMemorySlot(0x10000, 4*memory.PageSize, 0)
	if err != nil {
		t.Fatal(err)
	}

	p, ok := m.Translate(0x11000, memory.PageSize)
	if !ok {
		t.Fatal("Translate failed inside slot")
	}

	p.Bytes[0] = 0xaa

	if slot.Buf[0x1000] != 0xaa {
		t.Fatal("page does not alias slot memory")
	}

	if len(p.Bytes) != memory.PageSize || cap(p.Bytes) != memory.PageSize {
		t.Fatalf("len/cap = %d/%d", len(p.Bytes), cap(p.Bytes))
	}

	for _, gpa := range []uint64{0, 0xf000, 0x13800, 0x14000, 1 << 40, 0xFFFFFFFFFFFFF000} {
		if _, ok := m.Translate(gpa, memory.PageSize); ok {
			t.Errorf("Translate(%#x) succeeded outside slots", gpa)
		}
	}
}

func TestTranslateTopOfSlot(t *testing.T) {
	t.Parallel()

	m := newMemory(t)

	if _, err := m.NewMemorySlot(0x10000, 2*memory.PageSize, 0); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		gpa  uint64
		size int
		ok   bool
	}{
		{0x11000, memory.PageSize, true},
		{0x11fff, 1, true},
		{0x11fff, 2, false},
		{0x11000, memory.PageSize + 1, false},
		{0x10000, 0, false},
		{0x12000, 1, false},
		{0xFFFFFFFFFFFFF000, memory.PageSize, false},
		{0xFFFFFFFFFFFFFFFF, 1, false},
	}

	for _, c := range cases {
		if _, ok := m.Translate(c.gpa, c.size); ok != c.ok {
			t.Errorf("Translate(%#x, %d) ok = %v, want %v", c.gpa, c.size, ok, c.ok)
		}
	}
}

func TestWriteGuardDirty(t *testing.T) {
	t.Parallel()

	m := newMemory(t)

	slot, err := m.NewMemorySlot(0x20000, 4*memory.PageSize, 0)
	if err != nil {
		t.Fatal(err)
	}

	p, _ := m.Translate(0x22000, memory.PageSize)

	g, err := p.BeginWrite()
	if err != nil {
		t.Fatal(err)
	}

	p.Bytes[8] = 1

	if err := g.End(); err != nil {
		t.Fatal(err)
	}

	if err := g.End(); err != nil {
		t.Fatalf("second End: %v", err)
	}

	if diff := cmp.Diff([]uint64{0x22000}, slot.DirtyPages()); diff != "" {
		t.Errorf("DirtyPages mismatch (-want +got):\n%s", diff)
	}

	slot.ClearDirty()

	if got := slot.DirtyPages(); len(got) != 0 {
		t.Errorf("DirtyPages after clear = %v", got)
	}
}

func TestWriteGuardReadOnlySlot(t *testing.T) {
	t.Parallel()

	m := newMemory(t)

	slot, err := m.NewMemorySlot(0x40000, 2*memory.PageSize, memory.ReadOnly)
	if err != nil {
		t.Fatal(err)
	}

	p, ok := m.Translate(0x41000, memory.PageSize)
	if !ok {
		t.Fatal("Translate failed")
	}

	for i := 0; i < 3; i++ {
		g, err := p.BeginWrite()
		if err != nil {
			t.Fatal(err)
		}

		p.Bytes[0] = byte(i + 1)

		if err := g.End(); err != nil {
			t.Fatal(err)
		}
	}

	if slot.Buf[0x1000] != 3 {
		t.Fatalf("write through guard lost: %d", slot.Buf[0x1000])
	}
}
