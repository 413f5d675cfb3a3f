package memory

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

var (
	errNoSlotsAvail = errors.New("maximal numbers of slots exhausted")
	errSlotNotFound = errors.New("unable to find MemorySlot")
	errBadSlotSize  = errors.New("slot size must be a positive multiple of the page size")
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift

	// physAddrBits bounds the guest physical address space.
	physAddrBits = 52
)

// Flags mirror the KVM user memory region flags.
type Flags uint32

const (
	LogDirtyPages Flags = 1 << 0
	ReadOnly      Flags = 1 << 1
)

// Memory is the set of guest physical memory slots of one VM.
type Memory struct {
	mu       sync.RWMutex
	Slots    []*MemorySlot
	MaxSlots uint32
	as       *AddressSpace
}

// MemorySlot is one contiguous guest physical range backed by anonymous
// host memory.
type MemorySlot struct {
	Slot  uint32
	Addr  uint64
	Size  int
	Flags Flags
	AS    *AddressSpace
	Buf   []byte

	// dirty has one bit per page, set whenever the host writes the page
	// through a WriteGuard.
	dirty []atomic.Uint64
}

func New(maxSlots uint32) *Memory {
	return &Memory{
		MaxSlots: maxSlots,
		as:       NewAddressSpace("guest-phys", 0, 1<<physAddrBits),
	}
}

// NewMemorySlot maps size bytes of host memory at guest physical addr.
// Read-only slots are mapped PROT_READ on the host as well, so host writes
// must go through a WriteGuard.
func (m *Memory) NewMemorySlot(addr uint64, size int, flags Flags) (*MemorySlot, error) {
	if size <= 0 || size%PageSize != 0 || addr%PageSize != 0 {
		return nil, fmt.Errorf("%w: addr %#x size %#x", errBadSlotSize, addr, size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.Slots) >= int(m.MaxSlots) {
		return nil, errNoSlotsAvail
	}

	as := NewAddressSpace(fmt.Sprintf("slot%d", len(m.Slots)), addr, uint64(size))
	if err := m.as.AddAddress(as); err != nil {
		return nil, err
	}

	prot := unix.PROT_READ | unix.PROT_WRITE
	if flags&ReadOnly != 0 {
		prot = unix.PROT_READ
	}

	buf, err := unix.Mmap(-1, 0, size, prot, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		m.as.RemoveAddress(as)

		return nil, fmt.Errorf("mmap slot at %#x: %w", addr, err)
	}

	slot := &MemorySlot{
		Slot:  uint32(len(m.Slots)),
		Addr:  addr,
		Size:  size,
		Flags: flags,
		AS:    as,
		Buf:   buf,
		dirty: make([]atomic.Uint64, (size/PageSize+63)/64),
	}

	m.Slots = append(m.Slots, slot)

	return slot, nil
}

func (m *Memory) FindSlot(addr uint64, size int) (*MemorySlot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, slot := range m.Slots {
		if slot.contains(addr, size) {
			return slot, nil
		}
	}

	return nil, errSlotNotFound
}

// Translate returns the host mapping of [gpa, gpa+size). It never faults:
// ranges not wholly inside a single slot yield false.
func (m *Memory) Translate(gpa uint64, size int) (*Page, bool) {
	slot, err := m.FindSlot(gpa, size)
	if err != nil {
		return nil, false
	}

	off := gpa - slot.Addr

	return &Page{
		GPA:   gpa,
		Bytes: slot.Buf[off : off+uint64(size) : off+uint64(size)],
		slot:  slot,
	}, true
}

// Close unmaps every slot.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error

	for _, slot := range m.Slots {
		if err := unix.Munmap(slot.Buf); err != nil {
			errs = append(errs, fmt.Errorf("munmap slot %d: %w", slot.Slot, err))
		}

		m.as.RemoveAddress(slot.AS)
	}

	m.Slots = nil

	return errors.Join(errs...)
}

func (s *MemorySlot) contains(addr uint64, size int) bool {
	if size <= 0 || addr < s.Addr {
		return false
	}

	off := addr - s.Addr

	return off < uint64(s.Size) && uint64(size) <= uint64(s.Size)-off
}

// DirtyPages returns the guest physical addresses of pages written by
// the host since the last ClearDirty.
func (s *MemorySlot) DirtyPages() []uint64 {
	var pages []uint64

	for w := range s.dirty {
		bits := s.dirty[w].Load()
		for b := 0; b < 64; b++ {
			if bits&(1<<b) != 0 {
				pages = append(pages, s.Addr+uint64(w*64+b)<<PageShift)
			}
		}
	}

	return pages
}

func (s *MemorySlot) ClearDirty() {
	for w := range s.dirty {
		s.dirty[w].Store(0)
	}
}

func (s *MemorySlot) markDirty(first, last int) {
	for p := first; p <= last; p++ {
		s.dirty[p/64].Or(1 << (p % 64))
	}
}
