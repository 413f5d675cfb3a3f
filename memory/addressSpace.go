package memory

import (
	"errors"
	"fmt"
)

var (
	errAddrSpaceOccupied = errors.New("address space occupied")
	errAddrOutOfRange    = errors.New("address out of range")
)

// AddressSpace is a named range of guest physical addresses that may be
// carved into non-overlapping children.
type AddressSpace struct {
	Name      string
	Start     uint64
	Size      uint64
	Addresses []*AddressSpace
}

func NewAddressSpace(name string, start, size uint64) *AddressSpace {
	return &AddressSpace{
		Name:  name,
		Start: start,
		Size:  size,
	}
}

// End is the first address past the range.
func (a *AddressSpace) End() uint64 {
	return a.Start + a.Size
}

// AddAddress reserves addr inside a.
func (a *AddressSpace) AddAddress(addr *AddressSpace) error {
	if !a.InRange(addr) {
		return fmt.Errorf("%w: %s [%#x, %#x) not in %s", errAddrOutOfRange,
			addr.Name, addr.Start, addr.End(), a.Name)
	}

	if other := a.overlapping(addr); other != nil {
		return fmt.Errorf("%w: %s overlaps %s", errAddrSpaceOccupied, addr.Name, other.Name)
	}

	a.Addresses = append(a.Addresses, addr)

	return nil
}

// RemoveAddress drops a previously added child.
func (a *AddressSpace) RemoveAddress(addr *AddressSpace) {
	for i, x := range a.Addresses {
		if x == addr {
			a.Addresses = append(a.Addresses[:i], a.Addresses[i+1:]...)

			return
		}
	}
}

// InRange reports whether addr lies entirely within a.
func (a *AddressSpace) InRange(addr *AddressSpace) bool {
	return addr.Size > 0 && addr.Start >= a.Start && addr.End() <= a.End() && addr.End() > addr.Start
}

// IsFree reports whether no child of a overlaps ad.
func (a *AddressSpace) IsFree(ad *AddressSpace) bool {
	return a.overlapping(ad) == nil
}

func (a *AddressSpace) overlapping(ad *AddressSpace) *AddressSpace {
	for _, addr := range a.Addresses {
		if addr.Start < ad.End() && ad.Start < addr.End() {
			return addr
		}
	}

	return nil
}
