package memory

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Page is a host view of a translated guest physical range.
type Page struct {
	GPA   uint64
	Bytes []byte
	slot  *MemorySlot
}

// WriteGuard brackets a host write into guest memory. It lifts the host
// read-only protection of the covered pages, if any, until End.
type WriteGuard struct {
	page      *Page
	first     int
	last      int
	reprotect bool
	done      bool
}

// BeginWrite opens a write window over p. End must be called on every
// path once BeginWrite has succeeded.
func (p *Page) BeginWrite() (*WriteGuard, error) {
	off := int(p.GPA - p.slot.Addr)
	g := &WriteGuard{
		page:  p,
		first: off >> PageShift,
		last:  (off + len(p.Bytes) - 1) >> PageShift,
	}

	if p.slot.Flags&ReadOnly != 0 {
		if err := unix.Mprotect(g.span(), unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return nil, fmt.Errorf("unprotect %#x: %w", p.GPA, err)
		}

		g.reprotect = true
	}

	return g, nil
}

// span is the page aligned host range covering the guarded bytes.
func (g *WriteGuard) span() []byte {
	buf := g.page.slot.Buf

	return buf[g.first<<PageShift : (g.last+1)<<PageShift]
}

// End closes the window and marks the pages dirty. Calling End more than
// once is harmless.
func (g *WriteGuard) End() error {
	if g.done {
		return nil
	}

	g.done = true
	g.page.slot.markDirty(g.first, g.last)

	if g.reprotect {
		if err := unix.Mprotect(g.span(), unix.PROT_READ); err != nil {
			return fmt.Errorf("reprotect %#x: %w", g.page.GPA, err)
		}
	}

	return nil
}
