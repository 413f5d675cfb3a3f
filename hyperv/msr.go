package hyperv

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Synthetic MSRs.
const (
	MSRGuestOSID     = 0x40000000
	MSRHypercall     = 0x40000001
	MSRVPIndex       = 0x40000002
	MSRTimeRefCount  = 0x40000020
	MSRReferenceTSC  = 0x40000021
	MSRTSCFrequency  = 0x40000022
	MSRAPICFrequency = 0x40000023

	// MSRRangeBase and MSRRangeSize span every MSR above.
	MSRRangeBase = MSRGuestOSID
	MSRRangeSize = MSRAPICFrequency - MSRGuestOSID + 1
)

var (
	// ErrUnknownMSR is returned for an MSR this package does not emulate.
	ErrUnknownMSR = errors.New("unknown synthetic msr")

	// ErrReadOnlyMSR is returned for writes to a read-only MSR.
	ErrReadOnlyMSR = errors.New("read-only synthetic msr")
)

// msrHandler pairs the reader and writer of one MSR. A nil writer makes
// the MSR read-only. Both run with the context lock held.
type msrHandler struct {
	name  string
	read  func(c *Context, v VCPU) uint64
	write func(c *Context, v VCPU, val uint64)
}

//nolint:gochecknoglobals
var msrTable = map[uint32]msrHandler{
	MSRGuestOSID: {
		name: "GUEST_OS_ID",
		read: func(c *Context, _ VCPU) uint64 { return c.guestOSID },
		write: func(c *Context, _ VCPU, val uint64) {
			c.guestOSID = val
			if val == 0 {
				c.hypercall.Enabled = false
			}
		},
	},
	MSRHypercall: {
		name: "HYPERCALL",
		read: func(c *Context, _ VCPU) uint64 { return c.hypercall.Raw },
		write: func(c *Context, v VCPU, val uint64) {
			if c.guestOSID == 0 {
				c.log.WithField("value", fmt.Sprintf("%#x", val)).
					Warn("hv: hypercall msr written before guest os id")

				return
			}

			c.hypercall = decodePageMSR(val)
			c.setupHypercallPage(v)
		},
	},
	MSRVPIndex: {
		name: "VP_INDEX",
		read: func(_ *Context, v VCPU) uint64 { return uint64(v.Index()) },
	},
	MSRTimeRefCount: {
		name: "TIME_REF_COUNT",
		read: func(c *Context, v VCPU) uint64 { return c.referenceTime(v) },
	},
	MSRReferenceTSC: {
		name: "REFERENCE_TSC",
		read: func(c *Context, _ VCPU) uint64 { return c.referenceTSC.Raw },
		write: func(c *Context, _ VCPU, val uint64) {
			c.referenceTSC = decodePageMSR(val)
			c.publishReferenceTSC()
		},
	},
	MSRTSCFrequency: {
		name: "TSC_FREQUENCY",
		read: func(c *Context, _ VCPU) uint64 { return c.time.TSCKHz() * 1000 },
	},
	MSRAPICFrequency: {
		name: "APIC_FREQUENCY",
		// The virtual LAPIC is clocked from the TSC.
		read: func(c *Context, _ VCPU) uint64 { return c.time.TSCKHz() * 1000 },
	},
}

// MSRInfo describes one emulated MSR.
type MSRInfo struct {
	Index    uint32
	Name     string
	Writable bool
}

// MSRs lists the emulated MSRs in index order.
func MSRs() []MSRInfo {
	indices := []uint32{
		MSRGuestOSID, MSRHypercall, MSRVPIndex, MSRTimeRefCount,
		MSRReferenceTSC, MSRTSCFrequency, MSRAPICFrequency,
	}

	infos := make([]MSRInfo, 0, len(indices))
	for _, i := range indices {
		h := msrTable[i]
		infos = append(infos, MSRInfo{Index: i, Name: h.name, Writable: h.write != nil})
	}

	return infos
}

// IsSynthetic reports whether msr is emulated by this package.
func IsSynthetic(msr uint32) bool {
	_, ok := msrTable[msr]

	return ok
}

func (c *Context) msrLog(v VCPU, msr uint32, val uint64) *logrus.Entry {
	return c.log.WithFields(logrus.Fields{
		"msr":   fmt.Sprintf("%#x", msr),
		"value": fmt.Sprintf("%#x", val),
		"vcpu":  v.Index(),
	})
}

// ReadMSR emulates RDMSR of msr on vCPU v.
func (c *Context) ReadMSR(v VCPU, msr uint32) (uint64, error) {
	h, ok := msrTable[msr]
	if !ok {
		c.msrLog(v, msr, 0).Warn("hv: unexpected msr read")

		return 0, fmt.Errorf("%w: rdmsr %#x", ErrUnknownMSR, msr)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	val := h.read(c, v)

	c.msrLog(v, msr, val).Debug("hv: rdmsr")

	return val, nil
}

// WriteMSR emulates WRMSR of val to msr on vCPU v. A failed write leaves
// the context unchanged.
func (c *Context) WriteMSR(v VCPU, msr uint32, val uint64) error {
	h, ok := msrTable[msr]
	if !ok {
		c.msrLog(v, msr, val).Warn("hv: unexpected msr write")

		return fmt.Errorf("%w: wrmsr %#x", ErrUnknownMSR, msr)
	}

	if h.write == nil {
		c.msrLog(v, msr, val).Warn("hv: write to read-only msr")

		return fmt.Errorf("%w: wrmsr %#x (%s)", ErrReadOnlyMSR, msr, h.name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	h.write(c, v, val)

	c.msrLog(v, msr, val).Debug("hv: wrmsr")

	return nil
}
