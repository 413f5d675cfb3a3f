// Package hyperv emulates the Microsoft Hyper-V enlightenment interface
// for a guest: the synthetic CPUID leaves, the synthetic MSRs and the
// guest-mapped reference TSC and hypercall pages. See Microsoft's
// Hypervisor Top Level Functional Specification (TLFS).
package hyperv

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gokvm/hvenlight/memory"
)

// MaxVCPUsPerVM is the platform limit reported in CPUID 0x40000005.
const MaxVCPUsPerVM = 16

// CPUMode is the execution mode of a vCPU.
type CPUMode int

const (
	ModeReal CPUMode = iota
	ModeProtected
	ModeCompatibility
	Mode64
)

func (m CPUMode) String() string {
	switch m {
	case ModeReal:
		return "real"
	case ModeProtected:
		return "protected"
	case ModeCompatibility:
		return "compatibility"
	case Mode64:
		return "64bit"
	}

	return "unknown"
}

// VCPU is the virtual CPU whose trap is being handled.
type VCPU interface {
	Index() uint32
	Mode() CPUMode
	// TSCOffset is the offset the hardware adds to the host TSC for
	// this vCPU (the VMX TSC offset).
	TSCOffset() uint64
}

// TimeSource supplies the host cycle counter and its frequency.
type TimeSource interface {
	ReadTSC() uint64
	TSCKHz() uint64
}

// GuestMemory translates guest physical ranges to host mappings.
type GuestMemory interface {
	Translate(gpa uint64, size int) (*memory.Page, bool)
}

// PageMSR is the decoded value of the hypercall and reference TSC MSRs:
// bit 0 enables the page, bits 63:12 hold its guest page frame number.
type PageMSR struct {
	Enabled bool
	GPFN    uint64
	Raw     uint64
}

func decodePageMSR(val uint64) PageMSR {
	return PageMSR{
		Enabled: val&1 != 0,
		GPFN:    val >> memory.PageShift,
		Raw:     val,
	}
}

// GPA is the guest physical address of the page.
func (p PageMSR) GPA() uint64 {
	return p.GPFN << memory.PageShift
}

// Context is the Hyper-V state of one partition (VM).
type Context struct {
	mu sync.Mutex

	VMID int

	// guestOSID is the last value written to HV_X64_MSR_GUEST_OS_ID.
	// Zero means the guest has not identified itself.
	guestOSID    uint64
	hypercall    PageMSR
	referenceTSC PageMSR

	// tscScale converts ticks to 100ns units, Q64.
	tscScale uint64
	// tscOffset makes the reference time zero at InitTime.
	tscOffset uint64

	timeInitialized bool

	mem  GuestMemory
	time TimeSource
	log  *logrus.Entry
}

// Option configures a Context.
type Option func(*Context)

// WithLogger sends the context's logs to l.
func WithLogger(l *logrus.Logger) Option {
	return func(c *Context) {
		c.log = l.WithFields(logrus.Fields{"subsystem": "hv", "vm": c.VMID})
	}
}

// New returns the zeroed Hyper-V context of VM vmID.
func New(vmID int, mem GuestMemory, ts TimeSource, opts ...Option) *Context {
	c := &Context{
		VMID: vmID,
		mem:  mem,
		time: ts,
	}

	c.log = logrus.WithFields(logrus.Fields{"subsystem": "hv", "vm": vmID})

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// withPage runs fn on the guest page at gpa inside a host write window.
// A failed translation leaves the page untouched and opens no window.
func (c *Context) withPage(gpa uint64, what string, fn func(page []byte)) {
	page, ok := c.mem.Translate(gpa, memory.PageSize)
	if !ok {
		c.log.WithField("gpa", gpa).Warnf("hv: %s page is not backed by guest memory", what)

		return
	}

	g, err := page.BeginWrite()
	if err != nil {
		c.log.WithError(err).Warnf("hv: %s page is not writable", what)

		return
	}

	defer func() {
		if err := g.End(); err != nil {
			c.log.WithError(err).Warnf("hv: closing %s page write window", what)
		}
	}()

	fn(page.Bytes)
}
