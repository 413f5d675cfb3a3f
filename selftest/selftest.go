// Package selftest holds a small 32-bit protected mode guest that walks
// through the Hyper-V enlightenments and reports what it saw on the debug
// port, and the host-side check of that report.
package selftest

import (
	"errors"
	"fmt"

	"github.com/gokvm/hvenlight/cpuid"
	"github.com/gokvm/hvenlight/device"
	"github.com/gokvm/hvenlight/hyperv"
	"github.com/gokvm/hvenlight/memory"
)

// Guest physical layout.
const (
	CodeAddr      = 0x1000
	HypercallGPFN = 3
	RefTSCGPFN    = 4
	StackTop      = 0x8000

	// MemSize is the least guest memory the program needs.
	MemSize = 0x10000

	reportPort = device.DebugPortAddr

	// guestOSID identifies an open source Linux guest, as in the TLFS.
	guestOSID = 0x8100_0000_0000_0001

	spinCount = 0x100000
)

// ErrMismatch is returned by Expect when the report disagrees with what a
// conforming hypervisor returns.
var ErrMismatch = errors.New("self-test mismatch")

// Report is what the guest wrote to the debug port, in order.
type Report struct {
	HypercallStatus uint64 `yaml:"hypercall_status"`
	VPIndex         uint32 `yaml:"vp_index"`
	RefTime0        uint64 `yaml:"ref_time_0"`
	RefTime1        uint64 `yaml:"ref_time_1"`
	TSCFrequency    uint64 `yaml:"tsc_frequency"`
	RefSequence     uint32 `yaml:"ref_sequence"`
	Signature       uint32 `yaml:"signature"`
	Privileges      uint32 `yaml:"privileges"`
	Misc            uint32 `yaml:"misc"`
}

// reportWords is the number of 32-bit values the program writes.
const reportWords = 13

// Program returns the guest code, to be loaded at CodeAddr. Every vCPU
// runs it; all but VP 0 halt straight away.
func Program() []byte {
	a := &asm{}

	a.movECX(hyperv.MSRVPIndex).rdmsr().testEAX().jz(1).hlt()

	// 1. identify, then enable the hypercall page and call it.
	a.movECX(hyperv.MSRGuestOSID).movEAX(guestOSID & 0xffffffff).movEDX(guestOSID >> 32).wrmsr()
	a.movECX(hyperv.MSRHypercall).movEAX(HypercallGPFN<<memory.PageShift | 1).xorEDX().wrmsr()
	a.movEBX(HypercallGPFN << memory.PageShift).callEBX()
	a.outEAX(reportPort).movEAXEDX().outEAX(reportPort)

	// 2. VP index.
	a.movECX(hyperv.MSRVPIndex).rdmsr().report(false)

	// 3. partition reference counter, twice.
	a.movECX(hyperv.MSRTimeRefCount).rdmsr().report(true)
	a.spin(spinCount)
	a.movECX(hyperv.MSRTimeRefCount).rdmsr().report(true)

	// 4. TSC frequency.
	a.movECX(hyperv.MSRTSCFrequency).rdmsr().report(true)

	// 5. reference TSC page.
	a.movECX(hyperv.MSRReferenceTSC).movEAX(RefTSCGPFN<<memory.PageShift | 1).xorEDX().wrmsr()
	a.movEAXMem(RefTSCGPFN<<memory.PageShift + hyperv.RefPageSequenceOffset).report(false)

	// 6. CPUID.
	a.movEAX(cpuid.LeafInterface).cpuid().report(false)
	a.movEAX(cpuid.LeafFeatures).cpuid().report(true)

	return a.hlt().b
}

// Parse decodes the debug port records written by Program.
func Parse(records []uint32) (*Report, error) {
	if len(records) != reportWords {
		return nil, fmt.Errorf("%w: got %d report words, want %d", ErrMismatch, len(records), reportWords)
	}

	wide := func(i int) uint64 {
		return uint64(records[i+1])<<32 | uint64(records[i])
	}

	return &Report{
		HypercallStatus: wide(0),
		VPIndex:         records[2],
		RefTime0:        wide(3),
		RefTime1:        wide(5),
		TSCFrequency:    wide(7),
		RefSequence:     records[9],
		Signature:       records[10],
		Privileges:      records[11],
		Misc:            records[12],
	}, nil
}

// Expect checks r against the values a guest must see on a host whose
// TSC runs at khz.
func Expect(r *Report, khz uint64) error {
	var errs []error

	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrMismatch}, args...)...))
		}
	}

	check(r.HypercallStatus == hyperv.HVStatusInvalidHypercallCode,
		"hypercall status %#x, want %#x", r.HypercallStatus, hyperv.HVStatusInvalidHypercallCode)
	check(r.VPIndex == 0, "vp index %d, want 0", r.VPIndex)
	check(r.RefTime1 > r.RefTime0, "reference time went from %d to %d", r.RefTime0, r.RefTime1)
	check(r.TSCFrequency == khz*1000, "tsc frequency %d, want %d", r.TSCFrequency, khz*1000)
	check(r.RefSequence != 0 && r.RefSequence != 0xffffffff, "reference tsc page sequence %#x", r.RefSequence)
	check(r.Signature == hyperv.InterfaceSignature,
		"interface signature %#x, want %#x", r.Signature, hyperv.InterfaceSignature)
	check(r.Privileges == hyperv.SupportedPrivileges,
		"privileges %#x, want %#x", r.Privileges, hyperv.SupportedPrivileges)
	check(r.Misc == hyperv.SupportedMisc, "misc features %#x, want %#x", r.Misc, hyperv.SupportedMisc)

	return errors.Join(errs...)
}
