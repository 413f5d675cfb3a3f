package cpuid

import (
	"errors"
)

func cpuidLow(arg1, arg2 uint32) (eax, ebx, ecx, edx uint32) // implemented in cpuid_amd64.s

// CPUID runs the CPUID instruction on the host for leaf, subleaf 0.
func CPUID(leaf uint32) (uint32, uint32, uint32, uint32) {
	return cpuidLow(leaf, 0)
}

// Hypervisor CPUID leaves as defined by the Hyper-V TLFS.
const (
	LeafVendor           = 0x40000000
	LeafInterface        = 0x40000001
	LeafVersion          = 0x40000002
	LeafFeatures         = 0x40000003
	LeafRecommendations  = 0x40000004
	LeafLimits           = 0x40000005
	LeafHardwareFeatures = 0x40000006

	// leafTiming is the generic hypervisor timing leaf (VMware, KVM):
	// eax is the TSC frequency in kHz.
	leafTiming = 0x40000010
)

// ErrNoTSCFrequency means the processor does not enumerate its TSC frequency.
var ErrNoTSCFrequency = errors.New("tsc frequency not enumerated by cpuid")

// Func is the shape of CPUID; it lets TSCKHzFrom run against canned tables.
type Func func(leaf uint32) (eax, ebx, ecx, edx uint32)

// TSCKHz returns the host TSC frequency in kHz as enumerated by CPUID.
func TSCKHz() (uint64, error) {
	return TSCKHzFrom(CPUID)
}

// TSCKHzFrom derives the TSC frequency from leaf 0x15 (crystal ratio),
// then leaf 0x16 (base MHz), then the hypervisor timing leaf.
func TSCKHzFrom(f Func) (uint64, error) {
	maxLeaf, _, _, _ := f(0)

	if maxLeaf >= 0x15 {
		den, num, crystalHz, _ := f(0x15)
		if den != 0 && num != 0 && crystalHz != 0 {
			return uint64(crystalHz) * uint64(num) / uint64(den) / 1000, nil
		}
	}

	if maxLeaf >= 0x16 {
		baseMHz, _, _, _ := f(0x16)
		if baseMHz&0xffff != 0 {
			return uint64(baseMHz&0xffff) * 1000, nil
		}
	}

	maxHv, _, _, _ := f(LeafVendor)
	if maxHv >= leafTiming {
		khz, _, _, _ := f(leafTiming)
		if khz != 0 {
			return uint64(khz), nil
		}
	}

	return 0, ErrNoTSCFrequency
}
