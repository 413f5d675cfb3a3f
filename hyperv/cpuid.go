package hyperv

import (
	"github.com/sirupsen/logrus"

	"github.com/gokvm/hvenlight/cpuid"
	"github.com/gokvm/hvenlight/kvm"
)

// InterfaceSignature is "Hv#1", the CPUID 0x40000001 EAX value.
const InterfaceSignature = 0x31237648

//nolint:gochecknoglobals
var (
	// SupportedPrivileges is CPUID 0x40000003 EAX.
	SupportedPrivileges = cpuid.Mask(
		cpuid.AccessHypercallMsrs,
		cpuid.AccessVpIndex,
		cpuid.AccessPartitionReferenceCounter,
		cpuid.AccessPartitionReferenceTsc,
		cpuid.AccessFrequencyRegs,
	)

	// SupportedMisc is CPUID 0x40000003 EDX.
	SupportedMisc = cpuid.Mask(cpuid.FrequencyRegsAvailable)
)

// Leaves lists the CPUID leaves InitCPUIDEntry fills.
func Leaves() []uint32 {
	return []uint32{
		cpuid.LeafInterface,
		cpuid.LeafVersion,
		cpuid.LeafFeatures,
		cpuid.LeafRecommendations,
		cpuid.LeafLimits,
		cpuid.LeafHardwareFeatures,
	}
}

// InitCPUIDEntry fills entry for a Hyper-V leaf. Registers of any other
// leaf keep the caller's defaults.
func InitCPUIDEntry(leaf, subleaf, flags uint32, entry *kvm.CPUIDEntry2) {
	entry.Function = leaf
	entry.Index = subleaf
	entry.Flags = flags

	switch leaf {
	case cpuid.LeafInterface:
		entry.Eax, entry.Ebx, entry.Ecx, entry.Edx = InterfaceSignature, 0, 0, 0
	case cpuid.LeafVersion:
		// No build identity is disclosed.
		entry.Eax, entry.Ebx, entry.Ecx, entry.Edx = 0, 0, 0, 0
	case cpuid.LeafFeatures:
		entry.Eax, entry.Ebx, entry.Ecx, entry.Edx = SupportedPrivileges, 0, 0, SupportedMisc
	case cpuid.LeafRecommendations:
		entry.Eax, entry.Ebx, entry.Ecx, entry.Edx = 0, 0, 0, 0
	case cpuid.LeafLimits:
		entry.Eax, entry.Ebx, entry.Ecx, entry.Edx = MaxVCPUsPerVM, 0, 0, 0
	case cpuid.LeafHardwareFeatures:
		entry.Eax, entry.Ebx, entry.Ecx, entry.Edx = 0, 0, 0, 0
	}

	logrus.WithFields(logrus.Fields{
		"subsystem": "hv",
		"leaf":      leaf,
		"subleaf":   subleaf,
		"flags":     flags,
		"eax":       entry.Eax,
		"ebx":       entry.Ebx,
		"ecx":       entry.Ecx,
		"edx":       entry.Edx,
	}).Debug("hv: cpuid entry")
}
