package cpuid

import "fmt"

// The Hyper-V feature bits reported in CPUID leaf 0x40000003 are listed in
// the Hypervisor Top Level Functional Specification, section "Partition
// Privilege Flags" [1]. Linux mirrors them in hyperv-tlfs.h [2].
//
// [1] https://learn.microsoft.com/en-us/virtualization/hyper-v-on-windows/tlfs/feature-discovery
// [2] https://github.com/torvalds/linux/blob/v6.6/arch/x86/include/asm/hyperv-tlfs.h

// Feature is any Hyper-V feature bit type.
type Feature interface {
	Privilege | Misc

	fmt.Stringer
}

type (
	// Privilege is a bit offset in CPUID 0x40000003 EAX.
	Privilege uint32
	// Misc is a bit offset in CPUID 0x40000003 EDX.
	Misc uint32
)

const (
	AccessVpRunTimeReg              Privilege = 0
	AccessPartitionReferenceCounter Privilege = 1
	AccessSynicRegs                 Privilege = 2
	AccessSyntheticTimerRegs        Privilege = 3
	AccessIntrCtrlRegs              Privilege = 4
	AccessHypercallMsrs             Privilege = 5
	AccessVpIndex                   Privilege = 6
	AccessResetReg                  Privilege = 7
	AccessStatsReg                  Privilege = 8
	AccessPartitionReferenceTsc     Privilege = 9
	AccessGuestIdleReg              Privilege = 10
	AccessFrequencyRegs             Privilege = 11
	AccessDebugRegs                 Privilege = 12
	AccessReenlightenmentControls   Privilege = 13
)

const (
	MwaitAvailable               Misc = 0
	GuestDebuggingAvailable      Misc = 1
	PerformanceMonitorsAvailable Misc = 2
	CPUDynamicPartitioning       Misc = 3
	XMMFastHypercallInput        Misc = 4
	GuestIdleAvailable           Misc = 5
	HypervisorSleepState         Misc = 6
	NUMADistanceQuery            Misc = 7
	FrequencyRegsAvailable       Misc = 8
	SyntheticMachineCheck        Misc = 9
	GuestCrashRegsAvailable      Misc = 10
	DebugMsrsAvailable           Misc = 11
)

//nolint:gochecknoglobals
var AllPrivileges = []Privilege{
	AccessVpRunTimeReg, AccessPartitionReferenceCounter, AccessSynicRegs,
	AccessSyntheticTimerRegs, AccessIntrCtrlRegs, AccessHypercallMsrs,
	AccessVpIndex, AccessResetReg, AccessStatsReg, AccessPartitionReferenceTsc,
	AccessGuestIdleReg, AccessFrequencyRegs, AccessDebugRegs,
	AccessReenlightenmentControls,
}

//nolint:gochecknoglobals
var AllMisc = []Misc{
	MwaitAvailable, GuestDebuggingAvailable, PerformanceMonitorsAvailable,
	CPUDynamicPartitioning, XMMFastHypercallInput, GuestIdleAvailable,
	HypervisorSleepState, NUMADistanceQuery, FrequencyRegsAvailable,
	SyntheticMachineCheck, GuestCrashRegsAvailable, DebugMsrsAvailable,
}

//nolint:gochecknoglobals
var privilegeNames = [...]string{
	"AccessVpRunTimeReg", "AccessPartitionReferenceCounter", "AccessSynicRegs",
	"AccessSyntheticTimerRegs", "AccessIntrCtrlRegs", "AccessHypercallMsrs",
	"AccessVpIndex", "AccessResetReg", "AccessStatsReg",
	"AccessPartitionReferenceTsc", "AccessGuestIdleReg", "AccessFrequencyRegs",
	"AccessDebugRegs", "AccessReenlightenmentControls",
}

//nolint:gochecknoglobals
var miscNames = [...]string{
	"MwaitAvailable", "GuestDebuggingAvailable", "PerformanceMonitorsAvailable",
	"CPUDynamicPartitioning", "XMMFastHypercallInput", "GuestIdleAvailable",
	"HypervisorSleepState", "NUMADistanceQuery", "FrequencyRegsAvailable",
	"SyntheticMachineCheck", "GuestCrashRegsAvailable", "DebugMsrsAvailable",
}

func (p Privilege) String() string {
	if int(p) < len(privilegeNames) {
		return privilegeNames[p]
	}

	return fmt.Sprintf("Privilege(%d)", uint32(p))
}

func (m Misc) String() string {
	if int(m) < len(miscNames) {
		return miscNames[m]
	}

	return fmt.Sprintf("Misc(%d)", uint32(m))
}

// Mask ORs the register bits of features together.
func Mask[T Feature](features ...T) uint32 {
	var m uint32

	for _, f := range features {
		m |= 1 << uint32(f)
	}

	return m
}

// Enabled splits all into the features set and clear in reg.
func Enabled[T Feature](all []T, reg uint32) (enabled, disabled []T) {
	for _, f := range all {
		if reg&(1<<uint32(f)) != 0 {
			enabled = append(enabled, f)
		} else {
			disabled = append(disabled, f)
		}
	}

	return enabled, disabled
}
