package machine

const (
	// MinMemSize is the least guest memory New accepts.
	MinMemSize = 1 << 20

	// CPUID 0x40000000 EBX:ECX:EDX, "Microsoft Hv".
	hvVendorEBX = 0x7263694d
	hvVendorECX = 0x666f736f
	hvVendorEDX = 0x76482074

	cpuidFuncPerMon = 0x0A

	msrIA32TSC = 0x10
)

const (
	// golangci-lint is completely wrong about these names.
	// Control Register Paging Enable for example:
	// golang style requires all letters in an acronym to be caps.
	// CR0 bits.
	CR0xPE = 1
	CR0xPG = (1 << 31)

	EFERxLME = (1 << 8)
	EFERxLMA = (1 << 10)
)
