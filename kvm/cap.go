package kvm

import (
	"fmt"
	"unsafe"
)

// Capability is a KVM_CAP_* extension number.
type Capability uint32

const (
	CapUserMemory      Capability = 3
	CapSetTSSAddr      Capability = 4
	CapExtCPUID        Capability = 7
	CapNRMemSlots      Capability = 10
	CapTSCControl      Capability = 60
	CapGetTSCKHz       Capability = 61
	CapReadonlyMem     Capability = 81
	CapX86UserSpaceMSR Capability = 188
	CapX86MSRFilter    Capability = 189
	CapVCPUAttributes  Capability = 202
)

//nolint:gochecknoglobals
var capabilityNames = map[Capability]string{
	CapUserMemory:      "CapUserMemory",
	CapSetTSSAddr:      "CapSetTSSAddr",
	CapExtCPUID:        "CapExtCPUID",
	CapNRMemSlots:      "CapNRMemSlots",
	CapTSCControl:      "CapTSCControl",
	CapGetTSCKHz:       "CapGetTSCKHz",
	CapReadonlyMem:     "CapReadonlyMem",
	CapX86UserSpaceMSR: "CapX86UserSpaceMSR",
	CapX86MSRFilter:    "CapX86MSRFilter",
	CapVCPUAttributes:  "CapVCPUAttributes",
}

func (c Capability) String() string {
	if s, ok := capabilityNames[c]; ok {
		return s
	}

	return fmt.Sprintf("Capability(%d)", uint32(c))
}

// CheckExtension returns a positive value when cap is available.
func CheckExtension(fd uintptr, c Capability) (int, error) {
	ret, err := Ioctl(fd, IIO(kvmCheckExtension), uintptr(c))

	return int(ret), err
}

// EnableCapArgs is struct kvm_enable_cap.
type EnableCapArgs struct {
	Cap   Capability
	Flags uint32
	Args  [4]uint64
	_     [64]uint8
}

// EnableCap enables a capability on a VM or vCPU fd.
func EnableCap(fd uintptr, c Capability, args ...uint64) error {
	e := EnableCapArgs{Cap: c}
	copy(e.Args[:], args)

	_, err := Ioctl(fd, IIOW(kvmEnableCap, unsafe.Sizeof(e)), uintptr(unsafe.Pointer(&e)))

	return err
}
