package kvm

import (
	"unsafe"
)

// cpuidHeaderSize is sizeof(struct kvm_cpuid2) without its entries.
const cpuidHeaderSize = 8

// CPUID is the set of CPUID entries returned by GetCPUID.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [100]CPUIDEntry2
}

// CPUIDEntry2 is one entry for CPUID. It took 2 tries to get it right :-)
// Thanks x86 :-).
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// Entry returns the entry for function and index, or nil.
func (c *CPUID) Entry(function, index uint32) *CPUIDEntry2 {
	for i := 0; i < int(c.Nent); i++ {
		if c.Entries[i].Function == function && c.Entries[i].Index == index {
			return &c.Entries[i]
		}
	}

	return nil
}

// Upsert returns the entry for function and index, appending a zeroed one
// if it is missing. It returns nil when the table is full.
func (c *CPUID) Upsert(function, index uint32) *CPUIDEntry2 {
	if e := c.Entry(function, index); e != nil {
		return e
	}

	if int(c.Nent) >= len(c.Entries) {
		return nil
	}

	e := &c.Entries[c.Nent]
	*e = CPUIDEntry2{Function: function, Index: index}
	c.Nent++

	return e
}

// GetSupportedCPUID gets all supported CPUID entries for a vm.
func GetSupportedCPUID(kvmFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetSupportedCPUID, cpuidHeaderSize),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// SetCPUID2 sets entries for a vCPU.
// The progression is, hence, get the CPUID entries for a vm, then set them into
// individual vCPUs. This seems odd, but in fact lets code tailor CPUID entries
// as needed.
func SetCPUID2(vcpuFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(vcpuFd,
		IIOW(kvmSetCPUID2, cpuidHeaderSize),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}
