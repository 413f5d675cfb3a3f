package kvm

import (
	"runtime"
	"unsafe"
)

// vCPU device attribute group and attribute for the TSC offset.
const (
	vcpuTSCCtrl   = 0
	vcpuTSCOffset = 0
)

// DeviceAttr is struct kvm_device_attr.
type DeviceAttr struct {
	Flags uint32
	Group uint32
	Attr  uint64
	Addr  uint64
}

// GetTSCKHz returns the guest TSC frequency of a vCPU in kHz.
func GetTSCKHz(vcpuFd uintptr) (uint64, error) {
	khz, err := Ioctl(vcpuFd, IIO(kvmGetTSCKHz), 0)

	return uint64(khz), err
}

// GetTSCOffset reads the offset KVM adds to the host TSC for this vCPU.
// It needs CapVCPUAttributes (Linux 5.16).
func GetTSCOffset(vcpuFd uintptr) (uint64, error) {
	off := new(uint64)

	// The kernel writes through attr.Addr, which the GC cannot see.
	var pinner runtime.Pinner
	pinner.Pin(off)

	defer pinner.Unpin()

	attr := DeviceAttr{
		Group: vcpuTSCCtrl,
		Attr:  vcpuTSCOffset,
		Addr:  uint64(uintptr(unsafe.Pointer(off))),
	}

	_, err := Ioctl(vcpuFd, IIOW(kvmGetDeviceAttr, unsafe.Sizeof(attr)), uintptr(unsafe.Pointer(&attr)))

	return *off, err
}
