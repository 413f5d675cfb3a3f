package kvm

import (
	"fmt"
	"unsafe"
)

type MSRList struct {
	NMSRs    uint32
	Indicies [100]uint32
}

// GetMSRIndexList returns the guest msrs that are supported.
// The list varies by kvm version and host processor, but does not change otherwise.
func GetMSRIndexList(kvmFd uintptr, list *MSRList) error {
	list.NMSRs = uint32(len(list.Indicies))
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetMSRIndexList, 4),
		uintptr(unsafe.Pointer(list)))

	return err
}

// MSREntry is struct kvm_msr_entry.
type MSREntry struct {
	Index   uint32
	Padding uint32
	Data    uint64
}

// MSRS is struct kvm_msrs with room for a handful of entries.
type MSRS struct {
	NMSRs   uint32
	Padding uint32
	Entries [8]MSREntry
}

// GetMSRs reads the first NMSRs entries of msrs from a vCPU.
func GetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	n, err := Ioctl(vcpuFd, IIOWR(kvmGetMSRs, 8), uintptr(unsafe.Pointer(msrs)))
	if err != nil {
		return err
	}

	if uint32(n) != msrs.NMSRs {
		return fmt.Errorf("GetMSRs: read %d of %d msrs", n, msrs.NMSRs)
	}

	return nil
}

// SetMSRs writes the first NMSRs entries of msrs to a vCPU.
func SetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	n, err := Ioctl(vcpuFd, IIOW(kvmSetMSRs, 8), uintptr(unsafe.Pointer(msrs)))
	if err != nil {
		return err
	}

	if uint32(n) != msrs.NMSRs {
		return fmt.Errorf("SetMSRs: wrote %d of %d msrs", n, msrs.NMSRs)
	}

	return nil
}

// MSRExitReason tells why KVM forwarded an MSR access to userspace.
type MSRExitReason uint32

// Arguments for EnableCap(CapX86UserSpaceMSR).
const (
	MSRExitReasonInval   MSRExitReason = 1 << 0
	MSRExitReasonUnknown MSRExitReason = 1 << 1
	MSRExitReasonFilter  MSRExitReason = 1 << 2
)

// MSR filter flags.
const (
	MSRFilterDefaultAllow = 0
	MSRFilterDefaultDeny  = 1

	MSRFilterRead  = 1 << 0
	MSRFilterWrite = 1 << 1

	maxMSRFilterRanges = 16
)

// MSRFilterRange is struct kvm_msr_filter_range. A clear bit in Bitmap
// denies the access, which with MSRExitReasonFilter enabled becomes an
// exit to userspace.
type MSRFilterRange struct {
	Flags  uint32
	NMSRs  uint32
	Base   uint32
	_      uint32
	Bitmap *byte
}

// MSRFilter is struct kvm_msr_filter.
type MSRFilter struct {
	Flags  uint32
	_      uint32
	Ranges [maxMSRFilterRanges]MSRFilterRange
}

// DenyRange returns a filter range trapping every read and write of
// [base, base+n).
func DenyRange(base, n uint32) MSRFilterRange {
	bitmap := make([]byte, (n+7)/8)

	return MSRFilterRange{
		Flags:  MSRFilterRead | MSRFilterWrite,
		NMSRs:  n,
		Base:   base,
		Bitmap: &bitmap[0],
	}
}

// SetMSRFilter installs filter on a VM.
func SetMSRFilter(vmFd uintptr, filter *MSRFilter) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetMSRFilter, unsafe.Sizeof(*filter)), uintptr(unsafe.Pointer(filter)))

	return err
}
