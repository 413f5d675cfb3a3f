package kvm

import (
	"unsafe"
)

const (
	kvmGetAPIVersion       = 0x00
	kvmCreateVM            = 0x01
	kvmGetMSRIndexList     = 0x02
	kvmCheckExtension      = 0x03
	kvmGetVCPUMMapSize     = 0x04
	kvmGetSupportedCPUID   = 0x05
	kvmCreateVCPU          = 0x41
	kvmSetUserMemoryRegion = 0x46
	kvmSetTSSAddr          = 0x47
	kvmSetIdentityMapAddr  = 0x48
	kvmRun                 = 0x80
	kvmGetRegs             = 0x81
	kvmSetRegs             = 0x82
	kvmGetSregs            = 0x83
	kvmSetSregs            = 0x84
	kvmGetMSRs             = 0x88
	kvmSetMSRs             = 0x89
	kvmSetCPUID2           = 0x90
	kvmEnableCap           = 0xa3
	kvmGetTSCKHz           = 0xa3
	kvmSetMSRFilter        = 0xc6
	kvmGetDeviceAttr       = 0xe2

	numInterrupts = 0x100

	tssAddr         = 0xffffd000
	identityMapAddr = 0xffffc000
)

// RunData is the shared kvm_run structure mapped from a vCPU fd.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	Flags                      uint16
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the io member of the exit union.
func (r *RunData) IO() (uint64, uint64, uint64, uint64, uint64) {
	direction := r.Data[0] & 0xFF
	size := (r.Data[0] >> 8) & 0xFF
	port := (r.Data[0] >> 16) & 0xFFFF
	count := (r.Data[0] >> 32) & 0xFFFFFFFF
	offset := r.Data[1]

	return direction, size, port, count, offset
}

// IOData returns the bytes of an IO exit, which live inside the mapping.
func (r *RunData) IOData() []byte {
	_, size, _, count, offset := r.IO()
	base := unsafe.Add(unsafe.Pointer(r), uintptr(offset))

	return unsafe.Slice((*byte)(base), size*count)
}

// MSR decodes the msr member of the exit union used by
// EXITX86RDMSR and EXITX86WRMSR.
func (r *RunData) MSR() (reason MSRExitReason, index uint32, data uint64) {
	reason = MSRExitReason(r.Data[1] & 0xFFFFFFFF)
	index = uint32(r.Data[1] >> 32)
	data = r.Data[2]

	return reason, index, data
}

// SetMSRResult completes an MSR exit. For reads data is handed to the
// guest; fail makes KVM inject #GP instead.
func (r *RunData) SetMSRResult(data uint64, fail bool) {
	r.Data[2] = data
	r.Data[0] &^= 0xFF

	if fail {
		r.Data[0] |= 1
	}
}

func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), uintptr(0))
}

func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), uintptr(0))
}

func CreateVCPU(vmFd uintptr, vcpuID int) (uintptr, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), uintptr(vcpuID))
}

// Run enters the guest. EINTR is returned to the caller, which sees it
// as EXITINTR.
func Run(vcpuFd uintptr) error {
	_, err := ioctl(vcpuFd, IIO(kvmRun), uintptr(0))

	return err
}

func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), uintptr(0))
}

func SetTSSAddr(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmSetTSSAddr), tssAddr)

	return err
}

func SetIdentityMapAddr(vmFd uintptr) error {
	var mapAddr uint64 = identityMapAddr

	_, err := Ioctl(vmFd, IIOW(kvmSetIdentityMapAddr, 8), uintptr(unsafe.Pointer(&mapAddr)))

	return err
}
