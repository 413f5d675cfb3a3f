package kvm

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ioctl number layout from include/uapi/asm-generic/ioctl.h.
const (
	nrBits   = 8
	typeBits = 8
	sizeBits = 14

	nrShift   = 0
	typeShift = nrShift + nrBits
	sizeShift = typeShift + typeBits
	dirShift  = sizeShift + sizeBits

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	kvmIO = 0xAE
)

func iioc(dir, nr, size uintptr) uintptr {
	return dir<<dirShift | kvmIO<<typeShift | nr<<nrShift | size<<sizeShift
}

// IIO encodes a KVM ioctl without a payload.
func IIO(nr uintptr) uintptr {
	return iioc(iocNone, nr, 0)
}

// IIOR encodes a KVM ioctl that reads size bytes from the kernel.
func IIOR(nr, size uintptr) uintptr {
	return iioc(iocRead, nr, size)
}

// IIOW encodes a KVM ioctl that writes size bytes to the kernel.
func IIOW(nr, size uintptr) uintptr {
	return iioc(iocWrite, nr, size)
}

// IIOWR encodes a KVM ioctl that both writes and reads size bytes.
func IIOWR(nr, size uintptr) uintptr {
	return iioc(iocRead|iocWrite, nr, size)
}

// Ioctl issues an ioctl, retrying when interrupted by a signal.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, err := ioctl(fd, op, arg)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		return res, err
	}
}

func ioctl(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}
