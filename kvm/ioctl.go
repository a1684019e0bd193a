package kvm

import (
	"errors"

	"golang.org/x/sys/unix"
)

const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	kvmio = 0xAE
)

func iioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | kvmio<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

// IIO builds a KVM request code that carries no argument struct.
func IIO(nr uintptr) uintptr {
	return iioc(iocNone, nr, 0)
}

// IIOR builds a KVM request code where the kernel writes size bytes.
func IIOR(nr, size uintptr) uintptr {
	return iioc(iocRead, nr, size)
}

// IIOW builds a KVM request code where the kernel reads size bytes.
func IIOW(nr, size uintptr) uintptr {
	return iioc(iocWrite, nr, size)
}

// IIOWR builds a KVM request code for a struct that is read and written back.
func IIOWR(nr, size uintptr) uintptr {
	return iioc(iocRead|iocWrite, nr, size)
}

func ioctl(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}

// Ioctl issues a request and retries it when the call is interrupted
// before the kernel acted on it. Only idempotent requests go through here;
// KVM_RUN and the memory encryption op use the raw form.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, err := ioctl(fd, op, arg)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		return res, err
	}
}
