// Package kvm mirrors the parts of the <linux/kvm.h> ABI this module drives:
// request codes, fixed-layout argument structs and thin ioctl wrappers over
// raw descriptors.
package kvm

import (
	"unsafe"
)

// APIVersion is the only KVM_GET_API_VERSION value this package speaks.
const APIVersion = 12

const (
	kvmGetAPIVersion   = 0x00
	kvmCreateVM        = 0x01
	kvmCheckExtension  = 0x03
	kvmGetVCPUMMapSize = 0x04

	kvmSetUserMemoryRegion = 0x46
	kvmCreateVCPU          = 0x41
	kvmRun                 = 0x80

	kvmGetRegs       = 0x81
	kvmSetRegs       = 0x82
	kvmGetSregs      = 0x83
	kvmSetSregs      = 0x84
	kvmGetVCPUEvents = 0x9f
	kvmSetVCPUEvents = 0xa0
	kvmMemEncryptOp  = 0xba

	// KVM_MEMORY_ENCRYPT_OP is declared with an unsigned long argument.
	sizeofUnsignedLong = 8

	numInterrupts = 0x100
)

// GetAPIVersion returns the API version reported by /dev/kvm.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)
}

// CreateVM creates a VM and returns its descriptor.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), 0)
}

// CheckExtension queries a capability. It works on both the system and the
// VM descriptor; the latter reports VM-specific limits.
func CheckExtension(fd uintptr, c Capability) (int, error) {
	ret, err := Ioctl(fd, IIO(kvmCheckExtension), uintptr(c))

	return int(ret), err
}

// GetVCPUMMapSize returns the size of the shared run page of a vCPU.
func GetVCPUMMapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), 0)
}

// CreateVCPU creates vCPU number id in the VM.
func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), uintptr(id))
}

// Run enters the guest. It blocks until the vCPU exits to userspace and is
// never retried here: an EINTR tells the caller the run was interrupted.
func Run(vcpuFd uintptr) error {
	_, err := ioctl(vcpuFd, IIO(kvmRun), 0)

	return err
}

// MemoryEncryptOp issues KVM_MEMORY_ENCRYPT_OP on the VM descriptor. On
// failure the firmware status is left in cmd.Error.
func MemoryEncryptOp(vmFd uintptr, cmd *SEVCommand) error {
	_, err := ioctl(vmFd, IIOWR(kvmMemEncryptOp, sizeofUnsignedLong), uintptr(unsafe.Pointer(cmd)))

	return err
}
