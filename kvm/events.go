package kvm

import "unsafe"

// VCPUEvents is the pending exception, interrupt, NMI and SMI state of a
// vCPU (struct kvm_vcpu_events).
type VCPUEvents struct {
	Exception struct {
		Injected     uint8
		Nr           uint8
		HasErrorCode uint8
		Pending      uint8
		ErrorCode    uint32
	}
	Interrupt struct {
		Injected uint8
		Nr       uint8
		Soft     uint8
		Shadow   uint8
	}
	NMI struct {
		Injected uint8
		Pending  uint8
		Masked   uint8
		_        uint8
	}
	SIPIVector uint32
	Flags      uint32
	SMI        struct {
		SMM          uint8
		Pending      uint8
		SMMInsideNMI uint8
		LatchedInit  uint8
	}
	_                   [27]uint8
	ExceptionHasPayload uint8
	ExceptionPayload    uint64
}

// GetVCPUEvents reads the pending event state of a vcpu.
func GetVCPUEvents(vcpuFd uintptr) (VCPUEvents, error) {
	ev := VCPUEvents{}
	_, err := Ioctl(vcpuFd, IIOR(kvmGetVCPUEvents, unsafe.Sizeof(VCPUEvents{})), uintptr(unsafe.Pointer(&ev)))

	return ev, err
}

// SetVCPUEvents writes the pending event state of a vcpu.
func SetVCPUEvents(vcpuFd uintptr, ev VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetVCPUEvents, unsafe.Sizeof(VCPUEvents{})), uintptr(unsafe.Pointer(&ev)))

	return err
}
