package kvm

import (
	"unsafe"
)

const (
	kvmGetSupportedCPUID = 0x05

	maxCPUIDEntries = 256
)

// CPUID is the set of CPUID entries returned by GetSupportedCPUID.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [maxCPUIDEntries]CPUIDEntry2
}

// CPUIDEntry2 is one entry for CPUID.
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

// GetSupportedCPUID returns the CPUID leaves KVM can expose to a guest.
func GetSupportedCPUID(kvmFd uintptr) ([]CPUIDEntry2, error) {
	c := &CPUID{Nent: maxCPUIDEntries}

	// The request encodes only the header; the kernel bounds the
	// entries by Nent.
	if _, err := Ioctl(kvmFd,
		IIOWR(kvmGetSupportedCPUID, 8),
		uintptr(unsafe.Pointer(c))); err != nil {
		return nil, err
	}

	return c.Entries[:c.Nent], nil
}

// Leaf returns the entry for function and index, if present.
func Leaf(entries []CPUIDEntry2, function, index uint32) (CPUIDEntry2, bool) {
	for _, e := range entries {
		if e.Function == function && e.Index == index {
			return e, true
		}
	}

	return CPUIDEntry2{}, false
}

// Memory encryption leaf of AMD processors.
const (
	CPUIDMemEncrypt = 0x8000001f

	cpuidSEV   = 1 << 1
	cpuidSEVES = 1 << 3
)

// SEVSupport reports which SEV generations the CPUID leaves advertise.
func SEVSupport(entries []CPUIDEntry2) (sev, es bool) {
	e, ok := Leaf(entries, CPUIDMemEncrypt, 0)
	if !ok {
		return false, false
	}

	return e.Eax&cpuidSEV != 0, e.Eax&cpuidSEVES != 0
}
