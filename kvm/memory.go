package kvm

import (
	"fmt"
	"unsafe"
)

// MemoryFlags are the KVM_MEM_* flags of a memory region.
type MemoryFlags uint32

const (
	// MemLogDirtyPages asks KVM to track writes to the region.
	// This is useful in many situations, including migration.
	MemLogDirtyPages MemoryFlags = 1 << 0
	// MemReadonly makes guest writes to the region exit as MMIO.
	MemReadonly MemoryFlags = 1 << 1
)

func (f MemoryFlags) String() string {
	switch f {
	case 0:
		return "none"
	case MemLogDirtyPages:
		return "log-dirty-pages"
	case MemReadonly:
		return "readonly"
	case MemLogDirtyPages | MemReadonly:
		return "log-dirty-pages|readonly"
	}

	return fmt.Sprintf("MemoryFlags(%#x)", uint32(f))
}

// Slot identifies a memory region. The address space index lives in bits
// 16 and up, the index inside the address space in bits 0-15.
type Slot uint32

// MakeSlot packs an address space and a local index into a Slot.
func MakeSlot(space, index uint16) Slot {
	return Slot(uint32(space)<<16 | uint32(index))
}

// AddressSpace returns the address space part of the slot.
func (s Slot) AddressSpace() uint16 { return uint16(s >> 16) }

// Index returns the position of the slot inside its address space.
func (s Slot) Index() uint16 { return uint16(s & 0xFFFF) }

func (s Slot) String() string {
	return fmt.Sprintf("%d:%d", s.AddressSpace(), s.Index())
}

// UserspaceMemoryRegion defines Memory Regions (struct kvm_userspace_memory_region).
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages sets region flags to log dirty pages.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= uint32(MemLogDirtyPages)
}

// SetMemReadonly marks a region as read only.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= uint32(MemReadonly)
}

// SetUserMemoryRegion adds a memory region to a vm -- not a vcpu, a vm.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd,
		IIOW(kvmSetUserMemoryRegion, unsafe.Sizeof(UserspaceMemoryRegion{})),
		uintptr(unsafe.Pointer(region)))

	return err
}
