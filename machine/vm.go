package machine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bobuhiro11/sevkvm/kvm"
	"github.com/bobuhiro11/sevkvm/memory"
	"golang.org/x/sys/unix"
)

// VirtualMachine is a KVM VM and the guest memory registered with it.
//
// Regions are append-only: a registered region stays mapped until Close.
type VirtualMachine struct {
	fd       uintptr
	spaces   int
	mmapSize int

	mu       sync.RWMutex
	regions  *memory.Table
	nextVCPU int
	closed   bool

	launching atomic.Bool
}

// NewVirtualMachine creates a VM on h.
func NewVirtualMachine(h *Hypervisor) (*VirtualMachine, error) {
	mmapSize, err := h.VCPUMMapSize()
	if err != nil {
		return nil, err
	}

	fd, err := kvm.CreateVM(h.Fd())
	if err != nil {
		return nil, fmt.Errorf("CreateVM: %w", err)
	}

	spaces, err := kvm.CheckExtension(fd, kvm.CapMultiAddressSpace)
	if err != nil {
		unix.Close(int(fd))

		return nil, fmt.Errorf("CheckExtension %s: %w", kvm.CapMultiAddressSpace, err)
	}

	// Hosts without the capability have exactly one address space.
	if spaces < 1 {
		spaces = 1
	}

	slog.Debug("kvm: created vm", "fd", fd, "address_spaces", spaces)

	return &VirtualMachine{
		fd:       fd,
		spaces:   spaces,
		mmapSize: mmapSize,
		regions:  memory.NewTable(),
	}, nil
}

// Fd returns the VM descriptor.
func (vm *VirtualMachine) Fd() uintptr {
	return vm.fd
}

// AddressSpaces returns how many address spaces the VM accepts regions for.
func (vm *VirtualMachine) AddressSpaces() int {
	return vm.spaces
}

// AddRegion maps m at guest physical address gpa of address space space
// and returns the slot it was registered under. On success the VM owns m
// and unmaps it on Close; the caller must not use or close it. On failure
// the caller keeps m and the VM is unchanged.
func (vm *VirtualMachine) AddRegion(space uint16, flags kvm.MemoryFlags, gpa uint64, m *memory.Mapping) (kvm.Slot, error) {
	if int(space) >= vm.spaces {
		return 0, fmt.Errorf("%w: %d, vm has %d", ErrInvalidAddressSpace, space, vm.spaces)
	}

	if m == nil || m.Len() == 0 {
		return 0, memory.ErrEmptyMapping
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.closed {
		return 0, ErrClosed
	}

	slot, err := vm.regions.Next(space)
	if err != nil {
		return 0, err
	}

	if err := kvm.SetUserMemoryRegion(vm.fd, &kvm.UserspaceMemoryRegion{
		Slot:          uint32(slot),
		Flags:         uint32(flags),
		GuestPhysAddr: gpa,
		MemorySize:    uint64(m.Len()),
		UserspaceAddr: uint64(m.Addr()),
	}); err != nil {
		return 0, fmt.Errorf("SetUserMemoryRegion %s: %w", slot, err)
	}

	if err := vm.regions.Append(&memory.Region{
		Slot:      slot,
		Flags:     flags,
		GuestAddr: gpa,
		Size:      uint64(m.Len()),
		Mapping:   m,
	}); err != nil {
		return 0, err
	}

	slog.Debug("kvm: added memory region",
		"slot", slot, "flags", flags, "gpa", fmt.Sprintf("%#x", gpa), "size", m.Len())

	return slot, nil
}

// Regions returns a snapshot of the regions of space in slot order.
func (vm *VirtualMachine) Regions(space uint16) []memory.Region {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	return vm.regions.Regions(space)
}

// HostAddress returns the host bytes backing [gpa, gpa+n) of space. The
// slice stays valid until Close.
func (vm *VirtualMachine) HostAddress(space uint16, gpa, n uint64) ([]byte, error) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	if vm.closed {
		return nil, ErrClosed
	}

	r, err := vm.regions.Lookup(space, gpa, n)
	if err != nil {
		return nil, err
	}

	off := gpa - r.GuestAddr

	return r.Mapping.Bytes()[off : off+n], nil
}

// ReadGuest copies guest memory of address space 0 at gpa into p.
func (vm *VirtualMachine) ReadGuest(gpa uint64, p []byte) (int, error) {
	b, err := vm.HostAddress(0, gpa, uint64(len(p)))
	if err != nil {
		return 0, err
	}

	return copy(p, b), nil
}

// WriteGuest copies p into guest memory of address space 0 at gpa.
func (vm *VirtualMachine) WriteGuest(gpa uint64, p []byte) (int, error) {
	b, err := vm.HostAddress(0, gpa, uint64(len(p)))
	if err != nil {
		return 0, err
	}

	return copy(b, p), nil
}

// BeginLaunch marks the VM as owned by a secure launch. Until EndLaunch no
// vCPU can be created or run.
func (vm *VirtualMachine) BeginLaunch() error {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	if vm.closed {
		return ErrClosed
	}

	if !vm.launching.CompareAndSwap(false, true) {
		return ErrLaunchInProgress
	}

	return nil
}

// EndLaunch hands the VM back to its owner.
func (vm *VirtualMachine) EndLaunch() {
	vm.launching.Store(false)
}

// Close closes the VM descriptor and unmaps every region.
func (vm *VirtualMachine) Close() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.closed {
		return nil
	}

	vm.closed = true

	return errors.Join(unix.Close(int(vm.fd)), vm.regions.Release())
}
