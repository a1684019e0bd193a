package machine

import (
	"errors"
	"os"
	"testing"

	"github.com/bobuhiro11/sevkvm/kvm"
	"github.com/bobuhiro11/sevkvm/memory"
	"golang.org/x/sys/unix"
)

// newNullVM returns a VM whose descriptor rejects every request.
func newNullVM(t *testing.T, spaces int) *VirtualMachine {
	t.Helper()

	f, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatal(err)
	}

	fd, err := unix.Dup(int(f.Fd()))
	f.Close()

	if err != nil {
		t.Fatal(err)
	}

	vm := &VirtualMachine{fd: uintptr(fd), spaces: spaces, mmapSize: kvm.RunDataSize, regions: memory.NewTable()}
	t.Cleanup(func() { vm.Close() })

	return vm
}

func TestAddRegionInvalidAddressSpace(t *testing.T) {
	t.Parallel()

	vm := newNullVM(t, 2)

	m, err := memory.NewAnonymous(0x1000)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	for _, space := range []uint16{2, 3, 0xffff} {
		if _, err := vm.AddRegion(space, 0, 0x1000, m); !errors.Is(err, ErrInvalidAddressSpace) {
			t.Fatalf("space %d: have %v, want %v", space, err, ErrInvalidAddressSpace)
		}
	}

	for space := uint16(0); space < 4; space++ {
		if n := len(vm.Regions(space)); n != 0 {
			t.Fatalf("space %d has %d regions after rejected adds", space, n)
		}
	}

	if m.Addr() == 0 {
		t.Fatal("rejected mapping was released")
	}
}

func TestAddRegionFailedRequest(t *testing.T) {
	t.Parallel()

	vm := newNullVM(t, 1)

	m, err := memory.NewAnonymous(0x1000)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	_, err = vm.AddRegion(0, kvm.MemReadonly, 0x1000, m)
	if !errors.Is(err, unix.ENOTTY) {
		t.Fatalf("have %v, want %v", err, unix.ENOTTY)
	}

	if n := len(vm.Regions(0)); n != 0 {
		t.Fatalf("failed request left %d regions", n)
	}

	if _, err := vm.HostAddress(0, 0x1000, 1); !errors.Is(err, memory.ErrRegionNotFound) {
		t.Fatalf("have %v, want %v", err, memory.ErrRegionNotFound)
	}

	// The caller still owns the mapping.
	m.Bytes()[0] = 1
}

func TestAddRegionEmpty(t *testing.T) {
	t.Parallel()

	vm := newNullVM(t, 1)

	if _, err := vm.AddRegion(0, 0, 0, nil); !errors.Is(err, memory.ErrEmptyMapping) {
		t.Fatalf("have %v, want %v", err, memory.ErrEmptyMapping)
	}
}

func TestLaunchOwnership(t *testing.T) {
	t.Parallel()

	vm := newNullVM(t, 1)

	if err := vm.BeginLaunch(); err != nil {
		t.Fatal(err)
	}

	if err := vm.BeginLaunch(); !errors.Is(err, ErrLaunchInProgress) {
		t.Fatalf("second launch: have %v, want %v", err, ErrLaunchInProgress)
	}

	if _, err := NewVirtualCPU(vm); !errors.Is(err, ErrLaunchInProgress) {
		t.Fatalf("vcpu during launch: have %v, want %v", err, ErrLaunchInProgress)
	}

	vm.EndLaunch()

	if err := vm.BeginLaunch(); err != nil {
		t.Fatalf("launch after EndLaunch: %v", err)
	}

	vm.EndLaunch()
}

func TestClosedVM(t *testing.T) {
	t.Parallel()

	vm := newNullVM(t, 1)

	if err := vm.Close(); err != nil {
		t.Fatal(err)
	}

	if err := vm.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	m, err := memory.NewAnonymous(0x1000)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if _, err := vm.AddRegion(0, 0, 0, m); !errors.Is(err, ErrClosed) {
		t.Fatalf("have %v, want %v", err, ErrClosed)
	}

	if err := vm.BeginLaunch(); !errors.Is(err, ErrClosed) {
		t.Fatalf("have %v, want %v", err, ErrClosed)
	}

	if _, err := NewVirtualCPU(vm); !errors.Is(err, ErrClosed) {
		t.Fatalf("have %v, want %v", err, ErrClosed)
	}
}

func TestTranslateFlat(t *testing.T) {
	t.Parallel()

	vm := newNullVM(t, 1)

	pa, err := vm.translate(&kvm.Sregs{CR0: CR0xPE}, 0x1234)
	if err != nil || pa != 0x1234 {
		t.Fatalf("have %#x %v, want 0x1234", pa, err)
	}

	if _, err := vm.translate(&kvm.Sregs{CR0: CR0xPE | CR0xPG}, 0x1234); !errors.Is(err, ErrPagingMode) {
		t.Fatalf("have %v, want %v", err, ErrPagingMode)
	}
}

func TestTranslateLongMode(t *testing.T) {
	t.Parallel()

	vm := newNullVM(t, 1)

	m, err := memory.NewAnonymous(0x10000)
	if err != nil {
		t.Fatal(err)
	}

	if err := vm.regions.Append(&memory.Region{Slot: 0, Size: 0x10000, Mapping: m}); err != nil {
		t.Fatal(err)
	}

	put := func(gpa, v uint64) {
		if _, err := vm.WriteGuest(gpa, []byte{
			byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
			byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56),
		}); err != nil {
			t.Fatal(err)
		}
	}

	const (
		pml4 = 0x1000
		pdpt = 0x2000
		pd   = 0x3000
		pt   = 0x4000
	)

	// 0x0000_0040_0020_3000: pml4[0] -> pdpt[1] -> pd[1] -> pt[3] -> 0x9000
	put(pml4, pdpt|PDE64xPRESENT|PDE64xRW)
	put(pdpt+8*1, pd|PDE64xPRESENT|PDE64xRW)
	put(pd+8*1, pt|PDE64xPRESENT|PDE64xRW)
	put(pt+8*3, 0x9000|PDE64xPRESENT|PDE64xRW)
	// pd[2] maps a 2M page at 0x20_0000.
	put(pd+8*2, 0x200000|PDE64xPRESENT|PDE64xRW|PDE64xPS)
	// pdpt[2] maps a 1G page at 0x4000_0000.
	put(pdpt+8*2, 0x40000000|PDE64xPRESENT|PDE64xRW|PDE64xPS)

	s := &kvm.Sregs{CR0: CR0xPE | CR0xPG, CR3: pml4, CR4: CR4xPAE, EFER: EFERxLME | EFERxLMA}

	for _, test := range []struct {
		vaddr, want uint64
		err         error
	}{
		{0x4020_3abc, 0x9abc, nil},
		{0x4040_1234, 0x20_1234, nil},
		{0x8012_3456, 0x4012_3456, nil},
		{0x4020_4000, 0, ErrNotPresent},
		{0x80_0000_0000, 0, ErrNotPresent},
	} {
		pa, err := vm.translate(s, test.vaddr)
		if test.err != nil {
			if !errors.Is(err, test.err) {
				t.Errorf("%#x: have %v, want %v", test.vaddr, err, test.err)
			}

			continue
		}

		if err != nil || pa != test.want {
			t.Errorf("%#x: have %#x %v, want %#x", test.vaddr, pa, err, test.want)
		}
	}
}

// newNullVCPU builds a vCPU of vm whose descriptor is a dup of /dev/null.
func newNullVCPU(t *testing.T, vm *VirtualMachine) (*VirtualCPU, int) {
	t.Helper()

	f, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		t.Fatal(err)
	}

	page, err := memory.New(memory.Config{Access: memory.Shared, Anonymous: true, HeaderSize: kvm.RunDataSize})
	if err != nil {
		unix.Close(fd)
		t.Fatal(err)
	}

	run, err := memory.HeaderOf[kvm.RunData](page)
	if err != nil {
		t.Fatal(err)
	}

	return &VirtualCPU{vm: vm, fd: uintptr(fd), page: page, run: run}, fd
}

func TestVCPUCloseTwice(t *testing.T) {
	t.Parallel()

	c, fd := newNullVCPU(t, newNullVM(t, 1))

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	// The freed descriptor number is likely handed to the next open.
	f, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if int(f.Fd()) == fd {
		t.Logf("descriptor %d reused", fd)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := f.Stat(); err != nil {
		t.Fatalf("second Close released a descriptor it does not own: %v", err)
	}
}

func TestClosedVCPU(t *testing.T) {
	t.Parallel()

	c, _ := newNullVCPU(t, newNullVM(t, 1))

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Run(); !errors.Is(err, ErrClosed) {
		t.Errorf("Run: have %v, want %v", err, ErrClosed)
	}

	if err := c.Interrupt(); !errors.Is(err, ErrClosed) {
		t.Errorf("Interrupt: have %v, want %v", err, ErrClosed)
	}

	if _, err := c.Registers(); !errors.Is(err, ErrClosed) {
		t.Errorf("Registers: have %v, want %v", err, ErrClosed)
	}

	if err := c.SetRegisters(kvm.Regs{}); !errors.Is(err, ErrClosed) {
		t.Errorf("SetRegisters: have %v, want %v", err, ErrClosed)
	}

	if _, err := c.SpecialRegisters(); !errors.Is(err, ErrClosed) {
		t.Errorf("SpecialRegisters: have %v, want %v", err, ErrClosed)
	}

	if err := c.SetSpecialRegisters(kvm.Sregs{}); !errors.Is(err, ErrClosed) {
		t.Errorf("SetSpecialRegisters: have %v, want %v", err, ErrClosed)
	}

	if _, err := c.Events(); !errors.Is(err, ErrClosed) {
		t.Errorf("Events: have %v, want %v", err, ErrClosed)
	}

	if err := c.SetEvents(kvm.VCPUEvents{}); !errors.Is(err, ErrClosed) {
		t.Errorf("SetEvents: have %v, want %v", err, ErrClosed)
	}

	if _, _, _, err := c.Inst(); !errors.Is(err, ErrClosed) {
		t.Errorf("Inst: have %v, want %v", err, ErrClosed)
	}

	if err := c.RunLoop(t.Context(), ExitHandlerFunc(func(*VirtualCPU, Exit) error { return nil })); !errors.Is(err, ErrClosed) {
		t.Errorf("RunLoop: have %v, want %v", err, ErrClosed)
	}
}

func TestInterruptOpenVCPU(t *testing.T) {
	t.Parallel()

	c, _ := newNullVCPU(t, newNullVM(t, 1))
	t.Cleanup(func() { c.Close() })

	if err := c.Interrupt(); err != nil {
		t.Fatal(err)
	}

	if !c.takeImmediateExit() || c.takeImmediateExit() {
		t.Fatal("immediate exit must be taken exactly once")
	}
}
