package machine

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/sevkvm/kvm"
	"golang.org/x/arch/x86/x86asm"
)

var (
	// ErrBadRegister indicates a bad register was used.
	ErrBadRegister = errors.New("bad register")
	// ErrNotPresent is a page walk hitting a clear present bit.
	ErrNotPresent = errors.New("page not present")
	// ErrPagingMode is a paging mode the page walker does not handle.
	ErrPagingMode = errors.New("unsupported paging mode")
)

// GetReg returns a pointer to the field of r holding reg. 16 and 32-bit
// names resolve to the full 64-bit register.
func GetReg(r *kvm.Regs, reg x86asm.Reg) (*uint64, error) {
	switch {
	case reg >= x86asm.AX && reg <= x86asm.R15W:
		reg = x86asm.RAX + (reg - x86asm.AX)
	case reg >= x86asm.EAX && reg <= x86asm.R15L:
		reg = x86asm.RAX + (reg - x86asm.EAX)
	case reg == x86asm.IP || reg == x86asm.EIP:
		reg = x86asm.RIP
	}

	switch reg {
	case x86asm.RAX:
		return &r.RAX, nil
	case x86asm.RCX:
		return &r.RCX, nil
	case x86asm.RDX:
		return &r.RDX, nil
	case x86asm.RBX:
		return &r.RBX, nil
	case x86asm.RSP:
		return &r.RSP, nil
	case x86asm.RBP:
		return &r.RBP, nil
	case x86asm.RSI:
		return &r.RSI, nil
	case x86asm.RDI:
		return &r.RDI, nil
	case x86asm.R8:
		return &r.R8, nil
	case x86asm.R9:
		return &r.R9, nil
	case x86asm.R10:
		return &r.R10, nil
	case x86asm.R11:
		return &r.R11, nil
	case x86asm.R12:
		return &r.R12, nil
	case x86asm.R13:
		return &r.R13, nil
	case x86asm.R14:
		return &r.R14, nil
	case x86asm.R15:
		return &r.R15, nil
	case x86asm.RIP:
		return &r.RIP, nil
	}

	return nil, fmt.Errorf("register %v: %w", reg, ErrBadRegister)
}

// Pointer returns the segment offset a memory operand of inst refers to,
// truncated to the address size of inst. RIP relative operands count from
// the end of inst, which must be the instruction at r.RIP.
func Pointer(inst *x86asm.Inst, r *kvm.Regs, arg int) (uintptr, error) {
	if arg < 0 || arg >= len(inst.Args) {
		return 0, fmt.Errorf("arg %d of %v: %w", arg, inst.Op, ErrBadRegister)
	}

	// A Mem is a memory reference.
	// The general form is Segment:[Base+Scale*Index+Disp].
	mem, ok := inst.Args[arg].(x86asm.Mem)
	if !ok {
		return 0, fmt.Errorf("arg %d of %v is %v, not memory: %w", arg, inst.Op, inst.Args[arg], ErrBadRegister)
	}

	addr := uint64(mem.Disp)

	if mem.Base != 0 {
		b, err := GetReg(r, mem.Base)
		if err != nil {
			return 0, fmt.Errorf("base reg %v in %v:%w", mem.Base, mem, ErrBadRegister)
		}

		addr += *b

		if mem.Base == x86asm.RIP || mem.Base == x86asm.EIP || mem.Base == x86asm.IP {
			addr += uint64(inst.Len)
		}
	}

	if mem.Index != 0 {
		x, err := GetReg(r, mem.Index)
		if err != nil {
			return 0, fmt.Errorf("index reg %v in %v:%w", mem.Index, mem, ErrBadRegister)
		}

		addr += uint64(mem.Scale) * (*x)
	}

	if inst.AddrSize > 0 && inst.AddrSize < 64 {
		addr &= 1<<inst.AddrSize - 1
	}

	return uintptr(addr), nil
}

// segmentBase returns the base of the segment a memory operand goes
// through. Only FS and GS have a base in 64-bit mode.
func segmentBase(s *kvm.Sregs, mem x86asm.Mem, long bool) uint64 {
	seg := mem.Segment
	if seg == 0 {
		seg = x86asm.DS

		switch mem.Base {
		case x86asm.SP, x86asm.ESP, x86asm.RSP, x86asm.BP, x86asm.EBP, x86asm.RBP:
			seg = x86asm.SS
		}
	}

	if long && seg != x86asm.FS && seg != x86asm.GS {
		return 0
	}

	switch seg {
	case x86asm.ES:
		return s.ES.Base
	case x86asm.CS:
		return s.CS.Base
	case x86asm.SS:
		return s.SS.Base
	case x86asm.FS:
		return s.FS.Base
	case x86asm.GS:
		return s.GS.Base
	}

	return s.DS.Base
}

// linearAddress resolves the first memory operand of inst to a linear
// address. ok is false when inst has no memory operand.
func linearAddress(inst *x86asm.Inst, r *kvm.Regs, s *kvm.Sregs) (addr uint64, ok bool, err error) {
	for i, a := range inst.Args {
		if a == nil {
			break
		}

		mem, isMem := a.(x86asm.Mem)
		if !isMem {
			continue
		}

		off, err := Pointer(inst, r, i)
		if err != nil {
			return 0, true, err
		}

		long := s.EFER&EFERxLMA != 0 && s.CS.L == 1

		return segmentBase(s, mem, long) + uint64(off), true, nil
	}

	return 0, false, nil
}

// Operand returns the guest physical address of the first memory operand
// of inst, the instruction at r.RIP. ok is false when inst does not
// reference memory.
func (c *VirtualCPU) Operand(inst *x86asm.Inst, r *kvm.Regs) (gpa uint64, ok bool, err error) {
	s, err := c.SpecialRegisters()
	if err != nil {
		return 0, false, err
	}

	vaddr, ok, err := linearAddress(inst, r, &s)
	if !ok || err != nil {
		return 0, ok, err
	}

	gpa, err = c.VtoP(vaddr)

	return gpa, true, err
}

// VtoP translates a linear address of the vCPU to a guest physical address.
// Only flat (no paging) and 4-level long mode paging are handled.
func (c *VirtualCPU) VtoP(vaddr uint64) (uint64, error) {
	s, err := c.SpecialRegisters()
	if err != nil {
		return 0, err
	}

	return c.vm.translate(&s, vaddr)
}

func (vm *VirtualMachine) translate(s *kvm.Sregs, vaddr uint64) (uint64, error) {
	if s.CR0&CR0xPG == 0 {
		return vaddr, nil
	}

	if s.EFER&EFERxLMA == 0 {
		return 0, fmt.Errorf("%w: cr0 %#x cr4 %#x efer %#x", ErrPagingMode, s.CR0, s.CR4, s.EFER)
	}

	table := s.CR3 & pteAddrMask

	for level := 3; level >= 0; level-- {
		shift := pageShift + 9*level

		var b [8]byte
		if _, err := vm.ReadGuest(table+8*((vaddr>>shift)&pteIndexMask), b[:]); err != nil {
			return 0, fmt.Errorf("page walk level %d: %w", level, err)
		}

		pte := binary.LittleEndian.Uint64(b[:])
		if pte&PDE64xPRESENT == 0 {
			return 0, fmt.Errorf("%#x at level %d: %w", vaddr, level, ErrNotPresent)
		}

		// 1G and 2M pages end the walk early.
		if level < 3 && level > 0 && pte&PDE64xPS != 0 {
			mask := uint64(1)<<shift - 1

			return (pte & pteAddrMask &^ mask) | vaddr&mask, nil
		}

		table = pte & pteAddrMask
	}

	return table | vaddr&(1<<pageShift-1), nil
}

// fetch returns up to n bytes of guest memory at gpa, stopping at the end
// of the region holding gpa.
func (vm *VirtualMachine) fetch(gpa uint64, n int) ([]byte, error) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	r, err := vm.regions.Lookup(0, gpa, 1)
	if err != nil {
		return nil, err
	}

	b := r.Mapping.Bytes()[gpa-r.GuestAddr:]
	if len(b) > n {
		b = b[:n]
	}

	return append([]byte(nil), b...), nil
}

// Inst retrieves an instruction from the guest, at RIP.
// It returns an x86asm.Inst, the registers, a string in GNU syntax, and
// an error.
func (c *VirtualCPU) Inst() (*x86asm.Inst, kvm.Regs, string, error) {
	r, err := c.Registers()
	if err != nil {
		return nil, r, "", err
	}

	s, err := c.SpecialRegisters()
	if err != nil {
		return nil, r, "", err
	}

	mode, pc := 16, s.CS.Base+r.RIP

	switch {
	case s.EFER&EFERxLMA != 0 && s.CS.L == 1:
		mode, pc = 64, r.RIP
	case s.CR0&CR0xPE != 0 && s.CS.DB == 1:
		mode = 32
	}

	pa, err := c.vm.translate(&s, pc)
	if err != nil {
		return nil, r, "", fmt.Errorf("Inst: pc %#x: %w", pc, err)
	}

	insn, err := c.vm.fetch(pa, 16)
	if err != nil {
		return nil, r, "", fmt.Errorf("reading PC at %#x: %w", pa, err)
	}

	d, err := x86asm.Decode(insn, mode)
	if err != nil {
		return nil, r, "", fmt.Errorf("decoding % x: %w", insn, err)
	}

	return &d, r, x86asm.GNUSyntax(d, r.RIP, nil), nil
}

// Asm returns a string for the given instruction at the given pc.
func Asm(d *x86asm.Inst, pc uint64) string {
	return "\"" + x86asm.GNUSyntax(*d, pc, nil) + "\""
}
