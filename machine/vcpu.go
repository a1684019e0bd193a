package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/bobuhiro11/sevkvm/kvm"
	"github.com/bobuhiro11/sevkvm/memory"
	"golang.org/x/sys/unix"
)

// VirtualCPU is one vCPU of a VirtualMachine and its run page.
type VirtualCPU struct {
	vm *VirtualMachine
	id int
	fd uintptr

	page *memory.Mapping
	run  *kvm.RunData

	// mu serializes Run and guards closed.
	mu     sync.Mutex
	closed bool
	// exitMu guards run against Interrupt.
	exitMu sync.Mutex
	tid    atomic.Int64

	stats stats
}

// NewVirtualCPU creates the next vCPU of vm.
func NewVirtualCPU(vm *VirtualMachine) (*VirtualCPU, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.closed {
		return nil, ErrClosed
	}

	if vm.launching.Load() {
		return nil, ErrLaunchInProgress
	}

	if vm.mmapSize < kvm.RunDataSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrRunPageTooSmall, vm.mmapSize, kvm.RunDataSize)
	}

	id := vm.nextVCPU

	fd, err := kvm.CreateVCPU(vm.fd, id)
	if err != nil {
		return nil, fmt.Errorf("CreateVCPU %d: %w", id, err)
	}

	page, err := memory.New(memory.Config{
		Access:     memory.Shared,
		Fd:         int(fd),
		HeaderSize: kvm.RunDataSize,
		Extra:      vm.mmapSize - kvm.RunDataSize,
	})
	if err != nil {
		unix.Close(int(fd))

		return nil, fmt.Errorf("vcpu %d: run page: %w", id, err)
	}

	run, err := memory.HeaderOf[kvm.RunData](page)
	if err != nil {
		page.Close()
		unix.Close(int(fd))

		return nil, err
	}

	vm.nextVCPU++

	slog.Debug("kvm: created vcpu", "id", id, "fd", fd, "mmap_size", vm.mmapSize)

	return &VirtualCPU{vm: vm, id: id, fd: fd, page: page, run: run}, nil
}

// ID returns the vCPU number.
func (c *VirtualCPU) ID() int {
	return c.id
}

// descriptor returns the vCPU fd, or ErrClosed after Close.
func (c *VirtualCPU) descriptor() (uintptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}

	return c.fd, nil
}

// Registers returns the general purpose registers.
func (c *VirtualCPU) Registers() (kvm.Regs, error) {
	fd, err := c.descriptor()
	if err != nil {
		return kvm.Regs{}, err
	}

	r, err := kvm.GetRegs(fd)
	if err != nil {
		return kvm.Regs{}, fmt.Errorf("vcpu %d: GetRegs: %w", c.id, err)
	}

	return r, nil
}

// SetRegisters replaces the general purpose registers.
func (c *VirtualCPU) SetRegisters(r kvm.Regs) error {
	fd, err := c.descriptor()
	if err != nil {
		return err
	}

	if err := kvm.SetRegs(fd, r); err != nil {
		return fmt.Errorf("vcpu %d: SetRegs: %w", c.id, err)
	}

	return nil
}

// SpecialRegisters returns the segment, control and descriptor table
// registers.
func (c *VirtualCPU) SpecialRegisters() (kvm.Sregs, error) {
	fd, err := c.descriptor()
	if err != nil {
		return kvm.Sregs{}, err
	}

	s, err := kvm.GetSregs(fd)
	if err != nil {
		return kvm.Sregs{}, fmt.Errorf("vcpu %d: GetSregs: %w", c.id, err)
	}

	return s, nil
}

// SetSpecialRegisters replaces the special registers.
func (c *VirtualCPU) SetSpecialRegisters(s kvm.Sregs) error {
	fd, err := c.descriptor()
	if err != nil {
		return err
	}

	if err := kvm.SetSregs(fd, s); err != nil {
		return fmt.Errorf("vcpu %d: SetSregs: %w", c.id, err)
	}

	return nil
}

// Events returns pending exceptions, interrupts and NMIs.
func (c *VirtualCPU) Events() (kvm.VCPUEvents, error) {
	fd, err := c.descriptor()
	if err != nil {
		return kvm.VCPUEvents{}, err
	}

	ev, err := kvm.GetVCPUEvents(fd)
	if err != nil {
		return kvm.VCPUEvents{}, fmt.Errorf("vcpu %d: GetVCPUEvents: %w", c.id, err)
	}

	return ev, nil
}

// SetEvents replaces the pending event state.
func (c *VirtualCPU) SetEvents(ev kvm.VCPUEvents) error {
	fd, err := c.descriptor()
	if err != nil {
		return err
	}

	if err := kvm.SetVCPUEvents(fd, ev); err != nil {
		return fmt.Errorf("vcpu %d: SetVCPUEvents: %w", c.id, err)
	}

	return nil
}

// Run enters the guest until the next exit and decodes it. Concurrent
// calls are serialized. A Run interrupted through Interrupt returns
// ErrInterrupted; any other signal landing on the thread is absorbed.
func (c *VirtualCPU) Run() (Exit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	if c.vm.launching.Load() {
		return nil, ErrLaunchInProgress
	}

	for {
		err := kvm.Run(c.fd)
		if err == nil {
			break
		}

		if !errors.Is(err, unix.EINTR) {
			c.stats.errors.Add(1)

			return nil, fmt.Errorf("vcpu %d: run: %w", c.id, err)
		}

		if c.takeImmediateExit() {
			c.stats.interrupts.Add(1)

			return nil, ErrInterrupted
		}
	}

	exit, err := decodeExit(c.run, c.page.Trailing())
	if err != nil {
		c.stats.errors.Add(1)

		return nil, fmt.Errorf("vcpu %d: %w", c.id, err)
	}

	c.stats.record(exit)

	return exit, nil
}

func (c *VirtualCPU) takeImmediateExit() bool {
	c.exitMu.Lock()
	defer c.exitMu.Unlock()

	if c.run.ImmediateExit == 0 {
		return false
	}

	c.run.ImmediateExit = 0

	return true
}

// Interrupt makes the current or next Run return ErrInterrupted. A Run
// blocked inside RunLoop is kicked out of the guest with a signal.
func (c *VirtualCPU) Interrupt() error {
	c.exitMu.Lock()
	if c.run == nil {
		c.exitMu.Unlock()

		return ErrClosed
	}

	c.run.ImmediateExit = 1
	c.exitMu.Unlock()

	tid := int(c.tid.Load())
	if tid == 0 {
		return nil
	}

	if err := unix.Tgkill(unix.Getpid(), tid, unix.SIGUSR1); err != nil {
		return fmt.Errorf("vcpu %d: request immediate exit: %w", c.id, err)
	}

	return nil
}

// ExitHandler services the exits RunLoop does not handle itself.
type ExitHandler interface {
	HandleExit(c *VirtualCPU, e Exit) error
}

// ExitHandlerFunc adapts a function to ExitHandler.
type ExitHandlerFunc func(c *VirtualCPU, e Exit) error

func (f ExitHandlerFunc) HandleExit(c *VirtualCPU, e Exit) error {
	return f(c, e)
}

// RunLoop runs the vCPU on a locked OS thread until the guest halts, h
// fails or ctx is done. Every exit other than halt goes to h.
func (c *VirtualCPU) RunLoop(ctx context.Context, h ExitHandler) error {
	// vcpu ioctls should be issued from the same thread that was used to
	// create the vcpu. Otherwise, the first ioctl after switching threads
	// could see a performance impact.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c.tid.Store(int64(unix.Gettid()))
	defer c.tid.Store(0)

	stop := context.AfterFunc(ctx, func() {
		if err := c.Interrupt(); err != nil {
			slog.Warn("kvm: interrupt vcpu", "id", c.id, "err", err)
		}
	})
	defer stop()

	for {
		exit, err := c.Run()
		if err != nil {
			if errors.Is(err, ErrInterrupted) && ctx.Err() != nil {
				return ctx.Err()
			}

			return err
		}

		if _, ok := exit.(*HaltExit); ok {
			slog.Debug("kvm: vcpu halted", "id", c.id)

			return nil
		}

		if err := h.HandleExit(c, exit); err != nil {
			return fmt.Errorf("vcpu %d: %v: %w", c.id, exit, err)
		}
	}
}

// Close unmaps the run page and closes the vCPU descriptor. Later calls
// return nil.
func (c *VirtualCPU) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	c.exitMu.Lock()
	c.run = nil
	c.exitMu.Unlock()

	return errors.Join(c.page.Close(), unix.Close(int(c.fd)))
}
