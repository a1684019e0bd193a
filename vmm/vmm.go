// Package vmm runs a flat guest image on a VirtualMachine, optionally behind
// an SEV launch.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/bobuhiro11/sevkvm/device"
	"github.com/bobuhiro11/sevkvm/kvm"
	"github.com/bobuhiro11/sevkvm/machine"
	"github.com/bobuhiro11/sevkvm/memory"
	"github.com/bobuhiro11/sevkvm/serial"
	"github.com/bobuhiro11/sevkvm/sev"
)

var (
	ErrNoImage        = errors.New("no guest image")
	ErrImageTooLarge  = errors.New("guest image does not fit in memory")
	ErrNoCPUs         = errors.New("at least one cpu is required")
	ErrNotInitialized = errors.New("vmm is not initialized")
)

// Mode is the processor mode the vCPUs start in.
type Mode int

const (
	// ModeReal starts in real mode with CS based at 0.
	ModeReal Mode = iota
	// ModeProtected starts in 32-bit protected mode with flat segments.
	ModeProtected
)

func (m Mode) String() string {
	switch m {
	case ModeReal:
		return "real"
	case ModeProtected:
		return "protected"
	}

	return fmt.Sprintf("Mode(%d)", int(m))
}

// LaunchConfig is what the guest owner supplies for an SEV launch.
type LaunchConfig struct {
	Device         string
	Policy         sev.Policy
	Cert           []byte
	Session        []byte
	EncryptedState bool

	// Secret is called with the launch measurement. A nil secret skips
	// injection.
	Secret func(sev.Measurement) (*sev.Secret, error)
	// SecretAddr is the guest physical address the secret is decrypted to.
	SecretAddr uint64
}

type Config struct {
	Dev        string
	Image      []byte
	LoadAddr   uint64
	MemSize    int
	NCPUs      int
	Mode       Mode
	Regs       kvm.Regs
	TraceCount int
	Launch     *LaunchConfig

	// Out receives the serial console.
	Out io.Writer
}

type VMM struct {
	Config

	hv     *machine.Hypervisor
	vm     *machine.VirtualMachine
	mem    *memory.Mapping
	cpus   []*machine.VirtualCPU
	handle sev.Handle
}

func New(c Config) *VMM {
	if c.Out == nil {
		c.Out = os.Stdout
	}

	return &VMM{Config: c}
}

// Init opens the hypervisor, creates the VM and loads the image.
func (v *VMM) Init() error {
	if len(v.Image) == 0 {
		return ErrNoImage
	}

	if v.LoadAddr+uint64(len(v.Image)) > uint64(v.MemSize) {
		return fmt.Errorf("%w: %d bytes at %#x, memory %#x",
			ErrImageTooLarge, len(v.Image), v.LoadAddr, v.MemSize)
	}

	hv, err := machine.OpenPath(v.Dev)
	if err != nil {
		return err
	}

	vm, err := machine.NewVirtualMachine(hv)
	if err != nil {
		hv.Close()

		return err
	}

	mem, err := memory.NewAnonymous(v.MemSize)
	if err != nil {
		vm.Close()
		hv.Close()

		return err
	}

	if _, err := vm.AddRegion(0, 0, 0, mem); err != nil {
		mem.Close()
		vm.Close()
		hv.Close()

		return err
	}

	if _, err := vm.WriteGuest(v.LoadAddr, v.Image); err != nil {
		vm.Close()
		hv.Close()

		return err
	}

	v.hv, v.vm, v.mem = hv, vm, mem

	slog.Info("vmm: guest loaded", "bytes", len(v.Image), "addr", fmt.Sprintf("%#x", v.LoadAddr),
		"memory", v.MemSize, "spaces", vm.AddressSpaces())

	return nil
}

// Setup creates the vCPUs and sets their initial registers. A plain SEV
// launch defers this until Launch has finished; an SEV-ES launch needs the
// vCPUs up front to encrypt their register state.
func (v *VMM) Setup() error {
	if v.vm == nil {
		return ErrNotInitialized
	}

	if v.NCPUs < 1 {
		return ErrNoCPUs
	}

	if l := v.Config.Launch; l != nil && !l.EncryptedState {
		return nil
	}

	return v.createCPUs()
}

func (v *VMM) createCPUs() error {
	for i := 0; i < v.NCPUs; i++ {
		c, err := machine.NewVirtualCPU(v.vm)
		if err != nil {
			return err
		}

		v.cpus = append(v.cpus, c)

		if err := initRegs(c, v.Mode, v.Regs); err != nil {
			return fmt.Errorf("vcpu %d: %w", i, err)
		}
	}

	return nil
}

func initRegs(c *machine.VirtualCPU, mode Mode, r kvm.Regs) error {
	s, err := c.SpecialRegisters()
	if err != nil {
		return err
	}

	switch mode {
	case ModeReal:
		s.CS.Base, s.CS.Selector = 0, 0
	case ModeProtected:
		initProtectedSregs(&s)
	default:
		return fmt.Errorf("unknown mode %v", mode)
	}

	if err := c.SetSpecialRegisters(s); err != nil {
		return err
	}

	// bit 1 of RFLAGS is reserved and must be set.
	r.RFLAGS |= 0x2

	return c.SetRegisters(r)
}

func initProtectedSregs(s *kvm.Sregs) {
	seg := kvm.Segment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: 1 << 3,
		Typ:      11, // execute, read, accessed
		Present:  1,
		DPL:      0,
		DB:       1,
		S:        1,
		L:        0,
		G:        1,
	}

	s.CS = seg

	seg.Typ = 3 // read, write, accessed
	seg.Selector = 2 << 3
	s.DS, s.ES, s.FS, s.GS, s.SS = seg, seg, seg, seg, seg

	s.CR0 |= machine.CR0xPE
}

// Launch measures the loaded image through SEV, hands the measurement to
// the guest owner and injects the secret it returns.
func (v *VMM) Launch() error {
	l := v.Config.Launch
	if l == nil {
		return nil
	}

	if v.vm == nil {
		return ErrNotInitialized
	}

	var opts []sev.Option
	if l.Device != "" {
		opts = append(opts, sev.WithDevice(l.Device))
	}

	if l.EncryptedState {
		opts = append(opts, sev.WithEncryptedState())
	}

	initialized, err := sev.New(v.vm, opts...)
	if err != nil {
		return err
	}

	started, err := initialized.Start(sev.Start{Policy: l.Policy, Cert: l.Cert, Session: l.Session})
	if err != nil {
		initialized.Close()

		return err
	}

	if err := v.launch(started, l); err != nil {
		started.Close()

		return err
	}

	return nil
}

func (v *VMM) launch(started *sev.Started[*machine.VirtualMachine], l *LaunchConfig) error {
	image, err := v.vm.HostAddress(0, v.LoadAddr, alignUp(uint64(len(v.Image)), 16))
	if err != nil {
		return err
	}

	if err := started.UpdateData(image); err != nil {
		return err
	}

	if l.EncryptedState {
		if err := started.UpdateVMSA(); err != nil {
			return err
		}
	}

	measured, err := started.Measure()
	if err != nil {
		return err
	}

	m := measured.Measurement()
	slog.Info("vmm: launch measured", "handle", started.Handle(),
		"digest", fmt.Sprintf("%x", m.Digest), "nonce", fmt.Sprintf("%x", m.Nonce))

	if l.Secret != nil {
		s, err := l.Secret(m)
		if err != nil {
			measured.Close()

			return err
		}

		if s != nil {
			if err := v.inject(measured, *s, l.SecretAddr); err != nil {
				measured.Close()

				return err
			}
		}
	}

	h, _, err := measured.Finish()
	if err != nil {
		measured.Close()

		return err
	}

	v.handle = h

	if len(v.cpus) == 0 {
		return v.createCPUs()
	}

	return nil
}

func (v *VMM) inject(measured *sev.Measured[*machine.VirtualMachine], s sev.Secret, gpa uint64) error {
	n := uint64(len(s.Ciphertext))

	// fails when the range has no region behind it.
	if _, err := v.vm.HostAddress(0, gpa, n); err != nil {
		return err
	}

	return measured.Inject(s, uint64(v.mem.Addr())+gpa, uint32(n))
}

// Handle returns the firmware handle of a launched guest.
func (v *VMM) Handle() sev.Handle {
	return v.handle
}

// Boot runs every vCPU until they all halt, one fails or ctx is done. A
// guest powering off through the ACPI sleep port ends every vCPU cleanly.
func (v *VMM) Boot(ctx context.Context) error {
	if len(v.cpus) == 0 {
		return ErrNotInitialized
	}

	ports := machine.NewIOPorts()
	ports.IgnoreLegacy()
	device.Attach(ports, &device.PostCode{})
	device.Attach(ports, device.NewShutdown())
	serial.New(v.Out).Attach(ports)

	var h machine.ExitHandler = ports
	if v.TraceCount > 0 {
		h = &tracer{next: ports, every: v.TraceCount}
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, c := range v.cpus {
		slog.Info("vmm: start cpu", "id", c.ID(), "of", len(v.cpus))

		g.Go(func() error {
			err := c.RunLoop(ctx, h)

			slog.Info("vmm: cpu exits", "id", c.ID(), "err", err, "stats", c.Stats())

			return err
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, device.ErrShutdown) {
		return err
	}

	return nil
}

// Stats returns the exit counters of every vCPU.
func (v *VMM) Stats() []machine.Stats {
	s := make([]machine.Stats, 0, len(v.cpus))
	for _, c := range v.cpus {
		s = append(s, c.Stats())
	}

	return s
}

// Close releases the vCPUs, the VM and the hypervisor.
func (v *VMM) Close() error {
	var errs []error

	for _, c := range v.cpus {
		errs = append(errs, c.Close())
	}

	v.cpus = nil

	if v.vm != nil {
		errs = append(errs, v.vm.Close())
		v.vm = nil
	}

	if v.hv != nil {
		errs = append(errs, v.hv.Close())
		v.hv = nil
	}

	return errors.Join(errs...)
}

func alignUp(n, a uint64) uint64 {
	return (n + a - 1) &^ (a - 1)
}
