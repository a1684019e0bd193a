// Package sev runs the AMD SEV launch protocol against a KVM virtual
// machine. Each phase of the protocol is its own type, so only the calls
// legal in that phase exist. A transition consumes the phase it was called
// on; the consumed value returns ErrConsumed from then on.
package sev

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"unsafe"

	"github.com/bobuhiro11/sevkvm/kvm"
)

// DefaultDevice is the SEV firmware device node.
const DefaultDevice = "/dev/sev"

// Guest is the virtual machine a launch operates on.
type Guest interface {
	// Fd returns the VM descriptor.
	Fd() uintptr
	// BeginLaunch claims the VM for the launch.
	BeginLaunch() error
	// EndLaunch releases it.
	EndLaunch()
}

type issuer func(vmFd uintptr, cmd *kvm.SEVCommand) error

type config struct {
	device string
	es     bool
	issue  issuer
}

// Option configures New.
type Option func(*config)

// WithDevice opens path instead of DefaultDevice.
func WithDevice(path string) Option {
	return func(c *config) { c.device = path }
}

// WithEncryptedState launches an SEV-ES guest.
func WithEncryptedState() Option {
	return func(c *config) { c.es = true }
}

// launch is the state every phase of one protocol run shares.
type launch[V Guest] struct {
	vm    V
	fw    *os.File
	es    bool
	issue issuer
}

func (l *launch[V]) cmd(code kvm.SEVCode, data unsafe.Pointer) error {
	cmd := kvm.SEVCommand{
		ID:    code,
		Data:  uint64(uintptr(data)),
		SEVFd: uint32(l.fw.Fd()),
	}

	if err := l.issue(l.vm.Fd(), &cmd); err != nil {
		return classify(code, cmd.Error, err)
	}

	slog.Debug("sev: command done", "cmd", code)

	return nil
}

// abort releases the firmware device and the VM.
func (l *launch[V]) abort() V {
	if err := l.fw.Close(); err != nil {
		slog.Warn("sev: close firmware", "err", err)
	}

	l.vm.EndLaunch()

	return l.vm
}

// phase is embedded by every phase type.
type phase[V Guest] struct {
	l *launch[V]
}

func (p *phase[V]) take() (*launch[V], error) {
	if p.l == nil {
		return nil, ErrConsumed
	}

	return p.l, nil
}

func (p *phase[V]) consume() *launch[V] {
	l := p.l
	p.l = nil

	return l
}

// Close aborts the launch and returns the VM to the caller.
func (p *phase[V]) Close() (V, error) {
	l, err := p.take()
	if err != nil {
		var zero V

		return zero, err
	}

	p.consume()

	return l.abort(), nil
}

// Initialized is a launch whose firmware context exists.
type Initialized[V Guest] struct {
	phase[V]
}

// Started is a launch with a firmware handle, accepting guest memory.
type Started[V Guest] struct {
	phase[V]
	handle Handle
}

// Measured is a launch whose memory has been measured. Secrets can be
// injected before Finish.
type Measured[V Guest] struct {
	phase[V]
	handle      Handle
	measurement Measurement
}

// New claims vm, opens the firmware device and issues Init (EsInit for
// SEV-ES). The VM cannot run vCPUs until the launch finishes or is closed.
func New[V Guest](vm V, opts ...Option) (*Initialized[V], error) {
	c := config{device: DefaultDevice, issue: kvm.MemoryEncryptOp}
	for _, o := range opts {
		o(&c)
	}

	if err := vm.BeginLaunch(); err != nil {
		return nil, err
	}

	fw, err := os.OpenFile(c.device, os.O_RDWR, 0)
	if err != nil {
		vm.EndLaunch()

		return nil, fmt.Errorf("sev: %w", err)
	}

	l := &launch[V]{vm: vm, fw: fw, es: c.es, issue: c.issue}

	code := kvm.SEVInit
	if c.es {
		code = kvm.SEVEsInit
	}

	if err := l.cmd(code, nil); err != nil {
		l.abort()

		return nil, err
	}

	return &Initialized[V]{phase[V]{l}}, nil
}

// Start issues LaunchStart with the guest owner's policy and blobs.
func (p *Initialized[V]) Start(s Start) (*Started[V], error) {
	l, err := p.take()
	if err != nil {
		return nil, err
	}

	if l.es && s.Policy&PolicyEncryptedState == 0 {
		slog.Warn("sev: es launch with a policy that does not require es", "policy", s.Policy)
	}

	var pin runtime.Pinner
	defer pin.Unpin()

	params := &kvm.SEVLaunchStartParams{Policy: uint32(s.Policy)}
	params.DHUaddr, params.DHLen = bufAddr(&pin, s.Cert)
	params.SessionUaddr, params.SessionLen = bufAddr(&pin, s.Session)
	pin.Pin(params)

	if err := l.cmd(kvm.SEVLaunchStart, unsafe.Pointer(params)); err != nil {
		return nil, err
	}

	slog.Debug("sev: launch started", "handle", params.Handle, "policy", s.Policy)

	return &Started[V]{phase: phase[V]{p.consume()}, handle: Handle(params.Handle)}, nil
}

// Handle returns the firmware handle of the guest.
func (p *Started[V]) Handle() Handle {
	return p.handle
}

// UpdateData encrypts data in place and folds it into the measurement.
// data must be guest memory. The order of calls changes the measurement.
func (p *Started[V]) UpdateData(data []byte) error {
	l, err := p.take()
	if err != nil {
		return err
	}

	if len(data) == 0 {
		return ErrEmptyData
	}

	var pin runtime.Pinner
	defer pin.Unpin()

	params := &kvm.SEVLaunchUpdateDataParams{}
	params.Uaddr, params.Len = bufAddr(&pin, data)
	pin.Pin(params)

	return l.cmd(kvm.SEVLaunchUpdateData, unsafe.Pointer(params))
}

// UpdateVMSA encrypts the register state of every vCPU of an SEV-ES guest.
func (p *Started[V]) UpdateVMSA() error {
	l, err := p.take()
	if err != nil {
		return err
	}

	if !l.es {
		return ErrNotEncryptedState
	}

	return l.cmd(kvm.SEVLaunchUpdateVMSA, nil)
}

// Measure issues LaunchMeasure.
func (p *Started[V]) Measure() (*Measured[V], error) {
	l, err := p.take()
	if err != nil {
		return nil, err
	}

	var pin runtime.Pinner
	defer pin.Unpin()

	m := &Measurement{}
	params := &kvm.SEVLaunchMeasureParams{Uaddr: uint64(uintptr(unsafe.Pointer(m))), Len: measurementSize}
	pin.Pin(m)
	pin.Pin(params)

	if err := l.cmd(kvm.SEVLaunchMeasure, unsafe.Pointer(params)); err != nil {
		return nil, err
	}

	return &Measured[V]{phase: phase[V]{p.consume()}, handle: p.handle, measurement: *m}, nil
}

// Handle returns the firmware handle of the guest.
func (p *Measured[V]) Handle() Handle {
	return p.handle
}

// Measurement returns what LaunchMeasure reported.
func (p *Measured[V]) Measurement() Measurement {
	return p.measurement
}

// Inject issues LaunchSecret, decrypting s into the size bytes of guest
// memory mapped at host address addr.
func (p *Measured[V]) Inject(s Secret, addr uint64, size uint32) error {
	l, err := p.take()
	if err != nil {
		return err
	}

	if len(s.Ciphertext) == 0 {
		return ErrEmptyData
	}

	var pin runtime.Pinner
	defer pin.Unpin()

	hdr := &Header{}
	*hdr = s.Header
	pin.Pin(hdr)

	params := &kvm.SEVLaunchSecretParams{
		HdrUaddr:   uint64(uintptr(unsafe.Pointer(hdr))),
		HdrLen:     headerSize,
		GuestUaddr: addr,
		GuestLen:   size,
	}
	params.TransUaddr, params.TransLen = bufAddr(&pin, s.Ciphertext)
	pin.Pin(params)

	return l.cmd(kvm.SEVLaunchSecret, unsafe.Pointer(params))
}

// Finish issues LaunchFinish and hands the VM back, ready to run.
func (p *Measured[V]) Finish() (Handle, V, error) {
	l, err := p.take()
	if err != nil {
		var zero V

		return 0, zero, err
	}

	if err := l.cmd(kvm.SEVLaunchFinish, nil); err != nil {
		var zero V

		return 0, zero, err
	}

	p.consume()

	slog.Debug("sev: launch finished", "handle", p.handle)

	return p.handle, l.abort(), nil
}

// bufAddr pins b and returns its address and length.
func bufAddr(pin *runtime.Pinner, b []byte) (uint64, uint32) {
	if len(b) == 0 {
		return 0, 0
	}

	pin.Pin(&b[0])

	return uint64(uintptr(unsafe.Pointer(&b[0]))), uint32(len(b))
}
