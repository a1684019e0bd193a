package machine

import (
	"fmt"

	"github.com/bobuhiro11/sevkvm/kvm"
)

// IOHandler services one item of a port access. For reads it fills data.
type IOHandler func(port uint16, data []byte) error

// MMIOHandler services an MMIO exit.
type MMIOHandler func(addr uint64, data []byte, read bool) error

// IOPorts dispatches port and MMIO exits to per-port handlers. Ports
// without a handler fail with ErrUnexpectedIOPort.
type IOPorts struct {
	handlers [0x10000][2]IOHandler
	mmio     MMIOHandler
}

// NewIOPorts returns a table with no handlers.
func NewIOPorts() *IOPorts {
	return &IOPorts{}
}

func funcNone(uint16, []byte) error { return nil }

// Handle installs h for ports first through last in direction dir.
func (p *IOPorts) Handle(dir kvm.IODirection, first, last uint16, h IOHandler) {
	for port := int(first); port <= int(last); port++ {
		p.handlers[port][dir] = h
	}
}

// Ignore accepts writes to and reads zero from ports first through last.
func (p *IOPorts) Ignore(first, last uint16) {
	p.Handle(kvm.EXITIOIN, first, last, funcNone)
	p.Handle(kvm.EXITIOOUT, first, last, funcNone)
}

// HandleMMIO installs the MMIO handler.
func (p *IOPorts) HandleMMIO(h MMIOHandler) {
	p.mmio = h
}

// IgnoreLegacy silences the PC ports a guest commonly probes.
func (p *IOPorts) IgnoreLegacy() {
	// VGA
	p.Ignore(0x3c0, 0x3da)
	p.Ignore(0x3b4, 0x3b5)
	// CMOS clock
	p.Ignore(0x70, 0x71)
	// DMA Page Registers (Commonly 74L612 Chip)
	p.Ignore(0x80, 0x9f)
	// Serial port 2
	p.Ignore(0x2f8, 0x2ff)
	// Serial port 3
	p.Ignore(0x3e8, 0x3ef)
	// Serial port 4
	p.Ignore(0x2e8, 0x2ef)

	// PS/2 Keyboard (Always 8042 Chip)
	p.Handle(kvm.EXITIOIN, 0x60, 0x6f, func(_ uint16, data []byte) error {
		// Report an idle controller so polling guests move on.
		// refs: https://wiki.osdev.org/%228042%22_PS/2_Controller
		data[0] = 0x20

		return nil
	})
	p.Handle(kvm.EXITIOOUT, 0x60, 0x6f, funcNone)
}

// HandleExit implements ExitHandler.
func (p *IOPorts) HandleExit(_ *VirtualCPU, e Exit) error {
	switch e := e.(type) {
	case *IOInExit:
		return p.dispatch(kvm.EXITIOIN, e.Port, e.Size, e.Count, e.Data)
	case *IOOutExit:
		return p.dispatch(kvm.EXITIOOUT, e.Port, e.Size, e.Count, e.Data)
	case *MMIOExit:
		if p.mmio == nil {
			return fmt.Errorf("%w: %v", ErrUnhandledExit, e)
		}

		return p.mmio(e.Addr, e.Data, e.Read)
	}

	return fmt.Errorf("%w: %v", ErrUnhandledExit, e)
}

func (p *IOPorts) dispatch(dir kvm.IODirection, port uint16, size uint8, count uint32, data []byte) error {
	f := p.handlers[port][dir]
	if f == nil {
		return fmt.Errorf("%w: %s 0x%x", ErrUnexpectedIOPort, dir, port)
	}

	for i := 0; i < int(count); i++ {
		if err := f(port, data[i*int(size):(i+1)*int(size)]); err != nil {
			return err
		}
	}

	return nil
}
