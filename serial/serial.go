// Package serial emulates the transmit side of a 16550 UART on COM1.
package serial

import (
	"io"
	"log/slog"
	"sync"

	"github.com/bobuhiro11/sevkvm/device"
	"github.com/bobuhiro11/sevkvm/machine"
)

const (
	COM1Addr = 0x03f8

	// number of I/O ports the UART decodes.
	portCount = 8
)

// register offsets from COM1Addr.
const (
	regData = iota // RBR/THR, DLL when DLAB is set
	regIER         // DLM when DLAB is set
	regIIR         // FCR on write
	regLCR
	regMCR
	regLSR
	regMSR
	regSCR
)

const (
	lcrDLAB = 0x80

	// THR empty and transmitter idle.
	lsrIdle = 0x60

	// divisor latch for 9600 baud.
	divisorLow = 0xc

	iirNoInterrupt = 0x1
)

// Serial forwards every byte the guest transmits to an io.Writer. The
// receive side always reads empty.
type Serial struct {
	mu  sync.Mutex
	out io.Writer

	IER byte
	LCR byte
	MCR byte
	SCR byte
}

func New(out io.Writer) *Serial {
	return &Serial{out: out}
}

// Attach routes the COM1 port range of p to s.
func (s *Serial) Attach(p *machine.IOPorts) {
	device.Attach(p, s)
}

func (s *Serial) IOPort() uint16 {
	return COM1Addr
}

func (s *Serial) Size() uint16 {
	return portCount
}

func (s *Serial) dlab() bool {
	return s.LCR&lcrDLAB != 0
}

// Read serves a guest read of port.
func (s *Serial) Read(port uint16, values []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	port -= COM1Addr

	switch {
	case port == regData && !s.dlab():
		// RBR
		values[0] = 0
	case port == regData && s.dlab():
		// DLL
		values[0] = divisorLow
	case port == regIER && !s.dlab():
		values[0] = s.IER
	case port == regIER && s.dlab():
		// DLM
		values[0] = 0
	case port == regIIR:
		values[0] = iirNoInterrupt
	case port == regLCR:
		values[0] = s.LCR
	case port == regMCR:
		values[0] = s.MCR
	case port == regLSR:
		values[0] = lsrIdle
	case port == regMSR:
		values[0] = 0
	case port == regSCR:
		values[0] = s.SCR
	}

	return nil
}

// Write serves a guest write of port.
func (s *Serial) Write(port uint16, values []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	port -= COM1Addr

	switch {
	case port == regData && !s.dlab():
		// THR
		_, err := s.out.Write(values[:1])

		return err
	case port == regData && s.dlab():
		slog.Debug("serial: write DLL", "value", values[0])
	case port == regIER && !s.dlab():
		s.IER = values[0]
	case port == regIER && s.dlab():
		slog.Debug("serial: write DLM", "value", values[0])
	case port == regIIR:
		slog.Debug("serial: write FCR", "value", values[0])
	case port == regLCR:
		s.LCR = values[0]
	case port == regMCR:
		s.MCR = values[0]
	case port == regSCR:
		s.SCR = values[0]
	default:
		// factory test or not used
		slog.Debug("serial: ignored write", "port", port+COM1Addr, "value", values[0])
	}

	return nil
}
