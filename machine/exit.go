package machine

import (
	"fmt"

	"github.com/bobuhiro11/sevkvm/kvm"
)

// Exit is the decoded reason a Run call returned. Byte slices inside an
// Exit point into the run page unless documented otherwise and are only
// valid until the next Run.
type Exit interface {
	Type() kvm.ExitType
}

// HaltExit reports that the guest executed HLT.
type HaltExit struct{}

// IOInExit is a port read. The handler fills Data with the value the guest
// reads; it holds Count items of Size bytes.
type IOInExit struct {
	Port  uint16
	Size  uint8
	Count uint32
	Data  []byte
}

// IOOutExit is a port write. Data is a copy of what the guest wrote.
type IOOutExit struct {
	Port  uint16
	Size  uint8
	Count uint32
	Data  []byte
}

// MMIOExit is an access to guest physical memory with no region behind it.
// For reads the handler fills Data.
type MMIOExit struct {
	Addr uint64
	Data []byte
	Read bool
}

// UnsupportedExit is every exit the decoder does not interpret. The vCPU
// remains usable.
type UnsupportedExit struct {
	Reason         kvm.ExitType
	HardwareReason uint64
}

func (*HaltExit) Type() kvm.ExitType          { return kvm.EXITHLT }
func (*IOInExit) Type() kvm.ExitType          { return kvm.EXITIO }
func (*IOOutExit) Type() kvm.ExitType         { return kvm.EXITIO }
func (*MMIOExit) Type() kvm.ExitType          { return kvm.EXITMMIO }
func (e *UnsupportedExit) Type() kvm.ExitType { return e.Reason }

func (*HaltExit) String() string { return "hlt" }

func (e *IOInExit) String() string {
	return fmt.Sprintf("in port %#x size %d count %d", e.Port, e.Size, e.Count)
}

func (e *IOOutExit) String() string {
	return fmt.Sprintf("out port %#x size %d count %d data % x", e.Port, e.Size, e.Count, e.Data)
}

func (e *MMIOExit) String() string {
	if e.Read {
		return fmt.Sprintf("mmio read %#x len %d", e.Addr, len(e.Data))
	}

	return fmt.Sprintf("mmio write %#x data % x", e.Addr, e.Data)
}

func (e *UnsupportedExit) String() string {
	return fmt.Sprintf("unsupported exit %s hardware reason %#x", e.Reason, e.HardwareReason)
}

// decodeExit interprets the exit recorded in run. trailing is the part of
// the run page that follows the fixed header.
func decodeExit(run *kvm.RunData, trailing []byte) (Exit, error) {
	switch run.ExitReason {
	case kvm.EXITHLT:
		return &HaltExit{}, nil
	case kvm.EXITIO:
		return decodeIO(run, trailing)
	case kvm.EXITMMIO:
		m := run.MMIO()
		if m.Len > kvm.MMIODataLen {
			return nil, decodeErrorf(kvm.EXITMMIO, "length %d exceeds %d byte buffer", m.Len, kvm.MMIODataLen)
		}

		return &MMIOExit{Addr: m.PhysAddr, Data: m.Data[:m.Len], Read: !m.IsWrite}, nil
	}

	return &UnsupportedExit{Reason: run.ExitReason, HardwareReason: run.HardwareExitReason()}, nil
}

func decodeIO(run *kvm.RunData, trailing []byte) (Exit, error) {
	io := run.IO()

	if io.DataOffset < uint64(kvm.RunDataSize) {
		return nil, decodeErrorf(kvm.EXITIO, "data offset %#x inside the run header", io.DataOffset)
	}

	start := io.DataOffset - uint64(kvm.RunDataSize)
	n := uint64(io.Size) * uint64(io.Count)

	if start > uint64(len(trailing)) || n > uint64(len(trailing))-start {
		return nil, decodeErrorf(kvm.EXITIO, "data %#x+%d outside the %d byte run page",
			io.DataOffset, n, kvm.RunDataSize+len(trailing))
	}

	data := trailing[start : start+n]

	switch io.Direction {
	case kvm.EXITIOIN:
		return &IOInExit{Port: io.Port, Size: io.Size, Count: io.Count, Data: data}, nil
	case kvm.EXITIOOUT:
		return &IOOutExit{
			Port:  io.Port,
			Size:  io.Size,
			Count: io.Count,
			Data:  append([]byte(nil), data...),
		}, nil
	}

	return nil, decodeErrorf(kvm.EXITIO, "direction %d", io.Direction)
}
