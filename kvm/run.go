package kvm

import "unsafe"

// MMIODataLen is the capacity of the inline data buffer of an MMIO exit.
const MMIODataLen = 8

// RunData is the fixed header of the shared vCPU run page (struct kvm_run
// on x86). The exit payload union is kept as raw words and decoded only
// through the accessor matching ExitReason.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 ExitType
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	Flags                      uint16
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
	ValidRegs                  uint64
	DirtyRegs                  uint64
	SyncRegs                   [2048]byte
}

// RunDataSize is the size of the header; exit data that does not fit the
// union lives at offsets past it.
const RunDataSize = int(unsafe.Sizeof(RunData{}))

// ExitIO is the payload of an EXITIO exit.
type ExitIO struct {
	Direction  IODirection
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// IO decodes the payload of an EXITIO exit.
func (r *RunData) IO() ExitIO {
	return ExitIO{
		Direction:  IODirection(r.Data[0] & 0xFF),
		Size:       uint8((r.Data[0] >> 8) & 0xFF),
		Port:       uint16((r.Data[0] >> 16) & 0xFFFF),
		Count:      uint32((r.Data[0] >> 32) & 0xFFFFFFFF),
		DataOffset: r.Data[1],
	}
}

// ExitMMIO is the payload of an EXITMMIO exit. Data aliases the run page.
type ExitMMIO struct {
	PhysAddr uint64
	Data     []byte
	Len      uint32
	IsWrite  bool
}

// MMIO decodes the payload of an EXITMMIO exit.
func (r *RunData) MMIO() ExitMMIO {
	buf := (*[MMIODataLen]byte)(unsafe.Pointer(&r.Data[1]))

	return ExitMMIO{
		PhysAddr: r.Data[0],
		Data:     buf[:],
		Len:      uint32(r.Data[2] & 0xFFFFFFFF),
		IsWrite:  (r.Data[2]>>32)&0xFF != 0,
	}
}

// HardwareExitReason is the first payload word, which for EXITUNKNOWN and
// EXITFAILENTRY carries the hardware reason code.
func (r *RunData) HardwareExitReason() uint64 {
	return r.Data[0]
}
