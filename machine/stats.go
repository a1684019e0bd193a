package machine

import "sync/atomic"

// Stats counts the exits a vCPU has returned.
type Stats struct {
	Halts       uint64 `json:"halts"`
	IOIn        uint64 `json:"io_in"`
	IOOut       uint64 `json:"io_out"`
	MMIO        uint64 `json:"mmio"`
	Unsupported uint64 `json:"unsupported"`
	Interrupts  uint64 `json:"interrupts"`
	Errors      uint64 `json:"errors"`
}

type stats struct {
	halts, ioIn, ioOut, mmio, unsupported atomic.Uint64
	interrupts, errors                    atomic.Uint64
}

func (s *stats) record(e Exit) {
	switch e.(type) {
	case *HaltExit:
		s.halts.Add(1)
	case *IOInExit:
		s.ioIn.Add(1)
	case *IOOutExit:
		s.ioOut.Add(1)
	case *MMIOExit:
		s.mmio.Add(1)
	default:
		s.unsupported.Add(1)
	}
}

// Stats returns a snapshot of the exit counters.
func (c *VirtualCPU) Stats() Stats {
	return Stats{
		Halts:       c.stats.halts.Load(),
		IOIn:        c.stats.ioIn.Load(),
		IOOut:       c.stats.ioOut.Load(),
		MMIO:        c.stats.mmio.Load(),
		Unsupported: c.stats.unsupported.Load(),
		Interrupts:  c.stats.interrupts.Load(),
		Errors:      c.stats.errors.Load(),
	}
}
