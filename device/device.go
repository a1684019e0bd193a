// Package device holds the port I/O devices a guest runner attaches.
package device

import (
	"errors"

	"github.com/bobuhiro11/sevkvm/kvm"
	"github.com/bobuhiro11/sevkvm/machine"
)

var errDataLenInvalid = errors.New("invalid data size on port")

// IODevice describes the interface a IO-Port device must implement.
type IODevice interface {
	Read(port uint16, data []byte) error
	Write(port uint16, data []byte) error
	IOPort() uint16
	Size() uint16
}

// Attach routes the ports of d on p, replacing earlier handlers.
func Attach(p *machine.IOPorts, d IODevice) {
	last := d.IOPort() + d.Size() - 1

	p.Handle(kvm.EXITIOIN, d.IOPort(), last, d.Read)
	p.Handle(kvm.EXITIOOUT, d.IOPort(), last, d.Write)
}
