// Package probe reports what the host offers for running KVM and SEV guests.
package probe

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/bobuhiro11/sevkvm/kvm"
	"github.com/bobuhiro11/sevkvm/machine"
)

// CapabilityStatus is what CheckExtension returned for one capability.
type CapabilityStatus struct {
	Cap   kvm.Capability
	Value int
}

// Report is the result of Collect.
type Report struct {
	Device       string
	VCPUMMapSize int
	Capabilities []CapabilityStatus
	// Address spaces a VM on this host gets.
	AddressSpaces int

	// From CPUID leaf 0x8000001f as KVM reports it.
	SEV             bool
	SEVES           bool
	CBitPosition    uint32
	EncryptedGuests uint32
	MinSEVASID      uint32

	SEVDevice    string
	SEVAvailable bool
}

// Collect opens dev and gathers a Report. sevDev is only checked for
// presence.
func Collect(dev, sevDev string) (*Report, error) {
	h, err := machine.OpenPath(dev)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	r := &Report{Device: dev, SEVDevice: sevDev}

	if r.VCPUMMapSize, err = h.VCPUMMapSize(); err != nil {
		return nil, err
	}

	for _, c := range kvm.Capabilities {
		v, err := h.CheckExtension(c)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", c, err)
		}

		r.Capabilities = append(r.Capabilities, CapabilityStatus{Cap: c, Value: v})
	}

	vm, err := machine.NewVirtualMachine(h)
	if err != nil {
		return nil, err
	}

	r.AddressSpaces = vm.AddressSpaces()

	if err := vm.Close(); err != nil {
		return nil, err
	}

	entries, err := h.SupportedCPUID()
	if err != nil {
		return nil, err
	}

	r.memEncrypt(entries)

	if _, err := os.Stat(sevDev); err == nil {
		r.SEVAvailable = true
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	return r, nil
}

func (r *Report) memEncrypt(entries []kvm.CPUIDEntry2) {
	r.SEV, r.SEVES = kvm.SEVSupport(entries)

	e, ok := kvm.Leaf(entries, kvm.CPUIDMemEncrypt, 0)
	if !ok {
		return
	}

	r.CBitPosition = e.Ebx & 0x3f
	r.EncryptedGuests = e.Ecx
	r.MinSEVASID = e.Edx
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}

	return "no"
}

// Write prints r as aligned columns.
func (r *Report) Write(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 8, 1, ' ', 0)

	fmt.Fprintf(w, "device\t%s\n", r.Device)
	fmt.Fprintf(w, "vcpu mmap size\t%d\n", r.VCPUMMapSize)
	fmt.Fprintf(w, "address spaces\t%d\n", r.AddressSpaces)
	fmt.Fprintf(w, "sev\t%s\n", yesNo(r.SEV))
	fmt.Fprintf(w, "sev-es\t%s\n", yesNo(r.SEVES))

	if r.SEV {
		fmt.Fprintf(w, "c-bit position\t%d\n", r.CBitPosition)
		fmt.Fprintf(w, "encrypted guests\t%d\n", r.EncryptedGuests)
		fmt.Fprintf(w, "min sev asid\t%d\n", r.MinSEVASID)
	}

	fmt.Fprintf(w, "%s\t%s\n", r.SEVDevice, yesNo(r.SEVAvailable))
	fmt.Fprintf(w, "\ncapability\tvalue\n")

	for _, c := range r.Capabilities {
		fmt.Fprintf(w, "%v\t%d\n", c.Cap, c.Value)
	}

	return w.Flush()
}
