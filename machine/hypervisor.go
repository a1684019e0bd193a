// Package machine drives KVM: it opens the hypervisor, builds virtual
// machines from registered memory and runs their vCPUs, decoding every exit
// into a typed value.
package machine

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/bobuhiro11/sevkvm/kvm"
)

// DefaultDevice is the hypervisor device node.
const DefaultDevice = "/dev/kvm"

// Hypervisor is an open, version checked hypervisor device.
type Hypervisor struct {
	dev *os.File
}

// Open opens DefaultDevice.
func Open() (*Hypervisor, error) {
	return OpenPath(DefaultDevice)
}

// OpenPath opens the hypervisor device at path. The device is closed again
// unless it reports APIVersion.
func OpenPath(path string) (*Hypervisor, error) {
	dev, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf(`%s: %w`, path, err)
	}

	v, err := kvm.GetAPIVersion(dev.Fd())
	if err != nil {
		dev.Close()

		return nil, fmt.Errorf("%s: GetAPIVersion: %w", path, err)
	}

	if err := checkAPIVersion(int(v)); err != nil {
		dev.Close()

		return nil, err
	}

	slog.Debug("kvm: opened hypervisor", "path", path, "version", v)

	return &Hypervisor{dev: dev}, nil
}

func checkAPIVersion(v int) error {
	if v != kvm.APIVersion {
		return &VersionError{Got: v}
	}

	return nil
}

// Fd returns the system descriptor.
func (h *Hypervisor) Fd() uintptr {
	return h.dev.Fd()
}

// CheckExtension reports the value of a system wide capability.
func (h *Hypervisor) CheckExtension(c kvm.Capability) (int, error) {
	ret, err := kvm.CheckExtension(h.Fd(), c)
	if err != nil {
		return 0, fmt.Errorf("CheckExtension %s: %w", c, err)
	}

	return ret, nil
}

// VCPUMMapSize returns the size of a vCPU run page.
func (h *Hypervisor) VCPUMMapSize() (int, error) {
	size, err := kvm.GetVCPUMMapSize(h.Fd())
	if err != nil {
		return 0, fmt.Errorf("GetVCPUMMapSize: %w", err)
	}

	return int(size), nil
}

// SupportedCPUID returns the CPUID leaves KVM can expose to guests.
func (h *Hypervisor) SupportedCPUID() ([]kvm.CPUIDEntry2, error) {
	entries, err := kvm.GetSupportedCPUID(h.Fd())
	if err != nil {
		return nil, fmt.Errorf("GetSupportedCPUID: %w", err)
	}

	return entries, nil
}

// Close closes the device. Virtual machines created from h keep working.
func (h *Hypervisor) Close() error {
	return h.dev.Close()
}
