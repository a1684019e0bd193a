package device

import (
	"errors"
	"log/slog"
)

// ErrShutdown is returned by Shutdown.Write when the guest asks to power
// off. It ends the vCPU's run loop.
var ErrShutdown = errors.New("guest requested shutdown")

// ErrReset is returned when the guest asks to reboot.
var ErrReset = errors.New("guest requested reset")

// This device is used by EDK2/CloudHv to let the host know about a shutdown.
// See: https://github.com/cloud-hypervisor/edk2/blob/ch/OvmfPkg/Include/IndustryStandard/CloudHv.h
const ShutdownPort = 0x600

const (
	// The ACPI DSDT table specifies the S5 sleep state (shutdown) as value 5
	s5SleepVal       = 5
	sleepStatusENBit = 5
	sleepValBit      = 2

	// S5 with SLP_EN set.
	shutdownValue = s5SleepVal<<sleepValBit | 1<<sleepStatusENBit
	resetValue    = 1
)

// Shutdown is the ACPI sleep control register guests write to power off.
type Shutdown struct {
	Port uint16
}

func NewShutdown() *Shutdown {
	return &Shutdown{Port: ShutdownPort}
}

func (s *Shutdown) Read(_ uint16, data []byte) error {
	clear(data)

	return nil
}

func (s *Shutdown) Write(_ uint16, data []byte) error {
	switch data[0] {
	case resetValue:
		slog.Info("device: ACPI reboot signaled")

		return ErrReset
	case shutdownValue:
		slog.Info("device: ACPI shutdown signaled")

		return ErrShutdown
	}

	return nil
}

func (s *Shutdown) IOPort() uint16 {
	return s.Port
}

func (s *Shutdown) Size() uint16 {
	return 0x8
}
