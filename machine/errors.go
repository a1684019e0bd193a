package machine

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/sevkvm/kvm"
)

var (
	ErrIncompatibleVersion = errors.New("incompatible KVM API version")
	ErrInvalidAddressSpace = errors.New("address space out of range")
	ErrLaunchInProgress    = errors.New("vm is under secure launch")
	ErrDecode              = errors.New("malformed exit payload")
	ErrInterrupted         = errors.New("vcpu run interrupted")
	ErrClosed              = errors.New("use of closed vm or vcpu")
	ErrUnhandledExit       = errors.New("unhandled exit")
	ErrUnexpectedIOPort    = errors.New("unexpected io port")
	ErrRunPageTooSmall     = errors.New("vcpu mmap size smaller than kvm_run")
)

// VersionError reports the API version of a hypervisor this package cannot
// drive.
type VersionError struct {
	Got int
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("kvm: api version %d, want %d", e.Got, kvm.APIVersion)
}

func (e *VersionError) Is(target error) bool {
	return target == ErrIncompatibleVersion
}

// DecodeError reports an exit whose payload breaks the run page layout.
type DecodeError struct {
	Reason kvm.ExitType
	Msg    string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("kvm: decode %s: %s", e.Reason, e.Msg)
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func decodeErrorf(reason kvm.ExitType, format string, args ...any) error {
	return &DecodeError{Reason: reason, Msg: fmt.Sprintf(format, args...)}
}
