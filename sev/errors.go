package sev

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/bobuhiro11/sevkvm/kvm"
)

var (
	// ErrConsumed is returned by a launch phase that already moved on.
	ErrConsumed = errors.New("sev: launch phase already consumed")
	// ErrNotEncryptedState is UpdateVMSA on a plain SEV launch.
	ErrNotEncryptedState = errors.New("sev: launch is not SEV-ES")
	// ErrEmptyData is a command given no bytes to work on.
	ErrEmptyData = errors.New("sev: empty buffer")
)

// Status is a firmware status code.
type Status uint32

const (
	StatusSuccess              Status = 0x00
	StatusInvalidPlatformState Status = 0x01
	StatusInvalidGuestState    Status = 0x02
	StatusInvalidConfig        Status = 0x03
	StatusInvalidLength        Status = 0x04
	StatusAlreadyOwned         Status = 0x05
	StatusInvalidCertificate   Status = 0x06
	StatusPolicyFailure        Status = 0x07
	StatusInactive             Status = 0x08
	StatusInvalidAddress       Status = 0x09
	StatusBadSignature         Status = 0x0a
	StatusBadMeasurement       Status = 0x0b
	StatusASIDOwned            Status = 0x0c
	StatusInvalidASID          Status = 0x0d
	StatusWBINVDRequired       Status = 0x0e
	StatusDFFlushRequired      Status = 0x0f
	StatusInvalidGuest         Status = 0x10
	StatusInvalidCommand       Status = 0x11
	StatusActive               Status = 0x12
	StatusHWErrorPlatform      Status = 0x13
	StatusHWErrorUnsafe        Status = 0x14
	StatusUnsupported          Status = 0x15
	StatusInvalidParam         Status = 0x16
	StatusResourceLimit        Status = 0x17
	StatusSecureDataInvalid    Status = 0x18
)

var statusNames = [...]string{
	StatusSuccess:              "success",
	StatusInvalidPlatformState: "invalid platform state",
	StatusInvalidGuestState:    "invalid guest state",
	StatusInvalidConfig:        "invalid config",
	StatusInvalidLength:        "invalid length",
	StatusAlreadyOwned:         "already owned",
	StatusInvalidCertificate:   "invalid certificate",
	StatusPolicyFailure:        "policy failure",
	StatusInactive:             "inactive",
	StatusInvalidAddress:       "invalid address",
	StatusBadSignature:         "bad signature",
	StatusBadMeasurement:       "bad measurement",
	StatusASIDOwned:            "asid owned",
	StatusInvalidASID:          "invalid asid",
	StatusWBINVDRequired:       "wbinvd required",
	StatusDFFlushRequired:      "df flush required",
	StatusInvalidGuest:         "invalid guest",
	StatusInvalidCommand:       "invalid command",
	StatusActive:               "active",
	StatusHWErrorPlatform:      "platform hardware error",
	StatusHWErrorUnsafe:        "unsafe hardware error",
	StatusUnsupported:          "unsupported",
	StatusInvalidParam:         "invalid parameter",
	StatusResourceLimit:        "resource limit",
	StatusSecureDataInvalid:    "secure data invalid",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}

	return "Status(" + strconv.FormatUint(uint64(s), 16) + ")"
}

func (s Status) known() bool {
	return s <= StatusSecureDataInvalid
}

// FirmwareError is a command that failed with a status the firmware
// documents. Code StatusSuccess means the request failed before reaching
// the firmware and Err holds the OS error.
type FirmwareError struct {
	Op   kvm.SEVCode
	Code Status
	Err  error
}

func (e *FirmwareError) Error() string {
	if e.Code == StatusSuccess {
		return fmt.Sprintf("sev: %s: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("sev: %s: firmware: %s", e.Op, e.Code)
}

func (e *FirmwareError) Unwrap() error { return e.Err }

// Is matches another *FirmwareError with the same code, so callers can
// test for a status with errors.Is(err, &FirmwareError{Code: ...}).
func (e *FirmwareError) Is(target error) bool {
	t, ok := target.(*FirmwareError)

	return ok && t.Code == e.Code
}

// IndeterminateError is a command that failed with a status outside the
// documented set.
type IndeterminateError struct {
	Op   kvm.SEVCode
	Code uint32
	Err  error
}

func (e *IndeterminateError) Error() string {
	return fmt.Sprintf("sev: %s: unknown firmware status %#x", e.Op, e.Code)
}

func (e *IndeterminateError) Unwrap() error { return e.Err }

func classify(op kvm.SEVCode, code uint32, err error) error {
	if s := Status(code); s.known() {
		return &FirmwareError{Op: op, Code: s, Err: err}
	}

	return &IndeterminateError{Op: op, Code: code, Err: err}
}
