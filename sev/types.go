package sev

import (
	"fmt"
	"strings"
	"unsafe"
)

// Handle identifies a guest to the SEV firmware.
type Handle uint32

// Policy is the guest policy bound to a launch.
type Policy uint32

const (
	// PolicyNoDebug forbids debugging of the guest.
	PolicyNoDebug Policy = 1 << 0
	// PolicyNoKeySharing forbids sharing keys with other guests.
	PolicyNoKeySharing Policy = 1 << 1
	// PolicyEncryptedState requires SEV-ES.
	PolicyEncryptedState Policy = 1 << 2
	// PolicyNoSend forbids migration of the guest.
	PolicyNoSend Policy = 1 << 3
	// PolicyDomain restricts migration to the same domain.
	PolicyDomain Policy = 1 << 4
	// PolicySEV restricts migration to SEV capable platforms.
	PolicySEV Policy = 1 << 5

	policyFlags = PolicyNoDebug | PolicyNoKeySharing | PolicyEncryptedState |
		PolicyNoSend | PolicyDomain | PolicySEV
)

var policyNames = []struct {
	bit  Policy
	name string
}{
	{PolicyNoDebug, "nodbg"},
	{PolicyNoKeySharing, "noks"},
	{PolicyEncryptedState, "es"},
	{PolicyNoSend, "nosend"},
	{PolicyDomain, "domain"},
	{PolicySEV, "sev"},
}

// WithAPI returns p requiring at least firmware API version major.minor.
func (p Policy) WithAPI(major, minor uint8) Policy {
	return p&policyFlags | Policy(major)<<16 | Policy(minor)<<24
}

// APIMajor returns the minimum firmware API major version.
func (p Policy) APIMajor() uint8 { return uint8(p >> 16) }

// APIMinor returns the minimum firmware API minor version.
func (p Policy) APIMinor() uint8 { return uint8(p >> 24) }

func (p Policy) String() string {
	var parts []string

	for _, n := range policyNames {
		if p&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}

	parts = append(parts, fmt.Sprintf("api>=%d.%d", p.APIMajor(), p.APIMinor()))

	return strings.Join(parts, ",")
}

// Start carries what the guest owner prepared for LaunchStart. Cert is the
// owner's Diffie-Hellman certificate and Session the session parameters;
// both are passed to the firmware as is.
type Start struct {
	Policy  Policy
	Cert    []byte
	Session []byte
}

// Measurement is the launch digest and the nonce the firmware mixed in.
type Measurement struct {
	Digest [32]byte
	Nonce  [16]byte
}

const measurementSize = uint32(unsafe.Sizeof(Measurement{}))

// HeaderFlags are the flags of a secret header.
type HeaderFlags uint32

// Header describes how a secret was wrapped by the guest owner.
type Header struct {
	Flags HeaderFlags
	IV    [16]byte
	MAC   [32]byte
}

const headerSize = uint32(unsafe.Sizeof(Header{}))

// Secret is a packet produced by the guest owner for injection after
// measurement.
type Secret struct {
	Header     Header
	Ciphertext []byte
}
