package kvm

import "strconv"

// Capability is a KVM_CAP_* value passed to CheckExtension.
type Capability uint

const (
	CapIRQChip            Capability = 0
	CapHLT                Capability = 1
	CapUserMemory         Capability = 3
	CapSetTSSAddr         Capability = 4
	CapEXTCPUID           Capability = 7
	CapNRVCPUs            Capability = 9
	CapNRMemSlots         Capability = 10
	CapMPState            Capability = 14
	CapCoalescedMMIO      Capability = 15
	CapSyncMMU            Capability = 16
	CapIOMMU              Capability = 18
	CapUserNMI            Capability = 22
	CapSetGuestDebug      Capability = 23
	CapIRQRouting         Capability = 25
	CapMCE                Capability = 31
	CapIRQFD              Capability = 32
	CapPIT2               Capability = 33
	CapIOEventFD          Capability = 36
	CapSetIdentityMapAddr Capability = 37
	CapVCPUEvents         Capability = 41
	CapINTRShadow         Capability = 49
	CapDebugRegs          Capability = 50
	CapEnableCap          Capability = 54
	CapXSave              Capability = 55
	CapXCRS               Capability = 56
	CapMaxVCPUs           Capability = 66
	CapONEREG             Capability = 70
	CapSyncRegs           Capability = 74
	CapKVMClockCtrl       Capability = 76
	CapReadonlyMem        Capability = 81
	CapX86SMM             Capability = 117
	CapMultiAddressSpace  Capability = 118
	CapImmediateExit      Capability = 136
)

var capabilityNames = map[Capability]string{
	CapIRQChip:            "CapIRQChip",
	CapHLT:                "CapHLT",
	CapUserMemory:         "CapUserMemory",
	CapSetTSSAddr:         "CapSetTSSAddr",
	CapEXTCPUID:           "CapEXTCPUID",
	CapNRVCPUs:            "CapNRVCPUs",
	CapNRMemSlots:         "CapNRMemSlots",
	CapMPState:            "CapMPState",
	CapCoalescedMMIO:      "CapCoalescedMMIO",
	CapSyncMMU:            "CapSyncMMU",
	CapIOMMU:              "CapIOMMU",
	CapUserNMI:            "CapUserNMI",
	CapSetGuestDebug:      "CapSetGuestDebug",
	CapIRQRouting:         "CapIRQRouting",
	CapMCE:                "CapMCE",
	CapIRQFD:              "CapIRQFD",
	CapPIT2:               "CapPIT2",
	CapIOEventFD:          "CapIOEventFD",
	CapSetIdentityMapAddr: "CapSetIdentityMapAddr",
	CapVCPUEvents:         "CapVCPUEvents",
	CapINTRShadow:         "CapINTRShadow",
	CapDebugRegs:          "CapDebugRegs",
	CapEnableCap:          "CapEnableCap",
	CapXSave:              "CapXSave",
	CapXCRS:               "CapXCRS",
	CapMaxVCPUs:           "CapMaxVCPUs",
	CapONEREG:             "CapONEREG",
	CapSyncRegs:           "CapSyncRegs",
	CapKVMClockCtrl:       "CapKVMClockCtrl",
	CapReadonlyMem:        "CapReadonlyMem",
	CapX86SMM:             "CapX86SMM",
	CapMultiAddressSpace:  "CapMultiAddressSpace",
	CapImmediateExit:      "CapImmediateExit",
}

// Capabilities lists every capability this package knows by name, in
// ascending order.
var Capabilities = []Capability{
	CapIRQChip, CapHLT, CapUserMemory, CapSetTSSAddr, CapEXTCPUID,
	CapNRVCPUs, CapNRMemSlots, CapMPState, CapCoalescedMMIO, CapSyncMMU,
	CapIOMMU, CapUserNMI, CapSetGuestDebug, CapIRQRouting, CapMCE,
	CapIRQFD, CapPIT2, CapIOEventFD, CapSetIdentityMapAddr, CapVCPUEvents,
	CapINTRShadow, CapDebugRegs, CapEnableCap, CapXSave, CapXCRS,
	CapMaxVCPUs, CapONEREG, CapSyncRegs, CapKVMClockCtrl, CapReadonlyMem,
	CapX86SMM, CapMultiAddressSpace, CapImmediateExit,
}

func (c Capability) String() string {
	if s, ok := capabilityNames[c]; ok {
		return s
	}

	return "Capability(" + strconv.FormatUint(uint64(c), 10) + ")"
}
