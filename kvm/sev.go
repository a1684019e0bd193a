package kvm

import "strconv"

// SEVCode is the command id of a KVM_MEMORY_ENCRYPT_OP request
// (enum sev_cmd_id).
type SEVCode uint32

const (
	SEVInit SEVCode = iota
	SEVEsInit

	SEVLaunchStart
	SEVLaunchUpdateData
	SEVLaunchUpdateVMSA
	SEVLaunchSecret
	SEVLaunchMeasure
	SEVLaunchFinish

	SEVSendStart
	SEVSendUpdateData
	SEVSendUpdateVMSA
	SEVSendFinish

	SEVReceiveStart
	SEVReceiveUpdateData
	SEVReceiveUpdateVMSA
	SEVReceiveFinish

	SEVGuestStatus
	SEVDebugDecrypt
	SEVDebugEncrypt
	SEVCertExport
)

var sevCodeNames = [...]string{
	SEVInit:              "Init",
	SEVEsInit:            "EsInit",
	SEVLaunchStart:       "LaunchStart",
	SEVLaunchUpdateData:  "LaunchUpdateData",
	SEVLaunchUpdateVMSA:  "LaunchUpdateVmsa",
	SEVLaunchSecret:      "LaunchSecret",
	SEVLaunchMeasure:     "LaunchMeasure",
	SEVLaunchFinish:      "LaunchFinish",
	SEVSendStart:         "SendStart",
	SEVSendUpdateData:    "SendUpdateData",
	SEVSendUpdateVMSA:    "SendUpdateVmsa",
	SEVSendFinish:        "SendFinish",
	SEVReceiveStart:      "ReceiveStart",
	SEVReceiveUpdateData: "ReceiveUpdateData",
	SEVReceiveUpdateVMSA: "ReceiveUpdateVmsa",
	SEVReceiveFinish:     "ReceiveFinish",
	SEVGuestStatus:       "GuestStatus",
	SEVDebugDecrypt:      "DebugDecrypt",
	SEVDebugEncrypt:      "DebugEncrypt",
	SEVCertExport:        "CertExport",
}

func (c SEVCode) String() string {
	if int(c) < len(sevCodeNames) {
		return sevCodeNames[c]
	}

	return "SEVCode(" + strconv.FormatUint(uint64(c), 10) + ")"
}

// SEVCommand is the argument of KVM_MEMORY_ENCRYPT_OP (struct kvm_sev_cmd).
// Data holds the userspace address of the command specific payload.
type SEVCommand struct {
	ID    SEVCode
	_     uint32
	Data  uint64
	Error uint32
	SEVFd uint32
}

// SEVLaunchStartParams is struct kvm_sev_launch_start.
type SEVLaunchStartParams struct {
	Handle       uint32
	Policy       uint32
	DHUaddr      uint64
	DHLen        uint32
	_            uint32
	SessionUaddr uint64
	SessionLen   uint32
	_            uint32
}

// SEVLaunchUpdateDataParams is struct kvm_sev_launch_update_data.
type SEVLaunchUpdateDataParams struct {
	Uaddr uint64
	Len   uint32
	_     uint32
}

// SEVLaunchMeasureParams is struct kvm_sev_launch_measure.
type SEVLaunchMeasureParams struct {
	Uaddr uint64
	Len   uint32
	_     uint32
}

// SEVLaunchSecretParams is struct kvm_sev_launch_secret.
type SEVLaunchSecretParams struct {
	HdrUaddr   uint64
	HdrLen     uint32
	_          uint32
	GuestUaddr uint64
	GuestLen   uint32
	_          uint32
	TransUaddr uint64
	TransLen   uint32
	_          uint32
}
