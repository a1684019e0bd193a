package kvm

import "strconv"

// ExitType is the exit_reason code KVM leaves in the run page.
type ExitType uint32

const (
	EXITUNKNOWN       ExitType = 0
	EXITEXCEPTION     ExitType = 1
	EXITIO            ExitType = 2
	EXITHYPERCALL     ExitType = 3
	EXITDEBUG         ExitType = 4
	EXITHLT           ExitType = 5
	EXITMMIO          ExitType = 6
	EXITIRQWINDOWOPEN ExitType = 7
	EXITSHUTDOWN      ExitType = 8
	EXITFAILENTRY     ExitType = 9
	EXITINTR          ExitType = 10
	EXITSETTPR        ExitType = 11
	EXITTPRACCESS     ExitType = 12
	EXITS390SIEIC     ExitType = 13
	EXITS390RESET     ExitType = 14
	EXITDCR           ExitType = 15
	EXITNMI           ExitType = 16
	EXITINTERNALERROR ExitType = 17
	EXITOSI           ExitType = 18
	EXITPAPRHCALL     ExitType = 19
	EXITS390UCONTROL  ExitType = 20
	EXITWATCHDOG      ExitType = 21
	EXITS390TSCH      ExitType = 22
	EXITEPR           ExitType = 23
	EXITSYSTEMEVENT   ExitType = 24
	EXITS390STSI      ExitType = 25
	EXITIOAPICEOI     ExitType = 26
	EXITHYPERV        ExitType = 27
)

var exitTypeNames = [...]string{
	EXITUNKNOWN:       "EXITUNKNOWN",
	EXITEXCEPTION:     "EXITEXCEPTION",
	EXITIO:            "EXITIO",
	EXITHYPERCALL:     "EXITHYPERCALL",
	EXITDEBUG:         "EXITDEBUG",
	EXITHLT:           "EXITHLT",
	EXITMMIO:          "EXITMMIO",
	EXITIRQWINDOWOPEN: "EXITIRQWINDOWOPEN",
	EXITSHUTDOWN:      "EXITSHUTDOWN",
	EXITFAILENTRY:     "EXITFAILENTRY",
	EXITINTR:          "EXITINTR",
	EXITSETTPR:        "EXITSETTPR",
	EXITTPRACCESS:     "EXITTPRACCESS",
	EXITS390SIEIC:     "EXITS390SIEIC",
	EXITS390RESET:     "EXITS390RESET",
	EXITDCR:           "EXITDCR",
	EXITNMI:           "EXITNMI",
	EXITINTERNALERROR: "EXITINTERNALERROR",
	EXITOSI:           "EXITOSI",
	EXITPAPRHCALL:     "EXITPAPRHCALL",
	EXITS390UCONTROL:  "EXITS390UCONTROL",
	EXITWATCHDOG:      "EXITWATCHDOG",
	EXITS390TSCH:      "EXITS390TSCH",
	EXITEPR:           "EXITEPR",
	EXITSYSTEMEVENT:   "EXITSYSTEMEVENT",
	EXITS390STSI:      "EXITS390STSI",
	EXITIOAPICEOI:     "EXITIOAPICEOI",
	EXITHYPERV:        "EXITHYPERV",
}

func (e ExitType) String() string {
	if int(e) < len(exitTypeNames) {
		return exitTypeNames[e]
	}

	return "ExitType(" + strconv.FormatUint(uint64(e), 10) + ")"
}

// IODirection is the direction field of an I/O exit.
type IODirection uint8

const (
	EXITIOIN  IODirection = 0
	EXITIOOUT IODirection = 1
)

func (d IODirection) String() string {
	switch d {
	case EXITIOIN:
		return "in"
	case EXITIOOUT:
		return "out"
	}

	return "IODirection(" + strconv.Itoa(int(d)) + ")"
}
