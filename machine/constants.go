package machine

const (
	// CR0 bits.
	CR0xPE = 1
	CR0xPG = (1 << 31)

	// CR4 bits.
	CR4xPAE = (1 << 5)

	EFERxLME = (1 << 8)
	EFERxLMA = (1 << 10)

	// 64-bit page * entry bits.
	PDE64xPRESENT = 1
	PDE64xRW      = (1 << 1)
	PDE64xPS      = (1 << 7)

	pageShift    = 12
	pteAddrMask  = 0x000f_ffff_ffff_f000
	pteIndexMask = 0x1ff
)
