package asmkit

// Fixed instruction words used by the vector hook payload.
const (
	// nop
	NOP Word = 0xd503201f

	// stp x0, x1, [sp]
	StpX0X1 Word = 0xa90007e0

	// stp x2, x3, [sp, #16]
	StpX2X3 Word = 0xa9010fe2

	// ldp x0, x1, [sp]
	LdpX0X1 Word = 0xa94007e0

	// ldp x2, x3, [sp, #16]
	LdpX2X3 Word = 0xa9410fe2

	// mrs x0, ttbr1_el1
	MrsX0TTBR1 Word = 0xd5382020

	// msr dbgbvr1_el1, x0
	MsrDBGBVR1X0 Word = 0xd5100180

	// msr dbgbvr0_el1, x0
	MsrDBGBVR0X0 Word = 0xd5100080

	// mov x0, sp
	MovX0SP Word = 0x910003e0

	// smc #0
	SMC0 Word = 0xd4000003
)
