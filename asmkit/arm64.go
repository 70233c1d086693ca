package asmkit

import (
	"encoding/binary"
	"fmt"
)

const (
	branchOpcode  = 0x14000000
	branchMask    = 0xfc000000
	branchImmMask = 0x03ffffff

	smcOpcode = 0xd4000003
	smcMask   = 0xffe0001f
)

// Word is a single A64 instruction.
type Word uint32

func (o Word) Bytes() []byte {
	b := make([]byte, InstLen)
	binary.LittleEndian.PutUint32(b, uint32(o))
	return b
}

func (o Word) String() string {
	return fmt.Sprintf("0x%08x", uint32(o))
}

// Reg is a general purpose register number. Register 31 means SP
// or XZR depending on the instruction.
type Reg uint8

const (
	X0 Reg = iota
	X1
	X2
	X3
	SP Reg = 31
)

func (o Reg) String() string {
	if o == SP {
		return "sp"
	}

	return fmt.Sprintf("x%d", o)
}

// SysReg identifies a system register by its MRS/MSR encoding fields.
type SysReg struct {
	Op0 uint8
	Op1 uint8
	CRn uint8
	CRm uint8
	Op2 uint8
}

var (
	TTBR1EL1   = SysReg{Op0: 3, Op1: 0, CRn: 2, CRm: 0, Op2: 1}
	DBGBVR0EL1 = SysReg{Op0: 2, Op1: 0, CRn: 0, CRm: 0, Op2: 4}
	DBGBVR1EL1 = SysReg{Op0: 2, Op1: 0, CRn: 0, CRm: 1, Op2: 4}
)

// String returns the generic S<op0>_<op1>_C<n>_C<m>_<op2> name,
// which is also what arm64asm prints.
func (o SysReg) String() string {
	return fmt.Sprintf("S%d_%d_C%d_C%d_%d", o.Op0, o.Op1, o.CRn, o.CRm, o.Op2)
}

func (o SysReg) fields() uint32 {
	return uint32(o.Op0&0b11)<<19 |
		uint32(o.Op1&0b111)<<16 |
		uint32(o.CRn&0xf)<<12 |
		uint32(o.CRm&0xf)<<8 |
		uint32(o.Op2&0b111)<<5
}

// B encodes an unconditional branch. offsetInsts is the distance
// to the target in instructions, not bytes.
func B(offsetInsts int32) Word {
	return Word(branchOpcode | uint32(offsetInsts)&branchImmMask)
}

// DecodeB returns the signed instruction offset of an unconditional
// branch, or false if w is not one.
func DecodeB(w Word) (int32, bool) {
	if uint32(w)&branchMask != branchOpcode {
		return 0, false
	}

	return int32(uint32(w)<<6) >> 6, true
}

// STP64 encodes "stp rt, rt2, [rn, #offset]". The offset must be
// a multiple of 8 in [-512, 504].
func STP64(rt Reg, rt2 Reg, rn Reg, offset int) (Word, error) {
	return pair(0xa9000000, rt, rt2, rn, offset)
}

// LDP64 encodes "ldp rt, rt2, [rn, #offset]".
func LDP64(rt Reg, rt2 Reg, rn Reg, offset int) (Word, error) {
	return pair(0xa9400000, rt, rt2, rn, offset)
}

func pair(opcode uint32, rt Reg, rt2 Reg, rn Reg, offset int) (Word, error) {
	if offset%8 != 0 || offset < -512 || offset > 504 {
		return 0, fmt.Errorf("pair offset %d is not a multiple of 8 in [-512, 504]", offset)
	}

	imm7 := uint32(offset/8) & 0x7f

	return Word(opcode | imm7<<15 | reg(rt2)<<10 | reg(rn)<<5 | reg(rt)), nil
}

// MOVZ encodes "movz rd, #imm16, lsl #shift".
func MOVZ(rd Reg, imm16 uint16, shift uint) (Word, error) {
	return moveWide(0xd2800000, rd, imm16, shift)
}

// MOVK encodes "movk rd, #imm16, lsl #shift".
func MOVK(rd Reg, imm16 uint16, shift uint) (Word, error) {
	return moveWide(0xf2800000, rd, imm16, shift)
}

func moveWide(opcode uint32, rd Reg, imm16 uint16, shift uint) (Word, error) {
	if shift%16 != 0 || shift > 48 {
		return 0, fmt.Errorf("move wide shift %d is not one of 0, 16, 32, 48", shift)
	}

	return Word(opcode | uint32(shift/16)<<21 | uint32(imm16)<<5 | reg(rd)), nil
}

// MovFromSP encodes "mov rd, sp" (an alias of "add rd, sp, #0").
func MovFromSP(rd Reg) Word {
	return Word(0x91000000 | reg(SP)<<5 | reg(rd))
}

// MRS encodes "mrs rt, sysreg".
func MRS(rt Reg, sysreg SysReg) Word {
	return Word(0xd5200000 | sysreg.fields() | reg(rt))
}

// MSR encodes "msr sysreg, rt".
func MSR(sysreg SysReg, rt Reg) Word {
	return Word(0xd5000000 | sysreg.fields() | reg(rt))
}

// SMC encodes "smc #imm16".
func SMC(imm16 uint16) Word {
	return Word(smcOpcode | uint32(imm16)<<5)
}

// DecodeSMC returns the immediate of a secure monitor call, or false
// if w is not one.
func DecodeSMC(w Word) (uint16, bool) {
	if uint32(w)&smcMask != smcOpcode {
		return 0, false
	}

	return uint16(uint32(w) >> 5), true
}

func reg(r Reg) uint32 {
	return uint32(r) & 0x1f
}
