package asmkit

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
)

const (
	SkipSyntax DisassemblySyntax = ""
	GNUSyntax  DisassemblySyntax = "gnu"
	GoSyntax   DisassemblySyntax = "go"
)

// InstLen is the size of every A64 instruction in bytes.
const InstLen = 4

type DisassemblySyntax string

type DisassemblerConfig struct {
	Syntax DisassemblySyntax

	// OptPC is the address of the first instruction. It only
	// affects the Go syntax rendering of PC relative operands.
	OptPC uint64
}

func NewDisassembler(config DisassemblerConfig) (*Disassembler, error) {
	var disassemblyFn func(inst arm64asm.Inst, pc uint64) string

	switch config.Syntax {
	case SkipSyntax:
		// Do nothing.
	case GNUSyntax:
		disassemblyFn = func(inst arm64asm.Inst, _ uint64) string {
			return strings.TrimSpace(arm64asm.GNUSyntax(inst))
		}
	case GoSyntax:
		disassemblyFn = func(inst arm64asm.Inst, pc uint64) string {
			return strings.TrimSpace(arm64asm.GoSyntax(inst, pc, nil, nil))
		}
	default:
		return nil, fmt.Errorf("unsupported syntax type for arm64: %q", config.Syntax)
	}

	return &Disassembler{
		pc:            config.OptPC,
		disassemblyFn: disassemblyFn,
	}, nil
}

// Disassembler decodes little-endian A64 instruction words.
//
// Words that arm64asm cannot decode are not treated as errors. They
// are reported with Known set to false and rendered as ".inst 0x...".
type Disassembler struct {
	pc            uint64
	disassemblyFn func(inst arm64asm.Inst, pc uint64) string
}

func (o *Disassembler) All(rawInstructions []byte, onDecodeFn func(Inst) error) error {
	index := 0

	for {
		if isDone(rawInstructions, index) {
			if index != len(rawInstructions) {
				return fmt.Errorf("%d trailing bytes do not form an instruction - remaining data: 0x%x",
					len(rawInstructions)-index, rawInstructions[index:])
			}

			return nil
		}

		inst, err := o.decode(rawInstructions[index:], o.pc+uint64(index))
		if err != nil {
			return fmt.Errorf("failed to decode instruction %d - %w - remaining data: 0x%x",
				index, err, rawInstructions[index:])
		}

		inst.Index = index

		err = onDecodeFn(inst)
		if err != nil {
			return fmt.Errorf("on decode function failed for instruction %d (%q) - %w",
				index, inst.Dis, err)
		}

		index += inst.Len
	}
}

func (o *Disassembler) Next(rawInstructions []byte) (Inst, error) {
	return o.decode(rawInstructions, o.pc)
}

func (o *Disassembler) decode(remainingInsts []byte, pc uint64) (Inst, error) {
	if len(remainingInsts) < InstLen {
		return Inst{}, fmt.Errorf("need %d bytes, got %d", InstLen, len(remainingInsts))
	}

	inst := Inst{
		Bin:  copySlice(remainingInsts, InstLen),
		Len:  InstLen,
		Word: Word(binary.LittleEndian.Uint32(remainingInsts)),
	}

	arm64Inst, err := arm64asm.Decode(remainingInsts[:InstLen])
	if err != nil {
		if o.disassemblyFn != nil {
			inst.Dis = fmt.Sprintf(".inst 0x%08x", uint32(inst.Word))
		}

		return inst, nil
	}

	inst.Known = true
	inst.Inst = arm64Inst

	if o.disassemblyFn != nil {
		inst.Dis = o.disassemblyFn(arm64Inst, pc)
	}

	return inst, nil
}

func copySlice(src []byte, numBytes int) []byte {
	cp := make([]byte, numBytes)

	copy(cp, src[0:numBytes])

	return cp
}

type Inst struct {
	Bin   []byte
	Len   int
	Index int
	Word  Word
	Known bool
	Dis   string
	Inst  arm64asm.Inst
}

func isDone(rawInstructions []byte, index int) bool {
	return index > len(rawInstructions)-InstLen
}
