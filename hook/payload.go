package hook

import (
	"encoding/binary"
	"errors"
	"fmt"

	"gitlab.com/stephen-fox/investee/asmkit"
	"gitlab.com/stephen-fox/investee/bstruct"
	"gitlab.com/stephen-fox/investee/iokit"
	"gitlab.com/stephen-fox/investee/profile"
)

// ErrBadSignature means the signature is not a forward branch that
// lands beyond the payload, so no return branch can be derived.
var ErrBadSignature = errors.New("signature is not a branch past the hook payload")

// Block is one contiguous run of payload instructions.
type Block [profile.HookBlockLen]asmkit.Word

// Bytes returns the little-endian encoding of the block.
func (o Block) Bytes() []byte {
	b := iokit.NewPayloadBuilder()
	for _, w := range o {
		b.Byter(w)
	}

	return b.Build()
}

// Payload is everything written into the untrusted system by
// an Injector.
//
// The Entry branch replaces the signature at the hook site and jumps
// to First. First saves x0-x3, stores TTBR1_EL1 and SP in the debug
// breakpoint value registers and branches to Second. Second performs
// the SMC into the secure world, restores x0-x3 and branches to where
// the signature originally pointed.
type Payload struct {
	Layout profile.HookLayout
	Entry  asmkit.Word
	First  Block
	Second Block

	// Message is the encoded command descriptor for the shared buffer.
	Message []byte
}

// ReturnBranch is the final instruction of the payload.
func (o Payload) ReturnBranch() asmkit.Word {
	return o.Second[profile.HookBlockLen-1]
}

// BuildPayload assembles the payload for the profile's hook layout,
// SMC function id, shared buffer and signature.
//
// The signature must be an unconditional forward branch (B) whose
// target is past the hook layout's exit slot: the return branch is
// the signature's branch rebased to the exit slot. Any other word is
// rejected with ErrBadSignature.
func BuildPayload(p profile.Profile, signature asmkit.Word) (Payload, error) {
	layout := p.Hook

	target, isBranch := asmkit.DecodeB(signature)
	if !isBranch || target < int32(layout.ExitSlot()) {
		return Payload{}, fmt.Errorf("%w - 0x%08x (exit slot %d)",
			ErrBadSignature, uint32(signature), layout.ExitSlot())
	}

	bufHi, bufLo := p.SharedBufferHalves()
	if bufLo&0xffff != 0 || bufHi > 0xffff {
		return Payload{}, fmt.Errorf("shared buffer %s cannot be loaded with two move wide instructions",
			p.SharedBuffer)
	}

	fn := uint32(p.SMCFunctionID)

	first := iokit.NewPayloadBuilder().
		Byter(asmkit.StpX0X1).
		Byter(asmkit.StpX2X3).
		Byter(asmkit.NOP).
		Byter(asmkit.MrsX0TTBR1).
		Byter(asmkit.MsrDBGBVR1X0).
		Byter(asmkit.MovX0SP).
		Byter(asmkit.MsrDBGBVR0X0).
		Byter(asmkit.B(int32(layout.SecondBlockSlot - layout.LinkSlot())))

	second := iokit.NewPayloadBuilder().
		Encoded(asmkit.MOVZ(asmkit.X0, uint16(fn), 0)).
		Encoded(asmkit.MOVK(asmkit.X0, uint16(fn>>16), 16)).
		Encoded(asmkit.MOVZ(asmkit.X1, uint16(bufHi), 0)).
		Encoded(asmkit.MOVZ(asmkit.X2, uint16(bufLo>>16), 16)).
		Byter(asmkit.SMC0).
		Byter(asmkit.LdpX2X3).
		Byter(asmkit.LdpX0X1).
		Byter(asmkit.B(target - int32(layout.ExitSlot())))

	payload := Payload{
		Layout: layout,
		Entry:  asmkit.B(int32(layout.TrampolineSlot)),
	}

	err := toBlock(first, &payload.First)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to build first block - %w", err)
	}

	err = toBlock(second, &payload.Second)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to build second block - %w", err)
	}

	payload.Message, err = bstruct.StructToBytes(p.Message, binary.LittleEndian, nil)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to encode command descriptor - %w", err)
	}

	return payload, nil
}

func toBlock(b *iokit.PayloadBuilder, block *Block) error {
	raw, err := b.Result()
	if err != nil {
		return err
	}

	if len(raw) != len(block)*asmkit.InstLen {
		return fmt.Errorf("block is %d bytes, expected %d", len(raw), len(block)*asmkit.InstLen)
	}

	for i := range block {
		block[i] = asmkit.Word(binary.LittleEndian.Uint32(raw[i*asmkit.InstLen:]))
	}

	return nil
}
