package ptw

import (
	"fmt"

	"gitlab.com/stephen-fox/investee/memory"
)

// Table geometry for the 4KB translation granule with
// 48-bit output addresses.
const (
	// NumLevels is the number of lookup levels walked.
	NumLevels = 4

	// EntriesPerTable is the number of descriptors in a table.
	EntriesPerTable = 512

	// DescriptorSize is the size of a descriptor in bytes.
	DescriptorSize = 8

	indexBits    = 9
	indexMask    = EntriesPerTable - 1
	addressBits  = 36
	addressShift = memory.PageShift
	addressMask  = 1<<addressBits - 1
)

// Level is a lookup level, 0 through 3.
type Level uint8

const (
	Level0 Level = iota
	Level1
	Level2
	Level3
)

// Shift returns the bit position of the level's index
// within a virtual address.
func (o Level) Shift() uint {
	return memory.PageShift + indexBits*uint(Level3-o)
}

// Index returns the descriptor index selected by va at this level.
func (o Level) Index(va memory.VirtAddr) uint64 {
	return (uint64(va) >> o.Shift()) & indexMask
}

func (o Level) String() string {
	return fmt.Sprintf("L%d", uint8(o))
}

// Kind is the type of a descriptor, which depends on its
// bits and the level it was read at.
type Kind int

const (
	KindInvalid Kind = iota
	KindBlock
	KindTable
	KindPage
)

func (o Kind) String() string {
	switch o {
	case KindInvalid:
		return "invalid"
	case KindBlock:
		return "block"
	case KindTable:
		return "table"
	case KindPage:
		return "page"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

// Descriptor is a raw long-descriptor format table entry.
//
//	bit  0      valid
//	bit  1      table flag (levels 0-2) or page flag (level 3)
//	bits 2-11   ignored
//	bits 12-47  next-level table address or output address
//	bits 48-63  ignored
type Descriptor uint64

// Valid returns the valid bit.
func (o Descriptor) Valid() bool {
	return o&1 == 1
}

// TableFlag returns bit 1, interpreted as the table flag of
// a level 0-2 descriptor.
func (o Descriptor) TableFlag() bool {
	return o>>1&1 == 1
}

// PageFlag returns bit 1, interpreted as the page flag of
// a level 3 descriptor.
func (o Descriptor) PageFlag() bool {
	return o>>1&1 == 1
}

// NextTableAddress returns the 36-bit next-level table
// address field (bits 12-47).
func (o Descriptor) NextTableAddress() uint64 {
	return uint64(o) >> addressShift & addressMask
}

// OutputAddress returns the 36-bit output address
// field (bits 12-47).
func (o Descriptor) OutputAddress() uint64 {
	return uint64(o) >> addressShift & addressMask
}

// Kind returns the descriptor's type when read at level.
func (o Descriptor) Kind(level Level) Kind {
	switch {
	case !o.Valid():
		return KindInvalid
	case level == Level3 && o.PageFlag():
		return KindPage
	case level == Level3:
		return KindInvalid
	case o.TableFlag():
		return KindTable
	default:
		return KindBlock
	}
}

// TableDescriptor returns a valid table descriptor pointing
// at the specified next-level table.
func TableDescriptor(nextTable memory.PhysAddr) Descriptor {
	return Descriptor(uint64(nextTable)&(addressMask<<addressShift)) | 0b11
}

// PageDescriptor returns a valid level 3 page descriptor with
// the specified output address.
func PageDescriptor(output memory.PhysAddr) Descriptor {
	return Descriptor(uint64(output)&(addressMask<<addressShift)) | 0b11
}

// BlockDescriptor returns a valid block descriptor. Blocks are
// not supported by Translate, it reports them as unmapped.
func BlockDescriptor(output memory.PhysAddr) Descriptor {
	return Descriptor(uint64(output)&(addressMask<<addressShift)) | 0b01
}
