package ptw

import (
	"fmt"
	"log"

	"gitlab.com/stephen-fox/investee/memory"
)

// Reader reads 64-bit words of physical memory.
// *memory.Accessor implements it.
type Reader interface {
	Read64(pa memory.PhysAddr) uint64
}

// Fault describes why a walk ended without a translation.
type Fault int

const (
	FaultNone Fault = iota

	// FaultInvalid means a descriptor's valid bit was clear.
	FaultInvalid

	// FaultNotPage means a level 3 descriptor did not
	// have its page flag set.
	FaultNotPage

	// FaultBlockUnsupported means a block descriptor was found
	// at level 0-2. Block mappings are not translated.
	FaultBlockUnsupported
)

func (o Fault) String() string {
	switch o {
	case FaultNone:
		return "none"
	case FaultInvalid:
		return "invalid descriptor"
	case FaultNotPage:
		return "level 3 descriptor is not a page"
	case FaultBlockUnsupported:
		return "block descriptors are unsupported"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

// Translation is the result of a walk. Phys is only meaningful
// when Mapped is true.
type Translation struct {
	VA     memory.VirtAddr
	Phys   memory.PhysAddr
	Mapped bool

	// Level is the level the walk ended at.
	Level Level

	// Descriptor is the last descriptor read.
	Descriptor Descriptor

	// Fault is FaultNone if Mapped is true.
	Fault Fault
}

func (o Translation) String() string {
	if o.Mapped {
		return fmt.Sprintf("%s -> %s", o.VA, o.Phys)
	}

	return fmt.Sprintf("%s -> unmapped (%s at %s, descriptor 0x%016x)",
		o.VA, o.Fault, o.Level, uint64(o.Descriptor))
}

// Step describes one descriptor read during a walk.
type Step struct {
	Level      Level
	Table      memory.PhysAddr
	Index      uint64
	Descriptor Descriptor
}

// Translate walks the tables rooted at tableBase to translate va.
// It is shorthand for a Walker with no options.
func Translate(mem Reader, va memory.VirtAddr, tableBase memory.PhysAddr) Translation {
	w := Walker{Mem: mem}
	return w.Translate(va, tableBase)
}

// Walker translates virtual addresses by reading the untrusted
// system's translation tables from physical memory.
type Walker struct {
	// Mem is used to read descriptors.
	Mem Reader

	// OptStepFn, when non-nil, is called with every descriptor
	// read during a walk.
	OptStepFn func(Step)

	// Verbose, when non-nil, logs each walk's steps.
	Verbose *log.Logger
}

// Translate walks the tables rooted at tableBase to translate va.
//
// The walk is a loop of at most NumLevels iterations. Only table
// descriptors at levels 0-2 and page descriptors at level 3 are
// followed. Invalid descriptors, level 3 descriptors without the
// page flag, and block descriptors all produce an unmapped result.
func (o Walker) Translate(va memory.VirtAddr, tableBase memory.PhysAddr) Translation {
	result := Translation{
		VA:    va,
		Fault: FaultInvalid,
	}

	table := tableBase

	for level := Level0; level < NumLevels; level++ {
		index := level.Index(va)
		desc := Descriptor(o.Mem.Read64(table.Add(index * DescriptorSize)))

		if o.OptStepFn != nil {
			o.OptStepFn(Step{
				Level:      level,
				Table:      table,
				Index:      index,
				Descriptor: desc,
			})
		}

		if o.Verbose != nil {
			o.Verbose.Printf("ptw: %s table %s index %d descriptor 0x%016x (%s)",
				level, table, index, uint64(desc), desc.Kind(level))
		}

		result.Level = level
		result.Descriptor = desc

		if !desc.Valid() {
			result.Fault = FaultInvalid
			return result
		}

		if level == Level3 {
			if !desc.PageFlag() {
				result.Fault = FaultNotPage
				return result
			}

			result.Phys = memory.PhysAddr(desc.OutputAddress()<<addressShift | va.PageOffset())
			result.Mapped = true
			result.Fault = FaultNone
			return result
		}

		if !desc.TableFlag() {
			result.Fault = FaultBlockUnsupported
			return result
		}

		table = memory.PhysAddr(desc.NextTableAddress() << addressShift)
	}

	return result
}
