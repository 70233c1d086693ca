// Package stackinspect dumps the top of a stack in the untrusted
// system given the stack pointer and TTBR1_EL1 values leaked by the
// vector hook.
package stackinspect

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"gitlab.com/stephen-fox/investee/memory"
	"gitlab.com/stephen-fox/investee/profile"
	"gitlab.com/stephen-fox/investee/ptw"
)

// FrameWords is the number of 64-bit words read from the stack.
const FrameWords = 8

var ErrStackUnmapped = errors.New("stack pointer is not mapped")

// Memory is the physical memory access an Inspector needs.
// *memory.Accessor implements it.
type Memory interface {
	Read64(pa memory.PhysAddr) uint64
	LastFailed() bool
}

// Inspector reads the stack frame of a trapped system call using the
// stack pointer and translation table base leaked by the vector hook.
type Inspector struct {
	Mem     Memory
	Profile profile.Profile
	Verbose *log.Logger
}

// Frame is the result of a Dump.
type Frame struct {
	SP memory.VirtAddr

	// TableBase is the leaked TTBR with the ASID and CnP bits removed.
	TableBase memory.PhysAddr

	// Probe holds the two table addresses read before the walk to
	// check that the table base points at readable tables.
	Probe [2]memory.PhysAddr

	Translation ptw.Translation

	Words [FrameWords]uint64

	// ReadFailed is true if any of the words could not be read.
	// Such words are zero.
	ReadFailed bool
}

func (o Frame) String() string {
	b := strings.Builder{}

	fmt.Fprintf(&b, "sp %s -> %s", o.SP, o.Translation)

	if !o.Translation.Mapped {
		return b.String()
	}

	for i, w := range o.Words {
		fmt.Fprintf(&b, "\n[sp+0x%02x] 0x%016x %q", i*8, w, memory.Printable(w))
	}

	return b.String()
}

// Dump translates spVA with the tables at ttbrRaw and reads
// FrameWords words starting at the resulting physical address.
// ErrStackUnmapped is returned with the partially filled Frame if
// the walk fails.
func (o *Inspector) Dump(spVA memory.VirtAddr, ttbrRaw uint64) (Frame, error) {
	frame := Frame{
		SP:        spVA,
		TableBase: memory.PhysAddr(ttbrRaw & uint64(o.Profile.TTBRMask)),
	}

	tableMask := uint64(o.Profile.TableAddressMask)

	frame.Probe[0] = memory.PhysAddr(o.Mem.Read64(frame.TableBase) & tableMask)
	frame.Probe[1] = memory.PhysAddr(o.Mem.Read64(frame.Probe[0]) & tableMask)

	if o.Verbose != nil {
		o.Verbose.Printf("ttbr 0x%016x -> table %s -> %s -> %s",
			ttbrRaw, frame.TableBase, frame.Probe[0], frame.Probe[1])
	}

	walker := ptw.Walker{
		Mem:     o.Mem,
		Verbose: o.Verbose,
	}

	frame.Translation = walker.Translate(spVA, frame.TableBase)
	if !frame.Translation.Mapped {
		return frame, fmt.Errorf("%w - %s", ErrStackUnmapped, frame.Translation)
	}

	for i := range frame.Words {
		frame.Words[i] = o.Mem.Read64(frame.Translation.Phys.Add(uint64(i) * 8))
		frame.ReadFailed = frame.ReadFailed || o.Mem.LastFailed()
	}

	if o.Verbose != nil {
		o.Verbose.Println(frame)
	}

	return frame, nil
}
