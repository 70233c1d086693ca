package hook

import (
	"bytes"
	"encoding/binary"
	"errors"
	"log"
	"strings"
	"testing"

	"gitlab.com/stephen-fox/investee/asmkit"
	"gitlab.com/stephen-fox/investee/memory"
	"gitlab.com/stephen-fox/investee/profile"
)

const (
	testRAMBase  = memory.PhysAddr(0x40000000)
	testRAMSize  = 0x100000
	testCodeBase = memory.PhysAddr(0x40010000)
	testCodeSize = 0x20000
	testBuffer   = memory.PhysAddr(0x40000000)
)

func testProfile() profile.Profile {
	p := profile.QEMUVirt()
	p.RAMBase = testRAMBase
	p.RAMSize = testRAMSize
	p.CodeBase = testCodeBase
	p.CodeEnd = testCodeBase.Add(testCodeSize)
	p.SharedBuffer = testBuffer
	p.ProgressInterval = 0x10000
	return p
}

type testTarget struct {
	image []byte
	acc   *memory.Accessor
}

func newTestTarget(t *testing.T, regions ...memory.Region) *testTarget {
	image := make([]byte, testRAMSize)

	// Fill the code with something that is not the signature.
	for i := uint64(testCodeBase - testRAMBase); i < uint64(testCodeBase-testRAMBase)+testCodeSize; i += 4 {
		binary.LittleEndian.PutUint32(image[i:], uint32(asmkit.NOP))
	}

	return &testTarget{
		image: image,
		acc:   memory.NewAccessor(memory.NewWindow(memory.NewImageMapper(testRAMBase, image, regions...))),
	}
}

func (o *testTarget) word(pa memory.PhysAddr) asmkit.Word {
	return asmkit.Word(binary.LittleEndian.Uint32(o.image[pa-testRAMBase:]))
}

func (o *testTarget) put(pa memory.PhysAddr, w asmkit.Word) {
	binary.LittleEndian.PutUint32(o.image[pa-testRAMBase:], uint32(w))
}

func TestBuildPayload_QEMUVirt(t *testing.T) {
	p := profile.QEMUVirt()

	payload, err := BuildPayload(p, asmkit.Word(p.HookSignature))
	if err != nil {
		t.Fatal(err)
	}

	if payload.Entry != 0x1400000f {
		t.Fatalf("unexpected entry branch: %s", payload.Entry)
	}

	expFirst := Block{
		0xa90007e0, 0xa9010fe2, 0xd503201f, 0xd5382020,
		0xd5100180, 0x910003e0, 0xd5100080, 0x14000019,
	}
	if payload.First != expFirst {
		t.Fatalf("unexpected first block:\n%v\nexpected:\n%v", payload.First, expFirst)
	}

	expSecond := Block{
		0xd2800080, 0xf2a64000, 0xd2800001, 0xd2a84002,
		0xd4000003, 0xa9410fe2, 0xa94007e0, 0x140001b0,
	}
	if payload.Second != expSecond {
		t.Fatalf("unexpected second block:\n%v\nexpected:\n%v", payload.Second, expSecond)
	}

	if payload.ReturnBranch() != asmkit.Word(p.HookSignature)-asmkit.Word(p.Hook.ExitSlot()) {
		t.Fatalf("return branch %s is not the signature minus the exit slot", payload.ReturnBranch())
	}

	expMessage := []byte{1, 0, 0, 0, 3, 0, 0, 0, 2, 0, 0, 0}
	if !bytes.Equal(payload.Message, expMessage) {
		t.Fatalf("unexpected message: %x", payload.Message)
	}
}

// The return branch is relative to the exit slot, so it must land on
// the signature's original target when measured from the site.
func TestBuildPayload_ReturnLandsOnOriginalTarget(t *testing.T) {
	p := testProfile()

	for _, target := range []int32{0x36, 0x80, 0x1e6, 0x3ffff} {
		payload, err := BuildPayload(p, asmkit.B(target))
		if err != nil {
			t.Fatal(err)
		}

		ret, ok := asmkit.DecodeB(payload.ReturnBranch())
		if !ok {
			t.Fatalf("return %s is not a branch", payload.ReturnBranch())
		}

		if int32(p.Hook.ExitSlot())+ret != target {
			t.Fatalf("target %#x: return branch lands on slot %#x", target, int32(p.Hook.ExitSlot())+ret)
		}

		link, _ := asmkit.DecodeB(payload.First[profile.HookBlockLen-1])
		if int32(p.Hook.LinkSlot())+link != int32(p.Hook.SecondBlockSlot) {
			t.Fatal("first block does not branch to the second block")
		}
	}
}

func TestBuildPayload_BadSignature(t *testing.T) {
	p := testProfile()

	for _, sig := range []asmkit.Word{asmkit.NOP, asmkit.B(0x35), asmkit.B(-4)} {
		_, err := BuildPayload(p, sig)
		if !errors.Is(err, ErrBadSignature) {
			t.Fatalf("%s: expected ErrBadSignature - got %v", sig, err)
		}
	}
}

func TestInjector_Install(t *testing.T) {
	p := testProfile()
	sig := asmkit.Word(p.HookSignature)

	target := newTestTarget(t)
	site := testCodeBase.Add(0x3800)
	target.put(site, sig)

	before := append([]byte(nil), target.image...)

	logs := bytes.NewBuffer(nil)
	injector := Injector{
		Mem:     target.acc,
		Profile: p,
		Verbose: log.New(logs, "", 0),
	}

	result, err := injector.InstallDefault()
	if err != nil {
		t.Fatal(err)
	}

	if !result.Found || result.Site != site {
		t.Fatalf("expected hook at %s - got %+v", site, result)
	}

	if result.Policy.Rule != lastMatchRule || len(result.Policy.Discarded) != 0 {
		t.Fatalf("unexpected policy: %+v", result.Policy)
	}

	if target.word(site) != asmkit.B(int32(p.Hook.TrampolineSlot)) {
		t.Fatalf("site holds %s", target.word(site))
	}

	written := map[memory.PhysAddr]bool{site: true}

	for i, w := range result.Payload.First {
		pa := site.Add(uint64(p.Hook.TrampolineSlot+uint32(i)) * 4)
		written[pa] = true
		if target.word(pa) != w {
			t.Fatalf("first block word %d at %s: expected %s - got %s", i, pa, w, target.word(pa))
		}
	}

	for i, w := range result.Payload.Second {
		pa := site.Add(uint64(p.Hook.SecondBlockSlot+uint32(i)) * 4)
		written[pa] = true
		if target.word(pa) != w {
			t.Fatalf("second block word %d at %s: expected %s - got %s", i, pa, w, target.word(pa))
		}
	}

	for i, exp := range []uint32{1, 3, 2} {
		pa := testBuffer.Add(uint64(i) * 4)
		written[pa] = true
		if uint32(target.word(pa)) != exp {
			t.Fatalf("descriptor word %d: expected %d - got %d", i, exp, target.word(pa))
		}
	}

	for i := 0; i < len(before); i += 4 {
		pa := testRAMBase.Add(uint64(i))
		if written[pa] {
			continue
		}

		if !bytes.Equal(before[i:i+4], target.image[i:i+4]) {
			t.Fatalf("unexpected write at %s", pa)
		}
	}

	out := logs.String()
	if strings.Count(out, "scanning") != testCodeSize/0x10000 {
		t.Fatalf("unexpected progress logging:\n%s", out)
	}

	if !strings.Contains(out, "first block at") || !strings.Contains(out, "second block at") {
		t.Fatalf("expected read back logging:\n%s", out)
	}
}

func TestInjector_Install_NotFound(t *testing.T) {
	p := testProfile()

	target := newTestTarget(t)
	before := append([]byte(nil), target.image...)

	injector := Injector{Mem: target.acc, Profile: p}

	result, err := injector.InstallDefault()
	if err != nil {
		t.Fatal(err)
	}

	if result.Found || len(result.Candidates) != 0 {
		t.Fatalf("expected nothing to be found - got %+v", result)
	}

	if !bytes.Equal(before, target.image) {
		t.Fatal("memory was modified although the signature was not found")
	}
}

func TestInjector_Install_LastMatchWins(t *testing.T) {
	p := testProfile()
	sig := asmkit.Word(p.HookSignature)

	target := newTestTarget(t)
	first := testCodeBase.Add(0x100)
	second := testCodeBase.Add(0x10000 + 0x200)
	target.put(first, sig)
	target.put(second, sig)

	injector := Injector{Mem: target.acc, Profile: p}

	result, err := injector.InstallDefault()
	if err != nil {
		t.Fatal(err)
	}

	if result.Site != second {
		t.Fatalf("expected last match %s - got %s", second, result.Site)
	}

	if len(result.Candidates) != 2 || result.Candidates[0] != first {
		t.Fatalf("unexpected candidates: %v", result.Candidates)
	}

	if len(result.Policy.Discarded) != 1 || result.Policy.Discarded[0] != first {
		t.Fatalf("unexpected discarded candidates: %v", result.Policy.Discarded)
	}

	if target.word(first) != sig {
		t.Fatal("the discarded candidate was modified")
	}
}

func TestInjector_Install_BadSignatureWritesNothing(t *testing.T) {
	p := testProfile()

	target := newTestTarget(t)
	target.put(testCodeBase.Add(0x40), asmkit.B(2))
	before := append([]byte(nil), target.image...)

	injector := Injector{Mem: target.acc, Profile: p}

	_, err := injector.Install(testCodeBase, testCodeSize, asmkit.B(2))
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature - got %v", err)
	}

	if !bytes.Equal(before, target.image) {
		t.Fatal("memory was modified")
	}

	_, err = injector.Install(testCodeBase.Add(4), testCodeSize, asmkit.Word(p.HookSignature))
	if !errors.Is(err, ErrUnalignedCode) {
		t.Fatalf("expected ErrUnalignedCode - got %v", err)
	}
}

func TestInjector_Install_UnusableSignatureNotInCode(t *testing.T) {
	target := newTestTarget(t)
	before := append([]byte(nil), target.image...)

	injector := Injector{Mem: target.acc, Profile: testProfile()}

	result, err := injector.Install(testCodeBase, testCodeSize, asmkit.B(2))
	if err != nil {
		t.Fatalf("expected a plain miss - got %v", err)
	}

	if result.Found {
		t.Fatalf("unexpected result: %+v", result)
	}

	if !bytes.Equal(before, target.image) {
		t.Fatal("memory was modified")
	}
}

// The code end is inclusive, so the range size does not cover the
// final word of the last page. That word must still be compared.
func TestInjector_Install_LastWordOfInclusiveRange(t *testing.T) {
	p := testProfile()
	p.CodeEnd = testCodeBase.Add(0x1fff)
	sig := asmkit.Word(p.HookSignature)

	target := newTestTarget(t)
	first := testCodeBase.Add(0x100)
	last := testCodeBase.Add(0x1ffc)
	target.put(first, sig)
	target.put(last, sig)

	injector := Injector{Mem: target.acc, Profile: p}

	result, err := injector.InstallDefault()
	if err != nil {
		t.Fatal(err)
	}

	if len(result.Candidates) != 2 || result.Candidates[1] != last {
		t.Fatalf("expected candidates [%s %s] - got %v", first, last, result.Candidates)
	}

	if result.Site != last {
		t.Fatalf("expected site %s - got %s", last, result.Site)
	}

	if target.word(last) != asmkit.B(int32(p.Hook.TrampolineSlot)) {
		t.Fatalf("site holds %s", target.word(last))
	}
}

func TestInjector_Install_ProgressAtAbsoluteAddresses(t *testing.T) {
	p := testProfile()
	codeBase := testCodeBase - 0x8000

	logs := bytes.NewBuffer(nil)
	injector := Injector{
		Mem:     newTestTarget(t).acc,
		Profile: p,
		Verbose: log.New(logs, "", 0),
	}

	_, err := injector.Install(codeBase, testCodeSize, asmkit.Word(p.HookSignature))
	if err != nil {
		t.Fatal(err)
	}

	out := logs.String()

	if strings.Count(out, "scanning") != 2 {
		t.Fatalf("expected two progress messages:\n%s", out)
	}

	for _, pa := range []memory.PhysAddr{0x40010000, 0x40020000} {
		if !strings.Contains(out, "scanning "+pa.String()) {
			t.Fatalf("expected progress at %s:\n%s", pa, out)
		}
	}
}

func TestInjector_Install_UnreadablePages(t *testing.T) {
	p := testProfile()

	// Only the first half of the code and the shared buffer page
	// can be mapped.
	target := newTestTarget(t,
		memory.Region{Start: testBuffer, Size: memory.PageSize},
		memory.Region{Start: testCodeBase, Size: testCodeSize / 2})

	site := testCodeBase.Add(0x20)
	target.put(site, asmkit.Word(p.HookSignature))

	injector := Injector{Mem: target.acc, Profile: p}

	result, err := injector.InstallDefault()
	if err != nil {
		t.Fatal(err)
	}

	if result.UnreadablePages != testCodeSize/2/memory.PageSize {
		t.Fatalf("expected %d unreadable pages - got %d",
			testCodeSize/2/memory.PageSize, result.UnreadablePages)
	}

	if !result.Found || result.Site != site {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestInjector_Install_PayloadDisassembly(t *testing.T) {
	p := testProfile()

	target := newTestTarget(t)
	site := testCodeBase.Add(0x1000)
	target.put(site, asmkit.Word(p.HookSignature))

	injector := Injector{Mem: target.acc, Profile: p}

	_, err := injector.InstallDefault()
	if err != nil {
		t.Fatal(err)
	}

	disass, err := asmkit.NewDisassembler(asmkit.DisassemblerConfig{Syntax: asmkit.GNUSyntax})
	if err != nil {
		t.Fatal(err)
	}

	firstStart := site - testRAMBase + memory.PhysAddr(p.Hook.TrampolineSlot*4)
	first := target.image[firstStart : firstStart+profile.HookBlockLen*4]

	var listing []string
	err = disass.All(first, func(inst asmkit.Inst) error {
		listing = append(listing, inst.Dis)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	exp := []string{
		"stp x0, x1, [sp]",
		"stp x2, x3, [sp,#16]",
		"nop",
		"mrs x0, s3_0_c2_c0_1",
		"msr s2_0_c0_c1_4, x0",
		"mov x0, sp",
		"msr s2_0_c0_c0_4, x0",
		"b .+0x64",
	}

	if strings.Join(listing, "\n") != strings.Join(exp, "\n") {
		t.Fatalf("unexpected first block:\n%s", strings.Join(listing, "\n"))
	}

	smcPA := site.Add(uint64(p.Hook.SecondBlockSlot+4) * 4)
	imm, isSMC := asmkit.DecodeSMC(target.word(smcPA))
	if !isSMC || imm != 0 {
		t.Fatalf("expected smc #0 at %s - got %s", smcPA, target.word(smcPA))
	}
}
