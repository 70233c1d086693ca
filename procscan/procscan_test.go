package procscan

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"gitlab.com/stephen-fox/investee/memory"
	"gitlab.com/stephen-fox/investee/profile"
)

const (
	testRAMBase = memory.PhysAddr(0x40000000)
	testRAMSize = 0x100000
)

func testProfile() profile.Profile {
	p := profile.QEMUVirt()
	p.RAMBase = testRAMBase
	p.RAMSize = testRAMSize
	p.CodeBase = testRAMBase
	p.CodeEnd = testRAMBase.Add(0x1000)
	p.SharedBuffer = testRAMBase
	return p
}

type testRAM struct {
	t     *testing.T
	p     profile.Profile
	image []byte
}

func newTestRAM(t *testing.T) *testRAM {
	return &testRAM{
		t:     t,
		p:     testProfile(),
		image: make([]byte, testRAMSize),
	}
}

func (o *testRAM) scanner() *Scanner {
	return &Scanner{
		Mem:     memory.NewAccessor(memory.NewWindow(memory.NewImageMapper(testRAMBase, o.image))),
		Profile: o.p,
	}
}

func (o *testRAM) off(pa memory.PhysAddr) uint64 {
	return uint64(pa - testRAMBase)
}

// task writes a name at namePA with a credential pointer in front
// of it that leads to a record at cred.
func (o *testRAM) task(namePA memory.PhysAddr, name string, cred memory.PhysAddr, uid uint32) {
	copy(o.image[o.off(namePA):o.off(namePA)+16], append([]byte(name), make([]byte, 16-len(name))...))

	ptr := uint64(cred) + uint64(o.p.LinearMapOffset)
	binary.LittleEndian.PutUint64(o.image[o.off(namePA)-uint64(o.p.CredPointerBackOffset):], ptr)

	o.cred(cred, uid)
}

func (o *testRAM) cred(cred memory.PhysAddr, uid uint32) {
	binary.LittleEndian.PutUint32(o.image[o.off(cred)+0x00:], 0xc0ffee)
	binary.LittleEndian.PutUint32(o.image[o.off(cred)+0x04:], uid)
	binary.LittleEndian.PutUint32(o.image[o.off(cred)+0x08:], uid)
	binary.LittleEndian.PutUint32(o.image[o.off(cred)+0x14:], uid)
	binary.LittleEndian.PutUint32(o.image[o.off(cred)+0x1c:], uid)
}

func (o *testRAM) ids(cred memory.PhysAddr) (uid, gid, euid, fsuid uint32) {
	return binary.LittleEndian.Uint32(o.image[o.off(cred)+0x04:]),
		binary.LittleEndian.Uint32(o.image[o.off(cred)+0x08:]),
		binary.LittleEndian.Uint32(o.image[o.off(cred)+0x14:]),
		binary.LittleEndian.Uint32(o.image[o.off(cred)+0x1c:])
}

func TestScanner_PatchesLowUID(t *testing.T) {
	ram := newTestRAM(t)
	cred := testRAMBase.Add(0x80000)
	ram.task(testRAMBase.Add(0x2468), "shell", cred, 1000)

	report, err := ram.scanner().FindAndFixDefault("shell")
	if err != nil {
		t.Fatal(err)
	}

	if report.PatchCount != 1 || len(report.Matches) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	match := report.Matches[0]
	if match.Verdict != VerdictPatched || match.Cred != cred || match.UID != 1000 {
		t.Fatalf("unexpected match: %+v", match)
	}

	uid, gid, euid, fsuid := ram.ids(cred)
	if uid != 0 || euid != 0 || fsuid != 0 {
		t.Fatalf("expected zeroed ids - got uid %d euid %d fsuid %d", uid, euid, fsuid)
	}

	if gid != 1000 {
		t.Fatalf("gid should not be modified - got %d", gid)
	}
}

func TestScanner_UIDAtCeilingIsUntouched(t *testing.T) {
	ram := newTestRAM(t)
	cred := testRAMBase.Add(0x80000)
	ram.task(testRAMBase.Add(0x3000), "shell", cred, 2000)

	before := append([]byte(nil), ram.image...)

	report, err := ram.scanner().FindAndFixDefault("shell")
	if err != nil {
		t.Fatal(err)
	}

	if report.PatchCount != 0 || len(report.Matches) != 1 || report.Matches[0].Verdict != VerdictUIDRejected {
		t.Fatalf("unexpected report: %+v", report)
	}

	if !bytes.Equal(before, ram.image) {
		t.Fatal("memory was modified")
	}
}

func TestScanner_LowPointerIsRejected(t *testing.T) {
	ram := newTestRAM(t)
	namePA := testRAMBase.Add(0x5000)
	ram.task(namePA, "shell", testRAMBase.Add(0x80000), 0)

	binary.LittleEndian.PutUint64(ram.image[ram.off(namePA)-0x10:], 0x40080000)

	report, err := ram.scanner().FindAndFixDefault("shell")
	if err != nil {
		t.Fatal(err)
	}

	if report.PatchCount != 0 || report.Matches[0].Verdict != VerdictPointerRejected {
		t.Fatalf("unexpected report: %+v", report)
	}

	if report.Matches[0].Cred != 0 {
		t.Fatal("credential address should not be derived from a rejected pointer")
	}
}

func TestScanner_ProcessesEveryMatch(t *testing.T) {
	ram := newTestRAM(t)

	creds := []memory.PhysAddr{testRAMBase.Add(0x80000), testRAMBase.Add(0x80100), testRAMBase.Add(0x90000)}
	ram.task(testRAMBase.Add(0x1010), "shell", creds[0], 0)
	ram.task(testRAMBase.Add(0x1100), "shell", creds[1], 5000)
	ram.task(testRAMBase.Add(0x40ff0), "shell", creds[2], 1999)

	report, err := ram.scanner().FindAndFixDefault("shell")
	if err != nil {
		t.Fatal(err)
	}

	if report.PatchCount != 2 || len(report.Matches) != 3 {
		t.Fatalf("unexpected report: %+v", report)
	}

	exp := []Verdict{VerdictPatched, VerdictUIDRejected, VerdictPatched}
	for i, match := range report.Matches {
		if match.Verdict != exp[i] {
			t.Fatalf("match %d: expected %s - got %s", i, exp[i], match.Verdict)
		}
	}

	uid, _, _, _ := ram.ids(creds[1])
	if uid != 5000 {
		t.Fatalf("uid 5000 should be left alone - got %d", uid)
	}
}

func TestScanner_NameComparison(t *testing.T) {
	ram := newTestRAM(t)
	cred := testRAMBase.Add(0x80000)

	// Longer name sharing the prefix.
	ram.task(testRAMBase.Add(0x2000), "shellfish", cred, 0)

	// Unaligned copy of the exact name.
	copy(ram.image[0x3004:], "shell\x00")

	report, err := ram.scanner().FindAndFixDefault("shell")
	if err != nil {
		t.Fatal(err)
	}

	if len(report.Matches) != 0 {
		t.Fatalf("expected no matches - got %+v", report.Matches)
	}
}

func TestScanner_MaxLengthNameIgnoresTerminator(t *testing.T) {
	ram := newTestRAM(t)
	name := "fifteen-chars-x"
	namePA := testRAMBase.Add(0x2000)
	ram.task(namePA, name, testRAMBase.Add(0x80000), 10)

	ram.image[ram.off(namePA)+15] = 'Z'

	report, err := ram.scanner().FindAndFixDefault(name)
	if err != nil {
		t.Fatal(err)
	}

	if report.PatchCount != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestSignature_PageEnd(t *testing.T) {
	buf := make([]byte, memory.PageSize)
	copy(buf[memory.PageSize-8:], "abc")

	sig, err := newSignature("abc")
	if err != nil {
		t.Fatal(err)
	}

	if !sig.matches(buf, memory.PageSize-8) {
		t.Fatal("short name terminated inside the page should match")
	}

	copy(buf[memory.PageSize-8:], "abcdefgh")

	sig, err = newSignature("abcdefghij")
	if err != nil {
		t.Fatal(err)
	}

	if sig.matches(buf, memory.PageSize-8) {
		t.Fatal("name running past the page end should not match")
	}
}

func TestScanner_FirstBytesOfRAM(t *testing.T) {
	ram := newTestRAM(t)
	copy(ram.image, "shell\x00")

	report, err := ram.scanner().FindAndFixDefault("shell")
	if err != nil {
		t.Fatal(err)
	}

	if len(report.Matches) != 1 || report.Matches[0].Verdict != VerdictUnreadable {
		t.Fatalf("expected unreadable pointer below ram - got %+v", report)
	}
}

func TestScanner_BadSignature(t *testing.T) {
	ram := newTestRAM(t)
	s := ram.scanner()

	_, err := s.FindAndFixDefault("sixteen-chars-xx")
	if !errors.Is(err, ErrSignatureTooLong) {
		t.Fatalf("expected ErrSignatureTooLong - got %v", err)
	}

	_, err = s.FindAndFixDefault("")
	if !errors.Is(err, ErrEmptySignature) {
		t.Fatalf("expected ErrEmptySignature - got %v", err)
	}

	_, err = s.FindAndFix("sh", testRAMBase.Add(8), memory.PageSize)
	if !errors.Is(err, ErrUnalignedRAM) {
		t.Fatalf("expected ErrUnalignedRAM - got %v", err)
	}
}
