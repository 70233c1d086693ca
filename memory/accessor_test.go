package memory

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func newTestAccessor(t *testing.T, base PhysAddr, numPages int) (*Accessor, []byte) {
	t.Helper()

	image := make([]byte, numPages*PageSize)

	return NewAccessor(NewWindow(NewImageMapper(base, image))), image
}

func TestAccessor_Read64(t *testing.T) {
	acc, image := newTestAccessor(t, 0x40000000, 2)

	binary.LittleEndian.PutUint64(image[0x1010:], 0xc0ded00ddeadbeef)

	v := acc.Read64(0x40001010)
	if v != 0xc0ded00ddeadbeef {
		t.Fatalf("expected 0xc0ded00ddeadbeef - got 0x%x", v)
	}

	if acc.LastFailed() {
		t.Fatalf("read should not have failed - %v", acc.LastErr())
	}
}

func TestAccessor_Read64_StraddlesPages(t *testing.T) {
	acc, image := newTestAccessor(t, 0x40000000, 2)

	binary.LittleEndian.PutUint64(image[0xffc:], 0x1122334455667788)

	v := acc.Read64(0x40000ffc)
	if v != 0x1122334455667788 {
		t.Fatalf("expected 0x1122334455667788 - got 0x%x", v)
	}
}

func TestAccessor_Read64_MapFailureReturnsZero(t *testing.T) {
	acc, image := newTestAccessor(t, 0x40000000, 1)

	binary.LittleEndian.PutUint64(image[0:], 0)

	v := acc.Read64(0x40000000)
	if v != 0 || acc.LastFailed() {
		t.Fatalf("expected a legitimate zero - got 0x%x (failed: %t)", v, acc.LastFailed())
	}

	v = acc.Read64(0x90000000)
	if v != 0 {
		t.Fatalf("expected fabricated zero - got 0x%x", v)
	}

	if !acc.LastFailed() {
		t.Fatal("expected the failed mapping to be observable")
	}

	acc.Read64(0x40000000)
	if acc.LastFailed() {
		t.Fatal("failure flag should reflect only the most recent operation")
	}
}

func TestAccessor_Write32(t *testing.T) {
	acc, image := newTestAccessor(t, 0x40000000, 1)

	acc.Write32(0x40000014, 0xcafebabe)

	if acc.LastFailed() {
		t.Fatal(acc.LastErr())
	}

	exp := []byte{0xbe, 0xba, 0xfe, 0xca}
	if !bytes.Equal(image[0x14:0x18], exp) {
		t.Fatalf("expected 0x%x - got 0x%x", exp, image[0x14:0x18])
	}

	if acc.Read32(0x40000014) != 0xcafebabe {
		t.Fatal("read back does not match write")
	}
}

func TestAccessor_Write32_MapFailureIsDropped(t *testing.T) {
	acc, image := newTestAccessor(t, 0x40000000, 1)

	acc.Write32(0x50000000, 0xffffffff)

	if !acc.LastFailed() {
		t.Fatal("expected the dropped write to be observable")
	}

	if !bytes.Equal(image, make([]byte, PageSize)) {
		t.Fatal("image should not have been modified")
	}
}

func TestAccessor_ReadPage(t *testing.T) {
	acc, image := newTestAccessor(t, 0x40000000, 2)

	copy(image[PageSize:], "hello from page two")

	var page [PageSize]byte
	acc.ReadPage(0x40001abc, &page)

	if !bytes.HasPrefix(page[:], []byte("hello from page two")) {
		t.Fatalf("unexpected page contents: %q", page[:19])
	}

	page[0] = 'X'
	if image[PageSize] != 'h' {
		t.Fatal("ReadPage must copy, not alias")
	}

	before := page
	acc.ReadPage(0x80000000, &page)
	if !acc.LastFailed() {
		t.Fatal("expected failure")
	}

	if page != before {
		t.Fatal("out should be untouched after a failed page read")
	}
}

func TestAccessor_KeepsOneLiveMapping(t *testing.T) {
	mapper := NewImageMapper(0x40000000, make([]byte, 4*PageSize))
	acc := NewAccessor(NewWindow(mapper))

	for pa := PhysAddr(0x40000000); pa < 0x40004000; pa += 0x800 {
		acc.Read64(pa)
		if mapper.Live() != 1 {
			t.Fatalf("expected 1 live mapping - got %d", mapper.Live())
		}
	}

	err := acc.Window().Release()
	if err != nil {
		t.Fatal(err)
	}

	if mapper.Live() != 0 {
		t.Fatalf("expected 0 live mappings - got %d", mapper.Live())
	}
}

func BenchmarkAccessor_ReadPage(b *testing.B) {
	const numPages = 256

	acc := NewAccessor(NewWindow(NewImageMapper(0, make([]byte, numPages*PageSize))))

	var page [PageSize]byte

	b.SetBytes(PageSize)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		acc.ReadPage(PhysAddr((i%numPages)*PageSize), &page)
	}
}
