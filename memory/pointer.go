package memory

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

const (
	// PageShift is log2(PageSize).
	PageShift = 12

	// PageSize is the size of a translation granule and of
	// the Window in bytes.
	PageSize = 1 << PageShift

	// PageMask masks the in-page offset of an address.
	PageMask = PageSize - 1
)

// ByteOrder is the byte order of the untrusted system.
var ByteOrder binary.ByteOrder = binary.LittleEndian

// PhysAddr is an address in the untrusted system's physical
// address space.
type PhysAddr uint64

// PageBase returns the address of the page containing the address.
func (o PhysAddr) PageBase() PhysAddr {
	return o &^ PageMask
}

// PageOffset returns the offset of the address within its page.
func (o PhysAddr) PageOffset() uint64 {
	return uint64(o) & PageMask
}

// IsPageAligned returns true if the address is the start of a page.
func (o PhysAddr) IsPageAligned() bool {
	return o.PageOffset() == 0
}

// Add returns the address plus n bytes.
func (o PhysAddr) Add(n uint64) PhysAddr {
	return o + PhysAddr(n)
}

func (o PhysAddr) String() string {
	return fmt.Sprintf("0x%016x", uint64(o))
}

// VirtAddr is an address in the untrusted system's virtual address
// space. A VirtAddr is only meaningful together with the translation
// table that maps it, so there is no conversion to PhysAddr.
type VirtAddr uint64

// PageOffset returns the offset of the address within its page.
func (o VirtAddr) PageOffset() uint64 {
	return uint64(o) & PageMask
}

func (o VirtAddr) String() string {
	return fmt.Sprintf("0x%016x", uint64(o))
}

// ParsePhysAddr parses a hex-encoded physical address. The "0x"
// prefix is optional.
func ParsePhysAddr(str string) (PhysAddr, error) {
	u, err := ParseHexUint64(str)
	if err != nil {
		return 0, err
	}

	return PhysAddr(u), nil
}

// ParseVirtAddr parses a hex-encoded virtual address. The "0x"
// prefix is optional.
func ParseVirtAddr(str string) (VirtAddr, error) {
	u, err := ParseHexUint64(str)
	if err != nil {
		return 0, err
	}

	return VirtAddr(u), nil
}

// ParseHexUint64 parses a hex string of up to 16 characters (not
// counting an optional "0x" prefix) into an unsigned 64-bit integer.
func ParseHexUint64(str string) (uint64, error) {
	noPrefix := strings.TrimPrefix(strings.TrimPrefix(str, "0x"), "0X")

	strLen := len(noPrefix)
	if strLen == 0 {
		return 0, fmt.Errorf("hex string cannot be zero-length")
	}

	const maxLen = 16
	if strLen > maxLen {
		return 0, fmt.Errorf("hex string cannot be longer than %d chars - it is %d chars long",
			maxLen, strLen)
	}

	u, err := strconv.ParseUint(noPrefix, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to hex decode %q - %w", str, err)
	}

	return u, nil
}

// Printable returns the bytes of a little-endian word as a string,
// replacing non-printable characters with '.'.
func Printable(word uint64) string {
	b := make([]byte, 8)
	ByteOrder.PutUint64(b, word)

	for i, c := range b {
		if c < 0x20 || c > 0x7e {
			b[i] = '.'
		}
	}

	return string(b)
}

// MarshalText encodes the address as a "0x" prefixed hex string.
func (o PhysAddr) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("0x%x", uint64(o))), nil
}

// UnmarshalText decodes a hex string produced by MarshalText.
func (o *PhysAddr) UnmarshalText(b []byte) error {
	pa, err := ParsePhysAddr(string(b))
	if err != nil {
		return err
	}

	*o = pa

	return nil
}
