package profile

import (
	"fmt"
	"math"

	"gitlab.com/stephen-fox/investee/memory"
)

// Hex is a 64-bit value stored as a "0x" prefixed string in
// profile files.
type Hex uint64

func (o Hex) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("0x%x", uint64(o))), nil
}

func (o *Hex) UnmarshalText(b []byte) error {
	u, err := memory.ParseHexUint64(string(b))
	if err != nil {
		return err
	}

	*o = Hex(u)

	return nil
}

// Hex32 is the 32-bit counterpart of Hex.
type Hex32 uint32

func (o Hex32) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("0x%x", uint32(o))), nil
}

func (o *Hex32) UnmarshalText(b []byte) error {
	u, err := memory.ParseHexUint64(string(b))
	if err != nil {
		return err
	}

	if u > math.MaxUint32 {
		return fmt.Errorf("0x%x does not fit in 32 bits", u)
	}

	*o = Hex32(u)

	return nil
}
