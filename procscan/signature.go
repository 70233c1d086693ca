package procscan

import (
	"fmt"
)

// signature is a name padded with NULs to the size of the name field.
type signature [MaxNameLen + 1]byte

func newSignature(name string) (signature, error) {
	var sig signature

	if len(name) == 0 {
		return sig, ErrEmptySignature
	}

	if len(name) > MaxNameLen {
		return sig, fmt.Errorf("%w - %q is %d bytes", ErrSignatureTooLong, name, len(name))
	}

	copy(sig[:], name)

	return sig, nil
}

// matches compares up to MaxNameLen bytes of buf at offset with the
// signature. The comparison ends early, as a match, at a NUL shared
// by both. Bytes past the end of buf never match.
func (o signature) matches(buf []byte, offset int) bool {
	for k := 0; k < MaxNameLen; k++ {
		if offset+k >= len(buf) {
			return false
		}

		if buf[offset+k] != o[k] {
			return false
		}

		if o[k] == 0 {
			return true
		}
	}

	return true
}
