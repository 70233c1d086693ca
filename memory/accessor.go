package memory

import (
	"fmt"
)

// NewAccessor creates an Accessor that maps pages through window.
func NewAccessor(window *Window) *Accessor {
	return &Accessor{
		window: window,
	}
}

// Accessor provides typed reads and writes of physical memory.
//
// Each operation maps the page containing the address through the
// Window, replacing whatever page was mapped before. Mapping failures
// are not returned as errors: reads produce zero and writes are dropped.
// Use LastFailed or LastErr to find out whether the most recent
// operation hit such a failure.
type Accessor struct {
	window  *Window
	lastErr error
}

// Window returns the Window used by the Accessor.
func (o *Accessor) Window() *Window {
	return o.window
}

// Release unmaps the Window's page, if any. The next operation
// maps again.
func (o *Accessor) Release() error {
	return o.window.Release()
}

// LastFailed returns true if the most recent operation could
// not map the memory it needed, or was a dropped read-only write.
func (o *Accessor) LastFailed() bool {
	return o.lastErr != nil
}

// LastErr returns the mapping error of the most recent
// operation, or nil if it succeeded.
func (o *Accessor) LastErr() error {
	return o.lastErr
}

// Read64 reads a 64-bit word at pa. It returns zero if the
// memory could not be mapped.
func (o *Accessor) Read64(pa PhysAddr) uint64 {
	var b [8]byte
	if !o.read(pa, b[:]) {
		return 0
	}

	return ByteOrder.Uint64(b[:])
}

// Read32 reads a 32-bit word at pa. It returns zero if the
// memory could not be mapped.
func (o *Accessor) Read32(pa PhysAddr) uint32 {
	var b [4]byte
	if !o.read(pa, b[:]) {
		return 0
	}

	return ByteOrder.Uint32(b[:])
}

// Write32 writes a 32-bit word to pa. The write is silently
// dropped if the memory could not be mapped or is read-only.
func (o *Accessor) Write32(pa PhysAddr, value uint32) {
	var b [4]byte
	ByteOrder.PutUint32(b[:], value)
	o.write(pa, b[:])
}

// ReadPage copies the page containing pa into out. out is left
// untouched if the page could not be mapped.
func (o *Accessor) ReadPage(pa PhysAddr, out *[PageSize]byte) {
	view, err := o.window.Map(pa.PageBase())
	o.lastErr = err
	if err != nil {
		return
	}

	copy(out[:], view)
}

func (o *Accessor) read(pa PhysAddr, dst []byte) bool {
	for len(dst) > 0 {
		view, err := o.window.Map(pa.PageBase())
		o.lastErr = err
		if err != nil {
			return false
		}

		n := copy(dst, view[pa.PageOffset():])
		dst = dst[n:]
		pa = pa.Add(uint64(n))
	}

	return true
}

func (o *Accessor) write(pa PhysAddr, src []byte) {
	if !o.window.Writable() {
		o.lastErr = fmt.Errorf("%w - write to %s dropped", ErrReadOnly, pa)
		return
	}

	for len(src) > 0 {
		view, err := o.window.Map(pa.PageBase())
		o.lastErr = err
		if err != nil {
			return
		}

		n := copy(view[pa.PageOffset():], src)
		src = src[n:]
		pa = pa.Add(uint64(n))
	}
}
