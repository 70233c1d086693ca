package memory

import (
	"errors"
	"fmt"
	"log"
)

var (
	// ErrMapFailed is matched by every error returned when
	// a physical page could not be mapped.
	ErrMapFailed = errors.New("failed to map physical page")

	// ErrUnalignedPage is returned when a Window is asked to
	// map an address that is not the start of a page.
	ErrUnalignedPage = errors.New("physical address is not page aligned")

	// ErrReadOnly is the error of a write dropped because the
	// PageMapper only provides read-only views.
	ErrReadOnly = errors.New("physical memory is mapped read-only")
)

// PageMapper maps single physical pages of the untrusted system into
// the local address space.
type PageMapper interface {
	// MapPage maps the page starting at the specified page-aligned
	// physical address. The returned []byte must be at least PageSize
	// bytes long. Writes to it must be visible to the untrusted system.
	MapPage(page PhysAddr) ([]byte, error)

	// UnmapPage releases a mapping previously returned by MapPage.
	UnmapPage(page PhysAddr, view []byte) error
}

// ReadOnlyMapper is optionally implemented by a PageMapper whose
// views fault when written to.
type ReadOnlyMapper interface {
	ReadOnly() bool
}

// MapError describes a failed attempt to map a page.
// It matches ErrMapFailed when used with errors.Is.
type MapError struct {
	Page PhysAddr
	Err  error
}

func (o *MapError) Error() string {
	return fmt.Sprintf("failed to map physical page %s - %s", o.Page, o.Err)
}

func (o *MapError) Unwrap() error {
	return o.Err
}

func (o *MapError) Is(target error) bool {
	return target == ErrMapFailed
}

// NewWindow creates a Window that maps pages using mapper.
func NewWindow(mapper PageMapper) *Window {
	return &Window{
		mapper: mapper,
	}
}

// Window is a single-slot cache of one mapped physical page.
//
// Only one page is mapped at any time. Every call to Map releases the
// current page before mapping the requested one. A Window must not be
// shared between goroutines.
type Window struct {
	// Verbose, when non-nil, receives a message for every
	// map and release operation.
	Verbose *log.Logger

	mapper PageMapper
	page   PhysAddr
	view   []byte
	valid  bool
}

// Writable returns false if the mapper's views must not be
// written to.
func (o *Window) Writable() bool {
	ro, ok := o.mapper.(ReadOnlyMapper)

	return !ok || !ro.ReadOnly()
}

// Map releases the current page (if any) and maps the specified page,
// returning a view of exactly PageSize bytes.
//
// If the new mapping fails, the Window is left empty. Errors returned
// by Map match ErrMapFailed.
func (o *Window) Map(page PhysAddr) ([]byte, error) {
	err := o.Release()
	if err != nil && o.Verbose != nil {
		o.Verbose.Printf("window: %s", err)
	}

	if !page.IsPageAligned() {
		return nil, &MapError{Page: page, Err: ErrUnalignedPage}
	}

	view, err := o.mapper.MapPage(page)
	if err != nil {
		return nil, &MapError{Page: page, Err: err}
	}

	if len(view) < PageSize {
		_ = o.mapper.UnmapPage(page, view)
		return nil, &MapError{
			Page: page,
			Err:  fmt.Errorf("mapper returned %d bytes, expected %d", len(view), PageSize),
		}
	}

	if o.Verbose != nil {
		o.Verbose.Printf("window: mapped page %s", page)
	}

	o.page = page
	o.view = view[:PageSize:PageSize]
	o.valid = true

	return o.view, nil
}

// Release unmaps the current page. It is a no-op if no page is mapped.
// The Window is empty after Release returns, even if unmapping failed.
func (o *Window) Release() error {
	if !o.valid {
		return nil
	}

	page := o.page
	view := o.view

	o.page = 0
	o.view = nil
	o.valid = false

	err := o.mapper.UnmapPage(page, view)
	if err != nil {
		return fmt.Errorf("failed to release page %s - %w", page, err)
	}

	if o.Verbose != nil {
		o.Verbose.Printf("window: released page %s", page)
	}

	return nil
}

// Page returns the currently mapped page and true, or false if
// the Window is empty.
func (o *Window) Page() (PhysAddr, bool) {
	return o.page, o.valid
}
