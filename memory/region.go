package memory

import (
	"errors"
	"fmt"
)

// ErrOutsideRegion is returned by mappers when asked to map a page that
// does not belong to any of their allowed regions.
var ErrOutsideRegion = errors.New("page is outside of the allowed physical regions")

// Region is a contiguous range of physical memory.
type Region struct {
	Start PhysAddr
	Size  uint64
}

// End returns the address of the byte just beyond the region.
func (o Region) End() PhysAddr {
	return o.Start.Add(o.Size)
}

// ContainsPage returns true if the whole page starting at page
// is inside the region.
func (o Region) ContainsPage(page PhysAddr) bool {
	return page >= o.Start && page.Add(PageSize) <= o.End() && page.Add(PageSize) > page
}

func (o Region) String() string {
	return fmt.Sprintf("[%s, %s)", o.Start, o.End())
}

// Regions is an allow-list of physical memory regions. An empty
// Regions allows nothing.
type Regions []Region

// ContainsPage returns true if any region contains the page.
func (o Regions) ContainsPage(page PhysAddr) bool {
	for _, r := range o {
		if r.ContainsPage(page) {
			return true
		}
	}

	return false
}

func (o Regions) check(page PhysAddr) error {
	if !o.ContainsPage(page) {
		return fmt.Errorf("%w - %s", ErrOutsideRegion, page)
	}

	return nil
}
