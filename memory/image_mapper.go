package memory

import (
	"fmt"
)

// NewImageMapper returns an ImageMapper serving pages out of image,
// whose first byte is at physical address base. Pages may only be mapped
// if they are inside the image and inside one of optRegions. If no
// regions are specified, the whole image is allowed.
//
// Writes through mapped pages modify image.
func NewImageMapper(base PhysAddr, image []byte, optRegions ...Region) *ImageMapper {
	regions := Regions(optRegions)
	if len(regions) == 0 {
		regions = Regions{{Start: base, Size: uint64(len(image))}}
	}

	return &ImageMapper{
		base:    base,
		image:   image,
		regions: regions,
	}
}

// ImageMapper is a PageMapper backed by a []byte.
type ImageMapper struct {
	base    PhysAddr
	image   []byte
	regions Regions
	live    int
}

func (o *ImageMapper) MapPage(page PhysAddr) ([]byte, error) {
	err := o.regions.check(page)
	if err != nil {
		return nil, err
	}

	if page < o.base || uint64(page-o.base)+PageSize > uint64(len(o.image)) {
		return nil, fmt.Errorf("page %s is outside of the image [%s, %s)",
			page, o.base, o.base.Add(uint64(len(o.image))))
	}

	offset := uint64(page - o.base)

	o.live++

	return o.image[offset : offset+PageSize : offset+PageSize], nil
}

func (o *ImageMapper) UnmapPage(page PhysAddr, _ []byte) error {
	if o.live == 0 {
		return fmt.Errorf("page %s is not mapped", page)
	}

	o.live--

	return nil
}

// Live returns the number of pages currently mapped.
func (o *ImageMapper) Live() int {
	return o.live
}
