//go:build unix

package memory

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileMapperConfig configures a FileMapper.
type FileMapperConfig struct {
	// Path is the file to map pages from. This can be a raw
	// dump of the untrusted system's RAM, or /dev/mem.
	Path string

	// Base is the physical address of the file's first byte.
	// For /dev/mem this is zero.
	Base PhysAddr

	// Regions restricts which physical pages may be mapped.
	// It must not be empty.
	Regions Regions

	// ReadOnly maps pages without write permission. An Accessor
	// drops writes to such pages.
	ReadOnly bool
}

func (o FileMapperConfig) validate() error {
	if o.Path == "" {
		return fmt.Errorf("file path cannot be empty")
	}

	if len(o.Regions) == 0 {
		return fmt.Errorf("at least one physical region must be allowed")
	}

	for _, r := range o.Regions {
		if r.Start < o.Base {
			return fmt.Errorf("region %s starts before the file's base address %s",
				r, o.Base)
		}
	}

	return nil
}

// OpenFileMapperOrExit calls OpenFileMapper. It calls DefaultExitFn
// if an error occurs.
func OpenFileMapperOrExit(config FileMapperConfig) *FileMapper {
	m, err := OpenFileMapper(config)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to open file mapper - %w", err))
	}

	return m
}

// OpenFileMapper opens the file described by config. Pages are mapped
// with mmap(2) one at a time when requested.
//
// Callers must call Close when finished.
func OpenFileMapper(config FileMapperConfig) (*FileMapper, error) {
	err := config.validate()
	if err != nil {
		return nil, err
	}

	flags := os.O_RDWR
	prot := unix.PROT_READ | unix.PROT_WRITE
	if config.ReadOnly {
		flags = os.O_RDONLY
		prot = unix.PROT_READ
	}

	f, err := os.OpenFile(config.Path, flags|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %q - %w", config.Path, err)
	}

	sysPageSize := unix.Getpagesize()
	if sysPageSize < PageSize || sysPageSize%PageSize != 0 {
		_ = f.Close()
		return nil, fmt.Errorf("unsupported system page size: %d", sysPageSize)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat %q - %w", config.Path, err)
	}

	// Character devices such as /dev/mem report a zero size.
	var size uint64
	if info.Mode().IsRegular() {
		size = uint64(info.Size())
	}

	return &FileMapper{
		f:           f,
		base:        config.Base,
		regions:     config.Regions,
		prot:        prot,
		sysPageSize: uint64(sysPageSize),
		size:        size,
		live:        make(map[PhysAddr][]byte),
	}, nil
}

// FileMapper is a PageMapper that mmaps pages of a file.
//
// When the system page size is larger than PageSize, the enclosing
// system page is mapped and a PageSize slice of it is returned.
type FileMapper struct {
	f           *os.File
	base        PhysAddr
	regions     Regions
	prot        int
	sysPageSize uint64
	size        uint64
	live        map[PhysAddr][]byte
}

func (o *FileMapper) MapPage(page PhysAddr) ([]byte, error) {
	err := o.regions.check(page)
	if err != nil {
		return nil, err
	}

	if _, isMapped := o.live[page]; isMapped {
		return nil, fmt.Errorf("page %s is already mapped", page)
	}

	if page < o.base {
		return nil, fmt.Errorf("page %s is before the file's base address %s", page, o.base)
	}

	offset := uint64(page - o.base)
	alignedOffset := offset &^ (o.sysPageSize - 1)

	if o.size > 0 && alignedOffset+o.sysPageSize > o.size {
		return nil, fmt.Errorf("page %s is beyond the end of the file (0x%x bytes)", page, o.size)
	}

	mapped, err := unix.Mmap(int(o.f.Fd()), int64(alignedOffset), int(o.sysPageSize), o.prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap of offset 0x%x failed - %w", alignedOffset, err)
	}

	o.live[page] = mapped

	start := offset - alignedOffset

	return mapped[start : start+PageSize : start+PageSize], nil
}

// ReadOnly returns true if pages are mapped without write permission.
func (o *FileMapper) ReadOnly() bool {
	return o.prot&unix.PROT_WRITE == 0
}

func (o *FileMapper) UnmapPage(page PhysAddr, _ []byte) error {
	mapped, isMapped := o.live[page]
	if !isMapped {
		return fmt.Errorf("page %s is not mapped", page)
	}

	delete(o.live, page)

	err := unix.Munmap(mapped)
	if err != nil {
		return fmt.Errorf("munmap of page %s failed - %w", page, err)
	}

	return nil
}

// Close unmaps any remaining pages and closes the file.
func (o *FileMapper) Close() error {
	for page, mapped := range o.live {
		_ = unix.Munmap(mapped)
		delete(o.live, page)
	}

	return o.f.Close()
}
