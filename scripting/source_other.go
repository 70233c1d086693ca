//go:build !unix

package scripting

import (
	"errors"
	"io"

	"gitlab.com/stephen-fox/investee/memory"
)

type fileMapper interface {
	memory.PageMapper
	io.Closer
}

func openFileMapper(string, memory.PhysAddr, memory.Regions, bool) (fileMapper, error) {
	return nil, errors.New("mapping files is only supported on unix systems")
}
