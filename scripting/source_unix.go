//go:build unix

package scripting

import (
	"gitlab.com/stephen-fox/investee/memory"
)

func openFileMapper(filePath string, base memory.PhysAddr, regions memory.Regions, readOnly bool) (*memory.FileMapper, error) {
	return memory.OpenFileMapper(memory.FileMapperConfig{
		Path:     filePath,
		Base:     base,
		Regions:  regions,
		ReadOnly: readOnly,
	})
}
