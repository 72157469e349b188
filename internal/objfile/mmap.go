package objfile

import (
	"os"

	"github.com/edsrzf/mmap-go"
)

// mapFile opens path and returns its bytes via mmap-go (spec §5: input
// files are memory-mapped). The returned mmap.MMap must be unmapped by the
// caller once all atoms/references referring into it have been interned or
// copied out.
func mapFile(path string) ([]byte, mmap.MMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	if info.Size() == 0 {
		// mmap-go rejects zero-length mappings; treat as an empty buffer
		// rather than failing the whole read.
		return []byte{}, nil, nil
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, nil, err
	}
	return []byte(m), m, nil
}
