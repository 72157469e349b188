// Package output implements the OutputWriter component (spec §4.11): a
// single contiguous zero-initialized buffer that every earlier component
// writes its bytes into at a known file offset, committed atomically.
package output

import (
	"fmt"
	"os"

	"github.com/google/renameio"
	"golang.org/x/sys/unix"

	"github.com/xyproto/ldcore/internal/atom"
	"github.com/xyproto/ldcore/internal/layout"
)

// Buffer is the in-memory image of the output file, zero-initialized and
// grown to its final size up front so every later write is a plain slice
// copy at a known offset (spec §4.11 "header written last").
type Buffer struct {
	data []byte
}

// NewBuffer allocates a zero-filled buffer of size bytes.
func NewBuffer(size uint64) *Buffer {
	return &Buffer{data: make([]byte, size)}
}

// WriteAt copies src into the buffer starting at offset, growing the
// buffer if src would run past its current end (covers headers written
// after section layout expanded the nominal file size, e.g. PE checksum
// patch-up).
func (b *Buffer) WriteAt(offset uint64, src []byte) error {
	end := offset + uint64(len(src))
	if end > uint64(len(b.data)) {
		grown := make([]byte, end)
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[offset:end], src)
	return nil
}

// WriteSection writes every non-NOBITS atom in sec at its assigned file
// offset.
func (b *Buffer) WriteSection(sec *layout.Section, atomOffset map[*atom.Atom]uint64) error {
	if sec.IsNOBITS {
		return nil
	}
	for _, a := range sec.Atoms {
		off, ok := atomOffset[a]
		if !ok {
			return fmt.Errorf("atom %q in section %q has no assigned file offset", a.Name, sec.Key.Name)
		}
		if err := b.WriteAt(off, a.Data); err != nil {
			return err
		}
	}
	return nil
}

// Bytes returns the buffer's current contents.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Commit atomically writes the buffer to path via renameio, then marks it
// executable (spec §5 "output files are written atomically and made
// executable once complete"). mode is the final file mode (0755 for
// executables, 0644 for shared libraries that don't need the exec bit set
// explicitly though it's harmless).
func (b *Buffer) Commit(path string, mode os.FileMode) error {
	t, err := renameio.TempFile("", path)
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	defer t.Cleanup()

	if _, err := t.Write(b.data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("commit %s: %w", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}

// MarkExecutable sets the owner/group/world execute bits on an
// already-committed file, using golang.org/x/sys/unix directly for the
// explicit Access/Chmod pair the teacher's build step used when finalizing
// a produced binary.
func MarkExecutable(path string) error {
	if err := unix.Access(path, unix.X_OK); err == nil {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.Chmod(path, info.Mode()|0111)
}
