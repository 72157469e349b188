package objfile

import "fmt"

// ParseMember parses one already-extracted archive member's bytes as a
// standalone File, reusing the magic-byte dispatch used for top-level
// inputs. Archive members are never memory-mapped individually — their
// bytes already live inside the archive's single mapping (spec §4.4 lazy
// pull keeps the archive's own mmap alive for this reason).
func ParseMember(archivePath string, m ArchiveMember) (*File, error) {
	path := fmt.Sprintf("%s(%s)", archivePath, m.Name)
	f, err := parseBytes(path, m.Data)
	if err != nil {
		return nil, err
	}
	return f, nil
}
