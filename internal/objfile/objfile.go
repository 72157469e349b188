// Package objfile implements the BinaryReader component (spec §4.1): it
// detects magic bytes and parses COFF objects, COFF import headers, COFF
// archives, and 64-bit ELF objects (read as little-endian) into a single
// neutral representation of sections and symbols. 32-bit ELF input and
// bitcode stubs are rejected with a ParseError. AtomFactory (internal/atom)
// consumes that representation; objfile performs only structural
// validation and defers semantic decisions.
package objfile

import (
	"bytes"
	"fmt"

	"github.com/edsrzf/mmap-go"
	"github.com/xyproto/ldcore/internal/linkctx"
)

// Format identifies which concrete parser produced a File.
type Format int

const (
	FormatCOFFObject Format = iota
	FormatCOFFImport
	FormatArchive
	FormatELF
	FormatBitcodeStub
	FormatResource
	// FormatELFSharedObject is an ET_DYN input: its Symbols list is scanned
	// from .dynsym (every entry is SymSharedExport) rather than carved from
	// relocatable sections, and ImportDLL carries its DT_SONAME (or a
	// basename fallback) the way ImportDLL carries a PE DLL name.
	FormatELFSharedObject
)

// SectionFlags carries the subset of COFF/ELF section flags AtomFactory
// needs to make its splitting decisions (spec §4.2).
type SectionFlags struct {
	Discard       bool // IMAGE_SCN_LNK_REMOVE / SHF_EXCLUDE / debug-when-off
	Mergeable     bool // SHF_MERGE|SHF_STRINGS or the COFF equivalent
	Executable    bool
	Writable      bool
	Allocated     bool
	GroupedSuffix string // ".text$foo" -> "foo", empty if not a grouped section
	ComdatKey     string // COMDAT signature, empty if not a COMDAT section
}

// Section is the neutral representation of one input section.
type Section struct {
	Index   int
	Name    string
	Flags   SectionFlags
	Data    []byte
	Relocs  []Relocation
	Symbols []int // indices into File.Symbols belonging to this section, in file order
	Align   uint32
}

// SymbolType distinguishes what Value means and how AtomFactory should
// classify the symbol.
type SymbolType int

const (
	SymUndefined SymbolType = iota
	SymDefined
	SymCommon
	SymWeakExternal
	SymAbsolute
	SymSection
	// SymSharedExport is one exported entry scanned from an ET_DYN input's
	// .dynsym (FormatELFSharedObject only).
	SymSharedExport
)

// Symbol is the neutral representation of one symbol table entry.
type Symbol struct {
	Name     string
	Section  int // index into File.Sections, -1 if not section-relative
	Value    uint64
	Type     SymbolType
	Weak     bool
	External bool
	Size     uint64 // for SymCommon: requested size; alignment in Align
	Align    uint64

	FallbackName          string // COFF weak-external: name of the fallback symbol
	FallbackSearchArchive bool
}

// Relocation is one fixup entry belonging to a section.
type Relocation struct {
	Offset    uint64
	SymbolIdx int
	Type      uint32 // raw, architecture-specific relocation type code
	Addend    int64  // explicit addend (ELF RELA); 0 and implicit for REL/COFF
}

// Directive is a linker directive string extracted from a discarded section
// (COFF `.drectve`), consumed by the Resolver as a flat list (spec §9: "no
// re-entrancy across component boundaries").
type Directive struct {
	Text string
}

// File is the parsed, format-neutral view of one input.
type File struct {
	Path       string
	Format     Format
	Arch       linkctx.Arch
	Sections   []Section
	Symbols    []Symbol
	Directives []Directive

	// Archive-only
	Members []ArchiveMember

	// Import-header-only
	ImportName    string
	ImportDLL     string
	ImportOrdinal int32

	mapping mmap.MMap // nil once released (§5 resource policy)
}

// ArchiveMember is one member of a parsed archive, lazily materialized into
// a File by the Resolver's archive queue (spec §4.4).
type ArchiveMember struct {
	Name   string
	Offset int64
	Size   int64
	Data   []byte
}

// Close releases the memory mapping backing this file, per the resource
// policy in spec §5: "Input files are memory-mapped and released after all
// atoms/references have been interned."
func (f *File) Close() error {
	if f.mapping == nil {
		return nil
	}
	err := f.mapping.Unmap()
	f.mapping = nil
	return err
}

var (
	coffArchiveMagic = []byte("!<arch>\n")
	elfMagic         = []byte{0x7f, 'E', 'L', 'F'}
	bitcodeMagic     = []byte{'B', 'C', 0xc0, 0xde}
)

// Open memory-maps path and dispatches to the concrete parser selected by
// magic bytes (spec §4.1).
func Open(path string) (*File, error) {
	raw, m, err := mapFile(path)
	if err != nil {
		return nil, linkctx.NewParseError(path, 0, fmt.Errorf("mmap: %w", err))
	}

	f, err := parseBytes(path, raw)
	if err != nil {
		_ = m.Unmap()
		return nil, err
	}
	f.mapping = m
	return f, nil
}

func parseBytes(path string, raw []byte) (*File, error) {
	switch {
	case len(raw) >= len(coffArchiveMagic) && bytes.Equal(raw[:len(coffArchiveMagic)], coffArchiveMagic):
		return parseArchive(path, raw)
	case len(raw) >= 4 && bytes.Equal(raw[:4], elfMagic):
		return parseELF(path, raw)
	case len(raw) >= 4 && bytes.Equal(raw[:4], bitcodeMagic):
		return parseBitcodeStub(path, raw)
	case isCOFFImportHeader(raw):
		return parseCOFFImportHeader(path, raw)
	case len(raw) >= 2:
		return parseCOFFObject(path, raw)
	default:
		return nil, linkctx.NewParseError(path, 0, fmt.Errorf("file too short to contain any recognized magic"))
	}
}

// isCOFFImportHeader detects the short import header: a COFF object whose
// machine field is IMAGE_FILE_MACHINE_UNKNOWN (0) and whose Sig2 field is
// 0xffff, per the PE/COFF short import library format (spec §6.2).
func isCOFFImportHeader(raw []byte) bool {
	if len(raw) < 20 {
		return false
	}
	sig1 := uint16(raw[0]) | uint16(raw[1])<<8
	sig2 := uint16(raw[2]) | uint16(raw[3])<<8
	return sig1 == 0 && sig2 == 0xffff
}
