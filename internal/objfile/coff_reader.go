package objfile

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/xyproto/ldcore/internal/linkctx"
)

// COFF file header machine types (winnt.h IMAGE_FILE_MACHINE_*).
const (
	coffMachineUnknown = 0x0
	coffMachineI386    = 0x14c
	coffMachineAMD64   = 0x8664
	coffMachineARM64   = 0xaa64
	coffMachineARM     = 0x1c0
)

// Section characteristic flags relevant to AtomFactory (winnt.h IMAGE_SCN_*).
const (
	imageScnCntCode          = 0x00000020
	imageScnCntInitData      = 0x00000040
	imageScnCntUninitData    = 0x00000080
	imageScnLnkRemove        = 0x00000800
	imageScnLnkComdat        = 0x00001000
	imageScnMemDiscardable   = 0x02000000
	imageScnMemExecute       = 0x20000000
	imageScnMemRead          = 0x40000000
	imageScnMemWrite         = 0x80000000
)

type coffFileHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

type coffSectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLineNumbers uint32
	NumberOfRelocations  uint16
	NumberOfLineNumbers  uint16
	Characteristics      uint32
}

type coffSymbol struct {
	Name          [8]byte
	Value         uint32
	SectionNumber int16
	Type          uint16
	StorageClass  byte
	NumberOfAux   byte
}

type coffReloc struct {
	VirtualAddress   uint32
	SymbolTableIndex uint32
	Type             uint16
}

// COFF symbol storage classes (winnt.h IMAGE_SYM_CLASS_*).
const (
	coffClassExternal = 2
	coffClassStatic   = 3
	coffClassWeakExt  = 105
	coffClassSection  = 104
)

// parseCOFFObject parses a plain (non-archive, non-import) COFF object file:
// x86/x64/arm64 .obj as produced by a COFF assembler or compiler front end
// (spec §4.1).
func parseCOFFObject(path string, raw []byte) (*File, error) {
	if len(raw) < 20 {
		return nil, linkctx.NewParseError(path, int64(len(raw)), fmt.Errorf("COFF header truncated"))
	}
	var hdr coffFileHeader
	if err := readStruct(raw, 0, &hdr); err != nil {
		return nil, linkctx.NewParseError(path, 0, err)
	}
	arch := coffMachineToArch(hdr.Machine)

	secOff := uint64(20) + uint64(hdr.SizeOfOptionalHeader)
	headers := make([]coffSectionHeader, hdr.NumberOfSections)
	for i := range headers {
		off := secOff + uint64(i)*40
		if err := readStruct(raw, off, &headers[i]); err != nil {
			return nil, linkctx.NewParseError(path, int64(off), err)
		}
	}

	strtabOff := uint64(hdr.PointerToSymbolTable) + uint64(hdr.NumberOfSymbols)*18
	var strtab []byte
	if strtabOff+4 <= uint64(len(raw)) {
		strtabSize := binary.LittleEndian.Uint32(raw[strtabOff : strtabOff+4])
		if strtabOff+uint64(strtabSize) <= uint64(len(raw)) {
			strtab = raw[strtabOff : strtabOff+uint64(strtabSize)]
		}
	}

	f := &File{Path: path, Format: FormatCOFFObject, Arch: arch}
	f.Sections = make([]Section, len(headers))
	for i, h := range headers {
		name := coffSectionName(h.Name, strtab)
		flags := SectionFlags{
			Discard:    h.Characteristics&(imageScnLnkRemove|imageScnMemDiscardable) != 0,
			Executable: h.Characteristics&imageScnMemExecute != 0,
			Writable:   h.Characteristics&imageScnMemWrite != 0,
			Allocated:  h.Characteristics&imageScnCntUninitData == 0 || h.Characteristics&imageScnMemRead != 0,
		}
		if g, ok := groupedSuffix(name); ok {
			flags.GroupedSuffix = g
		}
		if h.Characteristics&imageScnLnkComdat != 0 {
			// The COMDAT signature is only known once the associated symbol's
			// aux record is read below; set provisionally and fix up there.
			flags.ComdatKey = name
		}

		sec := Section{Index: i, Name: name, Flags: flags, Align: comdatAlign(h.Characteristics)}
		if h.PointerToRawData != 0 && h.SizeOfRawData != 0 {
			end := uint64(h.PointerToRawData) + uint64(h.SizeOfRawData)
			if end > uint64(len(raw)) {
				return nil, linkctx.NewParseError(path, int64(h.PointerToRawData), fmt.Errorf("section %q raw data out of range", name))
			}
			sec.Data = raw[h.PointerToRawData:end]
		}
		if h.NumberOfRelocations > 0 {
			relocs := make([]Relocation, h.NumberOfRelocations)
			for j := range relocs {
				var r coffReloc
				off := uint64(h.PointerToRelocations) + uint64(j)*10
				if err := readStruct(raw, off, &r); err != nil {
					return nil, linkctx.NewParseError(path, int64(off), err)
				}
				relocs[j] = Relocation{Offset: uint64(r.VirtualAddress), SymbolIdx: int(r.SymbolTableIndex), Type: uint32(r.Type)}
			}
			sec.Relocs = relocs
		}
		f.Sections[i] = sec
	}

	symOff := uint64(hdr.PointerToSymbolTable)
	f.Symbols = make([]Symbol, 0, hdr.NumberOfSymbols)
	rawSymToOut := make(map[int]int) // raw symbol-table index -> f.Symbols index
	var directives []Directive

	for i := 0; i < int(hdr.NumberOfSymbols); {
		var s coffSymbol
		off := symOff + uint64(i)*18
		if err := readStruct(raw, off, &s); err != nil {
			return nil, linkctx.NewParseError(path, int64(off), err)
		}
		name := coffSymbolName(s.Name, strtab)
		sym := coffSymToSymbol(name, s)
		outIdx := len(f.Symbols)
		f.Symbols = append(f.Symbols, sym)
		rawSymToOut[i] = outIdx
		if int(s.SectionNumber) >= 1 && int(s.SectionNumber) <= len(f.Sections) {
			secIdx := int(s.SectionNumber) - 1
			f.Sections[secIdx].Symbols = append(f.Sections[secIdx].Symbols, outIdx)
			// Weak-external aux record: TagIndex (4 bytes) names the
			// fallback symbol, Characteristics (4 bytes) selects the
			// search behavior (winnt.h IMAGE_WEAK_EXTERN_SEARCH_*).
			if s.StorageClass == coffClassWeakExt && s.NumberOfAux > 0 {
				auxOff := off + 18
				if auxOff+8 <= uint64(len(raw)) {
					tagIdx := binary.LittleEndian.Uint32(raw[auxOff : auxOff+4])
					characteristics := binary.LittleEndian.Uint32(raw[auxOff+4 : auxOff+8])
					f.Symbols[outIdx].FallbackName = fmt.Sprintf("#%d", tagIdx) // resolved to a name by AtomFactory once all symbols are read
					f.Symbols[outIdx].FallbackSearchArchive = characteristics == 1 || characteristics == 3
				}
			}
			if h := &f.Sections[secIdx]; h.Flags.ComdatKey != "" && s.NumberOfAux > 0 {
				// COMDAT selection symbol's aux record: the section this
				// symbol heads carries the true COMDAT key (its own name).
				h.Flags.ComdatKey = name
			}
		}
		if name == ".drectve" {
			directives = append(directives, Directive{Text: string(sectionDataFor(f, int(s.SectionNumber)))})
		}
		i += 1 + int(s.NumberOfAux)
	}
	// Resolve weak-external TagIndex placeholders to symbol names now that
	// the full raw->out index map is built.
	for idx := range f.Symbols {
		if f.Symbols[idx].FallbackName == "" || f.Symbols[idx].FallbackName[0] != '#' {
			continue
		}
		tagIdx, _ := strconv.Atoi(f.Symbols[idx].FallbackName[1:])
		if out, ok := rawSymToOut[tagIdx]; ok {
			f.Symbols[idx].FallbackName = f.Symbols[out].Name
		}
	}

	// Relocation SymbolIdx values are raw COFF indices that may point at
	// aux-record slots skipped above; remap through rawSymToOut.
	for si := range f.Sections {
		for ri := range f.Sections[si].Relocs {
			if out, ok := rawSymToOut[f.Sections[si].Relocs[ri].SymbolIdx]; ok {
				f.Sections[si].Relocs[ri].SymbolIdx = out
			}
		}
	}

	f.Directives = directives
	return f, nil
}

func sectionDataFor(f *File, sectionNumber int) []byte {
	idx := sectionNumber - 1
	if idx < 0 || idx >= len(f.Sections) {
		return nil
	}
	return f.Sections[idx].Data
}

func coffSymToSymbol(name string, s coffSymbol) Symbol {
	sym := Symbol{Name: name, Value: uint64(s.Value), External: s.StorageClass == coffClassExternal}
	switch {
	case s.SectionNumber == 0 && s.Value == 0:
		sym.Type = SymUndefined
		sym.External = true
	case s.SectionNumber == 0 && s.Value != 0:
		sym.Type = SymCommon
		sym.Size = uint64(s.Value)
	case s.SectionNumber == -1: // IMAGE_SYM_ABSOLUTE
		sym.Type = SymAbsolute
		sym.Value = uint64(s.Value)
	case s.StorageClass == coffClassWeakExt:
		sym.Type = SymWeakExternal
		sym.Weak = true
	case s.StorageClass == coffClassSection:
		sym.Type = SymSection
	default:
		sym.Type = SymDefined
		sym.Section = int(s.SectionNumber)
	}
	return sym
}

func coffSectionName(raw [8]byte, strtab []byte) string {
	s := trimNUL(raw[:])
	if len(s) > 1 && s[0] == '/' {
		if off, err := strconv.Atoi(s[1:]); err == nil {
			return cString(strtab, uint32(off))
		}
	}
	return s
}

func coffSymbolName(raw [8]byte, strtab []byte) string {
	if binary.LittleEndian.Uint32(raw[0:4]) == 0 {
		off := binary.LittleEndian.Uint32(raw[4:8])
		return cString(strtab, off)
	}
	return trimNUL(raw[:])
}

func trimNUL(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}

// comdatAlign maps the IMAGE_SCN_ALIGN_* nibble (bits 20-23) to a byte
// alignment, 0 if unset.
func comdatAlign(characteristics uint32) uint32 {
	exp := (characteristics >> 20) & 0xf
	if exp == 0 {
		return 0
	}
	return uint32(1) << (exp - 1)
}

func coffMachineToArch(machine uint16) linkctx.Arch {
	switch machine {
	case coffMachineAMD64:
		return linkctx.ArchX86_64
	case coffMachineI386:
		return linkctx.ArchX86
	case coffMachineARM64:
		return linkctx.ArchAArch64
	case coffMachineARM:
		return linkctx.ArchARM
	default:
		return linkctx.ArchUnknown
	}
}

// parseCOFFImportHeader parses the 20-byte short import header format used
// by .lib files to describe a DLL export without a real object file body
// (winnt.h IMPORT_OBJECT_HEADER; spec §6.2).
func parseCOFFImportHeader(path string, raw []byte) (*File, error) {
	if len(raw) < 20 {
		return nil, linkctx.NewParseError(path, int64(len(raw)), fmt.Errorf("import header truncated"))
	}
	machine := binary.LittleEndian.Uint16(raw[6:8])
	nameType := (binary.LittleEndian.Uint16(raw[18:20]) >> 2) & 0x7
	ordinalOrHint := binary.LittleEndian.Uint16(raw[16:18])

	rest := raw[20:]
	symName := cStringNulTerminated(rest, 0)
	dllName := cStringNulTerminated(rest, len(symName)+1)

	importName := symName
	switch nameType {
	case 2: // IMPORT_OBJECT_NAME_NOPREFIX
		importName = stripMSVCOrdinalPrefix(symName)
	case 3: // IMPORT_OBJECT_NAME_UNDECORATE
		importName = stripMSVCOrdinalPrefix(symName)
	}

	ordinal := int32(-1)
	if nameType == 0 { // IMPORT_OBJECT_ORDINAL
		ordinal = int32(ordinalOrHint)
	}

	f := &File{
		Path:          path,
		Format:        FormatCOFFImport,
		Arch:          coffMachineToArch(machine),
		ImportName:    importName,
		ImportDLL:     dllName,
		ImportOrdinal: ordinal,
	}
	return f, nil
}

func cStringNulTerminated(buf []byte, start int) string {
	if start >= len(buf) {
		return ""
	}
	end := start
	for end < len(buf) && buf[end] != 0 {
		end++
	}
	return string(buf[start:end])
}

// stripMSVCOrdinalPrefix strips a leading "_" or "@" decoration the way the
// linker's MSVC-mangling fallback chain does when matching
// `__imp_` symbols (SPEC_FULL §12).
func stripMSVCOrdinalPrefix(name string) string {
	if len(name) > 0 && (name[0] == '_' || name[0] == '@') {
		return name[1:]
	}
	return name
}

// parseArchive parses a COFF/Unix ar archive into its member list without
// eagerly parsing each member; the Resolver's archive queue (spec §4.4)
// parses a member lazily the first time it is pulled to satisfy an
// undefined symbol.
func parseArchive(path string, raw []byte) (*File, error) {
	const magicLen = 8
	if len(raw) < magicLen {
		return nil, linkctx.NewParseError(path, int64(len(raw)), fmt.Errorf("archive magic truncated"))
	}

	f := &File{Path: path, Format: FormatArchive}
	offset := magicLen
	// First linker member (the archive symbol index, name "/") and second
	// linker member (BSD/MS extended lookup) and the longnames member
	// (name "//") are skipped as members but still walked so offsets stay
	// correct; AtomFactory never needs them directly since the Resolver
	// redoes symbol-to-member lookup by parsing each pulled member.
	var longNames []byte

	for offset+60 <= len(raw) {
		hdr := raw[offset : offset+60]
		name := strings.TrimRight(string(hdr[0:16]), " ")
		sizeStr := strings.TrimSpace(string(hdr[48:58]))
		size, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil {
			return nil, linkctx.NewParseError(path, int64(offset), fmt.Errorf("malformed archive member size: %w", err))
		}
		dataStart := offset + 60
		dataEnd := dataStart + int(size)
		if dataEnd > len(raw) {
			return nil, linkctx.NewParseError(path, int64(dataStart), fmt.Errorf("archive member %q truncated", name))
		}

		switch {
		case name == "//":
			longNames = raw[dataStart:dataEnd]
		case name == "/" || name == "/0":
			// Symbol index member: skip, the Resolver builds its own
			// name->member map by scanning members directly (spec §4.4
			// favors a single straightforward pass over trusting a
			// possibly-stale archive symbol index).
		default:
			resolved := name
			if strings.HasPrefix(name, "/") {
				if off, err := strconv.Atoi(strings.TrimSuffix(name[1:], "/")); err == nil && longNames != nil {
					resolved = cStringLongName(longNames, off)
				}
			}
			resolved = strings.TrimSuffix(resolved, "/")
			f.Members = append(f.Members, ArchiveMember{
				Name:   resolved,
				Offset: int64(dataStart),
				Size:   size,
				Data:   raw[dataStart:dataEnd],
			})
		}

		offset = dataEnd
		if offset%2 == 1 {
			offset++ // members are 2-byte aligned
		}
	}

	return f, nil
}

func cStringLongName(buf []byte, offset int) string {
	if offset < 0 || offset >= len(buf) {
		return ""
	}
	end := offset
	for end < len(buf) && buf[end] != '\n' {
		end++
	}
	return strings.TrimRight(string(buf[offset:end]), "/")
}

// parseBitcodeStub recognizes an LLVM bitcode wrapper/module without
// decoding it: bitcode inputs are out of scope for this linker core (no LTO
// component exists), so it returns a ParseError naming the file and
// produces no File and no symbols, a clearer diagnostic than a generic
// "unrecognized format" error.
func parseBitcodeStub(path string, raw []byte) (*File, error) {
	return nil, linkctx.NewParseError(path, 0, fmt.Errorf("bitcode input %q requires LTO, which this linker does not implement", path))
}
