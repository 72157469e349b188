// Package imports implements the PE/COFF ImportTableBuilder (spec §4.8):
// builds the Import Lookup Table, Import Address Table, Hint/Name table,
// and Import Directory Table for every DLL a PE output needs, plus
// CallThunk, the 6-byte jump that calls through one IAT slot.
package imports

import (
	"encoding/binary"
	"sort"
)

// Entry is one imported function.
type Entry struct {
	DLL     string
	Name    string
	Ordinal int32 // -1 for import-by-name
}

// dllImports collects every entry imported from one DLL, in the order
// ImportTableBuilder will emit them.
type dllImports struct {
	name    string
	entries []Entry
}

// Layout is the built import tables plus the RVAs later components (the
// PE header writer, RelocEngine for IAT-relative call patching) need.
type Layout struct {
	Data          []byte // concatenated directory table + ILTs + IATs + hint/name entries + DLL names, RVA-relative
	DirectoryRVA  uint32
	DirectorySize uint32
	IATRVA        uint32
	IATSize       uint32
	ThunkRVA      map[string]uint32 // "DLL!Name" -> RVA of its IAT slot
}

const (
	importDirEntrySize = 20
	thunkSize          = 8 // PE32+: 8-byte ILT/IAT entries
)

// Build lays out the import tables for entries, starting at baseRVA (the
// RVA the .idata section will be mapped at). Per-DLL order is
// alphabetical for determinism; within a DLL, import order is preserved
// from the order entries were appended (spec §4.8 "import table contents
// must be deterministic for reproducible builds").
func Build(entries []Entry, baseRVA uint32) *Layout {
	byDLL := make(map[string]*dllImports)
	var dllOrder []string
	for _, e := range entries {
		d, ok := byDLL[e.DLL]
		if !ok {
			d = &dllImports{name: e.DLL}
			byDLL[e.DLL] = d
			dllOrder = append(dllOrder, e.DLL)
		}
		d.entries = append(d.entries, e)
	}
	sort.Strings(dllOrder)

	dirEntries := len(dllOrder) + 1 // +1 null terminator entry
	dirSize := uint32(dirEntries * importDirEntrySize)

	// First pass: compute ILT/IAT offsets and hint/name-table offsets.
	iltOffsets := make(map[string]uint32) // dll -> ILT start, relative to Data
	iatOffsets := make(map[string]uint32)
	var hintNameBuf []byte
	hintNameOffsets := make(map[string]uint32) // "DLL!Name" -> offset into hintNameBuf

	cursor := dirSize
	for _, name := range dllOrder {
		d := byDLL[name]
		iltOffsets[name] = cursor
		cursor += uint32(len(d.entries)+1) * thunkSize // +1 null terminator
	}
	for _, name := range dllOrder {
		d := byDLL[name]
		iatOffsets[name] = cursor
		cursor += uint32(len(d.entries)+1) * thunkSize
	}
	for _, name := range dllOrder {
		d := byDLL[name]
		for _, e := range d.entries {
			if e.Ordinal >= 0 {
				continue
			}
			key := name + "!" + e.Name
			if _, ok := hintNameOffsets[key]; ok {
				continue
			}
			hintNameOffsets[key] = cursor + uint32(len(hintNameBuf))
			entry := make([]byte, 2+len(e.Name)+1)
			binary.LittleEndian.PutUint16(entry, 0) // hint, unknown at link time without an import lib's ordinal table
			copy(entry[2:], e.Name)
			if len(entry)%2 != 0 {
				entry = append(entry, 0)
			}
			hintNameBuf = append(hintNameBuf, entry...)
		}
	}
	cursor += uint32(len(hintNameBuf))

	dllNameOffsets := make(map[string]uint32)
	var dllNameBuf []byte
	for _, name := range dllOrder {
		dllNameOffsets[name] = cursor + uint32(len(dllNameBuf))
		nb := append([]byte(name), 0)
		dllNameBuf = append(dllNameBuf, nb...)
	}
	cursor += uint32(len(dllNameBuf))

	buf := make([]byte, cursor)

	// Directory table.
	for i, name := range dllOrder {
		off := uint32(i * importDirEntrySize)
		binary.LittleEndian.PutUint32(buf[off:], baseRVA+iltOffsets[name])
		binary.LittleEndian.PutUint32(buf[off+12:], baseRVA+dllNameOffsets[name])
		binary.LittleEndian.PutUint32(buf[off+16:], baseRVA+iatOffsets[name])
	}

	thunkRVA := make(map[string]uint32)
	for _, name := range dllOrder {
		d := byDLL[name]
		iltBase := iltOffsets[name]
		iatBase := iatOffsets[name]
		for j, e := range d.entries {
			var thunkVal uint64
			if e.Ordinal >= 0 {
				thunkVal = 0x8000000000000000 | uint64(uint32(e.Ordinal))
			} else {
				key := name + "!" + e.Name
				thunkVal = uint64(baseRVA + hintNameOffsets[key])
			}
			binary.LittleEndian.PutUint64(buf[iltBase+uint32(j)*thunkSize:], thunkVal)
			binary.LittleEndian.PutUint64(buf[iatBase+uint32(j)*thunkSize:], thunkVal)
			thunkRVA[name+"!"+e.Name] = baseRVA + iatBase + uint32(j)*thunkSize
		}
	}

	copy(buf[dirSize+uint32(totalILTIAT(byDLL, dllOrder)):], hintNameBuf)
	copy(buf[dirSize+uint32(totalILTIAT(byDLL, dllOrder))+uint32(len(hintNameBuf)):], dllNameBuf)

	return &Layout{
		Data:          buf,
		DirectoryRVA:  baseRVA,
		DirectorySize: dirSize,
		IATRVA:        baseRVA + iatOffsets[dllOrder[0]],
		IATSize:       cursor - iatOffsets[dllOrder[0]] - uint32(len(hintNameBuf)) - uint32(len(dllNameBuf)),
		ThunkRVA:      thunkRVA,
	}
}

func totalILTIAT(byDLL map[string]*dllImports, order []string) int {
	n := 0
	for _, name := range order {
		n += (len(byDLL[name].entries) + 1) * thunkSize * 2
	}
	return n
}

// CallThunk returns the 6-byte "jmp [rip+disp32]" (FF 25) sequence a call
// site patches in to call through the IAT slot at iatRVA, given the RVA
// immediately following the jmp instruction (callSiteEndRVA). This mirrors
// the teacher's per-architecture PLT-call patcher, generalized from a PLT0
// stub jump to a direct IAT-relative jump since PE imports are resolved by
// the Windows loader rather than lazily through a runtime PLT resolver.
func CallThunk(iatRVA, callSiteEndRVA uint32) []byte {
	buf := make([]byte, 6)
	buf[0] = 0xFF
	buf[1] = 0x25
	disp := int32(iatRVA) - int32(callSiteEndRVA)
	binary.LittleEndian.PutUint32(buf[2:], uint32(disp))
	return buf
}
