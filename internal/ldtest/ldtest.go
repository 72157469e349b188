// Package ldtest builds small synthetic COFF and ELF object files in
// memory for use by other packages' table-driven tests, so tests don't
// need to shell out to an assembler or check in binary fixtures.
package ldtest

import (
	"encoding/binary"
)

// ELFObject builds a minimal 64-bit little-endian ELF relocatable object
// containing one .text section (code) with the given symbols defined at
// the given byte offsets into code, plus one undefined symbol per name in
// undefined.
func ELFObject(machine uint16, code []byte, defined map[string]uint64, undefined []string) []byte {
	var shstrtab, strtab []byte
	shstrtab = append(shstrtab, 0)
	strtab = append(strtab, 0)

	textNameOff := uint32(len(shstrtab))
	shstrtab = append(shstrtab, []byte(".text\x00")...)
	symtabNameOff := uint32(len(shstrtab))
	shstrtab = append(shstrtab, []byte(".symtab\x00")...)
	strtabNameOff := uint32(len(shstrtab))
	shstrtab = append(shstrtab, []byte(".strtab\x00")...)
	shstrtabNameOff := uint32(len(shstrtab))
	shstrtab = append(shstrtab, []byte(".shstrtab\x00")...)

	type symEntry struct {
		name  uint32
		value uint64
		shndx uint16
		info  byte
	}
	var syms []symEntry
	syms = append(syms, symEntry{}) // null symbol

	names := sortedKeys(defined)
	for _, name := range names {
		nameOff := uint32(len(strtab))
		strtab = append(strtab, append([]byte(name), 0)...)
		syms = append(syms, symEntry{name: nameOff, value: defined[name], shndx: 1, info: 0x11}) // GLOBAL FUNC
	}
	for _, name := range undefined {
		nameOff := uint32(len(strtab))
		strtab = append(strtab, append([]byte(name), 0)...)
		syms = append(syms, symEntry{name: nameOff, value: 0, shndx: 0, info: 0x10}) // GLOBAL NOTYPE, SHN_UNDEF
	}

	symtabData := make([]byte, len(syms)*24)
	for i, s := range syms {
		off := i * 24
		binary.LittleEndian.PutUint32(symtabData[off:], s.name)
		symtabData[off+4] = s.info
		symtabData[off+5] = 0
		binary.LittleEndian.PutUint16(symtabData[off+6:], s.shndx)
		binary.LittleEndian.PutUint64(symtabData[off+8:], s.value)
		binary.LittleEndian.PutUint64(symtabData[off+16:], 0)
	}

	// Section layout: [0]=NULL [1]=.text [2]=.symtab [3]=.strtab [4]=.shstrtab
	const ehdrSize = 64
	const shdrSize = 64

	textOff := uint64(ehdrSize)
	symtabOff := textOff + uint64(len(code))
	strtabOff := symtabOff + uint64(len(symtabData))
	shstrtabOff := strtabOff + uint64(len(strtab))
	shoff := shstrtabOff + uint64(len(shstrtab))

	buf := make([]byte, shoff+shdrSize*5)

	copy(buf[0:], []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	binary.LittleEndian.PutUint16(buf[16:], 1) // ET_REL
	binary.LittleEndian.PutUint16(buf[18:], machine)
	binary.LittleEndian.PutUint32(buf[20:], 1) // EV_CURRENT
	binary.LittleEndian.PutUint64(buf[40:], shoff)
	binary.LittleEndian.PutUint16(buf[58:], shdrSize)
	binary.LittleEndian.PutUint16(buf[60:], 5)
	binary.LittleEndian.PutUint16(buf[62:], 4) // shstrndx

	copy(buf[textOff:], code)
	copy(buf[symtabOff:], symtabData)
	copy(buf[strtabOff:], strtab)
	copy(buf[shstrtabOff:], shstrtab)

	writeShdr := func(idx int, nameOff, typ uint32, flags uint64, offset, size uint64, link, info uint32, entsize uint64) {
		o := int(shoff) + idx*shdrSize
		binary.LittleEndian.PutUint32(buf[o:], nameOff)
		binary.LittleEndian.PutUint32(buf[o+4:], typ)
		binary.LittleEndian.PutUint64(buf[o+8:], flags)
		binary.LittleEndian.PutUint64(buf[o+16:], 0)
		binary.LittleEndian.PutUint64(buf[o+24:], offset)
		binary.LittleEndian.PutUint64(buf[o+32:], size)
		binary.LittleEndian.PutUint32(buf[o+40:], link)
		binary.LittleEndian.PutUint32(buf[o+44:], info)
		binary.LittleEndian.PutUint64(buf[o+48:], 8)
		binary.LittleEndian.PutUint64(buf[o+56:], entsize)
	}

	writeShdr(0, 0, 0, 0, 0, 0, 0, 0, 0)
	writeShdr(1, textNameOff, 1 /* SHT_PROGBITS */, 0x6 /* ALLOC|EXECINSTR */, textOff, uint64(len(code)), 0, 0, 0)
	writeShdr(2, symtabNameOff, 2 /* SHT_SYMTAB */, 0, symtabOff, uint64(len(symtabData)), 3, uint32(len(syms)), 24)
	writeShdr(3, strtabNameOff, 3 /* SHT_STRTAB */, 0, strtabOff, uint64(len(strtab)), 0, 0, 0)
	writeShdr(4, shstrtabNameOff, 3, 0, shstrtabOff, uint64(len(shstrtab)), 0, 0, 0)

	return buf
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// COFFObject builds a minimal COFF object with one .text section and the
// given defined/undefined symbols, for AMD64.
func COFFObject(code []byte, defined map[string]uint64, undefined []string) []byte {
	const machineAMD64 = 0x8664
	names := sortedKeys(defined)

	var strtab []byte
	strtab = append(strtab, 0, 0, 0, 0) // placeholder for the 4-byte size prefix

	type sym struct {
		name    string
		value   uint32
		section int16
		class   byte
	}
	var syms []sym
	for _, n := range names {
		syms = append(syms, sym{name: n, value: uint32(defined[n]), section: 1, class: 2})
	}
	for _, n := range undefined {
		syms = append(syms, sym{name: n, value: 0, section: 0, class: 2})
	}

	symtabBuf := make([]byte, len(syms)*18)
	for i, s := range syms {
		off := i * 18
		var nameField [8]byte
		if len(s.name) <= 8 {
			copy(nameField[:], s.name)
		} else {
			binary.LittleEndian.PutUint32(nameField[0:4], 0)
			binary.LittleEndian.PutUint32(nameField[4:8], uint32(len(strtab)))
			strtab = append(strtab, append([]byte(s.name), 0)...)
		}
		copy(symtabBuf[off:], nameField[:])
		binary.LittleEndian.PutUint32(symtabBuf[off+8:], s.value)
		binary.LittleEndian.PutUint16(symtabBuf[off+12:], uint16(s.section))
		symtabBuf[off+16] = s.class
	}
	binary.LittleEndian.PutUint32(strtab[0:4], uint32(len(strtab)))

	const coffHdrSize = 20
	const sectHdrSize = 40

	textOff := uint64(coffHdrSize + sectHdrSize)
	symtabOff := textOff + uint64(len(code))

	buf := make([]byte, symtabOff+uint64(len(symtabBuf))+uint64(len(strtab)))
	binary.LittleEndian.PutUint16(buf[0:], machineAMD64)
	binary.LittleEndian.PutUint16(buf[2:], 1) // one section
	binary.LittleEndian.PutUint32(buf[8:], uint32(symtabOff))
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(syms)))
	binary.LittleEndian.PutUint16(buf[16:], 0) // no optional header

	sectOff := coffHdrSize
	copy(buf[sectOff:], []byte(".text\x00\x00\x00"))
	binary.LittleEndian.PutUint32(buf[sectOff+16:], uint32(len(code)))
	binary.LittleEndian.PutUint32(buf[sectOff+20:], uint32(textOff))
	binary.LittleEndian.PutUint32(buf[sectOff+36:], 0x60000020) // CODE|EXECUTE|READ

	copy(buf[textOff:], code)
	copy(buf[symtabOff:], symtabBuf)
	copy(buf[symtabOff+uint64(len(symtabBuf)):], strtab)

	return buf
}
