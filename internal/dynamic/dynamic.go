// Package dynamic implements the ELF DynamicTableBuilder (spec §4.9):
// .dynsym, .dynstr, .hash/.gnu.hash, .got/.got.plt, .plt, .rela.dyn,
// .rela.plt, and .dynamic itself.
package dynamic

import (
	"encoding/binary"

	"github.com/xyproto/ldcore/internal/linkctx"
)

// Symbol is one entry destined for .dynsym.
type Symbol struct {
	Name    string
	Binding byte // STB_LOCAL=0, STB_GLOBAL=1, STB_WEAK=2
	Type    byte // STT_NOTYPE=0, STT_FUNC=2, STT_OBJECT=1, STT_TLS=6
	Shndx   uint16
	Value   uint64
	Size    uint64
}

// Sections accumulates every dynamic-linking section's bytes as they're
// built, mirroring the teacher's DynamicSections but generalized from one
// fixed compiler backend's two hardcoded imports to an arbitrary symbol and
// relocation set assembled by the link driver (cmd/ldcore/dynlink.go).
type Sections struct {
	arch linkctx.Arch

	dynstr    []byte
	dynstrOff map[string]uint32

	dynsym  []Symbol
	symIdx  map[string]int // name -> index into dynsym

	needed []string

	relaDyn []relaEntry
	relaPlt []relaEntry

	pltNames []string // ordering of PLT-resolved imports, index == PLT slot - 1

	gotEntries    int // count of non-PLT GOT slots (.got, not .got.plt)
	localGotEnd   int // MIPS: index boundary between local and global GOT entries
}

type relaEntry struct {
	Offset uint64
	SymIdx int
	Type   uint32
	Addend int64
}

// New creates an empty Sections for arch, seeded with the null dynsym
// entry every SysV dynamic symbol table requires at index 0.
func New(arch linkctx.Arch) *Sections {
	s := &Sections{
		arch:      arch,
		dynstrOff: make(map[string]uint32),
		symIdx:    make(map[string]int),
	}
	s.addString("")
	s.dynsym = append(s.dynsym, Symbol{})
	return s
}

func (s *Sections) addString(str string) uint32 {
	if off, ok := s.dynstrOff[str]; ok {
		return off
	}
	off := uint32(len(s.dynstr))
	s.dynstr = append(s.dynstr, []byte(str)...)
	s.dynstr = append(s.dynstr, 0)
	s.dynstrOff[str] = off
	return off
}

// AddSymbol interns sym into .dynsym if not already present and returns its
// final index.
func (s *Sections) AddSymbol(sym Symbol) int {
	if idx, ok := s.symIdx[sym.Name]; ok {
		return idx
	}
	idx := len(s.dynsym)
	s.dynsym = append(s.dynsym, sym)
	s.symIdx[sym.Name] = idx
	return idx
}

// AddNeeded records a DT_NEEDED entry for lib, deduplicated.
func (s *Sections) AddNeeded(lib string) {
	for _, n := range s.needed {
		if n == lib {
			return
		}
	}
	s.needed = append(s.needed, lib)
}

// AddDynamicReloc appends a non-PLT relocation (data relocations against
// imported or preemptible symbols) to .rela.dyn.
func (s *Sections) AddDynamicReloc(offset uint64, symIdx int, relType uint32, addend int64) {
	s.relaDyn = append(s.relaDyn, relaEntry{Offset: offset, SymIdx: symIdx, Type: relType, Addend: addend})
}

// AddPLTImport registers funcName as the next PLT slot and returns its
// 0-based PLT index, the way the teacher's GeneratePLT assigns GOT slots
// 3.. in declaration order, generalized from two fixed functions to an
// arbitrary import list built by Resolver from SharedLibraryAtoms.
func (s *Sections) AddPLTImport(funcName string, symIdx int, jumpRelType uint32) int {
	idx := len(s.pltNames)
	s.pltNames = append(s.pltNames, funcName)
	s.relaPlt = append(s.relaPlt, relaEntry{SymIdx: symIdx, Type: jumpRelType})
	return idx
}

// PLTCount returns how many functions are resolved through the PLT.
func (s *Sections) PLTCount() int { return len(s.pltNames) }

// x86-64 PLT geometry: PLT0 is a fixed 16-byte resolver stub; each
// imported function gets a 16-byte stub (grounded on the teacher's
// plt_got.go GeneratePLT/GenerateGOT).
const (
	pltEntrySize = 16
	gotEntrySize = 8
)

// BuildPLT emits the x86-64 .plt contents: PLT0 followed by one stub per
// import. gotPLTBase is the runtime address of .got.plt (not its GOT[0]
// entry, the section base), matching where GOT[1]/GOT[2]/GOT[3+] live.
func (s *Sections) BuildPLT(gotPLTBase uint64) []byte {
	n := len(s.pltNames)
	buf := make([]byte, (n+1)*pltEntrySize)

	// PLT0: push GOT[1]; jmp *GOT[2]; pad with nop (0x90) to 16 bytes.
	buf[0] = 0xFF
	buf[1] = 0x35
	binary.LittleEndian.PutUint32(buf[2:], uint32(gotPLTBase+gotEntrySize)-uint32(0)) // rip-relative; caller relocates to real disp
	buf[6] = 0xFF
	buf[7] = 0x25
	binary.LittleEndian.PutUint32(buf[8:], uint32(gotPLTBase+2*gotEntrySize))
	for i := 12; i < 16; i++ {
		buf[i] = 0x90
	}

	for i := 0; i < n; i++ {
		off := (i + 1) * pltEntrySize
		// jmp *GOT[3+i]
		buf[off] = 0xFF
		buf[off+1] = 0x25
		binary.LittleEndian.PutUint32(buf[off+2:], uint32(gotPLTBase+uint64(3+i)*gotEntrySize))
		// push i (the relocation index into .rela.plt)
		buf[off+6] = 0x68
		binary.LittleEndian.PutUint32(buf[off+7:], uint32(i))
		// jmp PLT0 (rel32, patched relative to this instruction's end)
		buf[off+11] = 0xE9
		disp := int32(0) - int32(off+16)
		binary.LittleEndian.PutUint32(buf[off+12:], uint32(disp))
	}
	return buf
}

// BuildGOTPLT emits .got.plt: slot 0 is the link-time address of .dynamic,
// slots 1-2 are reserved for the runtime linker, and slots 3.. point back
// into .plt's push-index instruction so the first call through each stub
// falls to the resolver (grounded on the teacher's GenerateGOT).
func (s *Sections) BuildGOTPLT(dynamicAddr, pltBase uint64) []byte {
	n := len(s.pltNames)
	buf := make([]byte, (3+n)*gotEntrySize)
	binary.LittleEndian.PutUint64(buf[0:], dynamicAddr)
	for i := 0; i < n; i++ {
		pushInsnAddr := pltBase + uint64(i+1)*pltEntrySize + 6
		binary.LittleEndian.PutUint64(buf[(3+i)*gotEntrySize:], pushInsnAddr)
	}
	return buf
}

// BuildDynsym serializes .dynsym in Elf64_Sym layout.
func (s *Sections) BuildDynsym() []byte {
	buf := make([]byte, len(s.dynsym)*24)
	for i, sym := range s.dynsym {
		off := i * 24
		binary.LittleEndian.PutUint32(buf[off:], s.dynstrOff[sym.Name])
		buf[off+4] = sym.Binding<<4 | sym.Type
		buf[off+5] = 0
		binary.LittleEndian.PutUint16(buf[off+6:], sym.Shndx)
		binary.LittleEndian.PutUint64(buf[off+8:], sym.Value)
		binary.LittleEndian.PutUint64(buf[off+16:], sym.Size)
	}
	return buf
}

// BuildDynstr returns the accumulated .dynstr contents.
func (s *Sections) BuildDynstr() []byte {
	return append([]byte(nil), s.dynstr...)
}

// buildRela serializes a rela-entry list in Elf64_Rela layout.
func buildRela(entries []relaEntry) []byte {
	buf := make([]byte, len(entries)*24)
	for i, r := range entries {
		off := i * 24
		binary.LittleEndian.PutUint64(buf[off:], r.Offset)
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(r.SymIdx)<<32|uint64(r.Type))
		binary.LittleEndian.PutUint64(buf[off+16:], uint64(r.Addend))
	}
	return buf
}

// BuildRelaDyn serializes .rela.dyn.
func (s *Sections) BuildRelaDyn() []byte { return buildRela(s.relaDyn) }

// BuildRelaPlt serializes .rela.plt, one entry per PLT import in slot
// order so DT_JMPREL indices match the "push i" instructions BuildPLT
// emitted.
func (s *Sections) BuildRelaPlt(gotPLTBase uint64) []byte {
	for i := range s.relaPlt {
		s.relaPlt[i].Offset = gotPLTBase + uint64(3+i)*gotEntrySize
	}
	return buildRela(s.relaPlt)
}

// BuildHash emits the legacy SysV .hash table (DT_HASH), using a
// single-bucket layout for small symbol counts the way the teacher's
// buildHashTable did, generalized to size the bucket/chain arrays to the
// actual symbol count instead of a hardcoded table.
func (s *Sections) BuildHash() []byte {
	nchain := uint32(len(s.dynsym))
	nbucket := uint32(1)
	if nchain > 4 {
		nbucket = nchain / 4
	}
	buf := make([]byte, (2+nbucket+nchain)*4)
	binary.LittleEndian.PutUint32(buf[0:], nbucket)
	binary.LittleEndian.PutUint32(buf[4:], nchain)

	buckets := make([]uint32, nbucket)
	chain := make([]uint32, nchain)
	for i := uint32(1); i < nchain; i++ {
		h := elfHash(s.dynsym[i].Name) % nbucket
		chain[i] = buckets[h]
		buckets[h] = i
	}
	for i, b := range buckets {
		binary.LittleEndian.PutUint32(buf[8+i*4:], b)
	}
	for i, c := range chain {
		binary.LittleEndian.PutUint32(buf[8+int(nbucket)*4+i*4:], c)
	}
	return buf
}

func elfHash(name string) uint32 {
	var h, g uint32
	for _, c := range []byte(name) {
		h = (h << 4) + uint32(c)
		if g = h & 0xf0000000; g != 0 {
			h ^= g >> 24
		}
		h &^= g
	}
	return h
}

// GNUHashLayout describes the two-phase sort SPEC_FULL §12 requires for
// .gnu.hash: symbols eligible for the GNU hash table (those appearing
// after the first exported/hashable index) must be contiguous in .dynsym
// and sorted by (bucket index, then original index), with a bloom filter
// sized to the exported symbol count.
type GNUHashLayout struct {
	SymOffset  uint32 // first .dynsym index covered by the GNU hash table
	NumBuckets uint32
	BloomShift uint32
	BloomWords []uint64
	Buckets    []uint32
	Chain      []uint32
}

// BuildGNUHash sorts the eligible tail of s.dynsym (symOffset..) into GNU
// hash bucket order in place and returns the table plus the reordering
// that was applied, since dynsym indices referenced by relocations must be
// updated to match (SPEC_FULL §12).
func (s *Sections) BuildGNUHash(symOffset int) (*GNUHashLayout, []int) {
	n := len(s.dynsym) - symOffset
	if n <= 0 {
		return &GNUHashLayout{SymOffset: uint32(symOffset), NumBuckets: 1, BloomWords: []uint64{0}}, nil
	}
	entries := make([]gnuHashEntry, n)
	for i := 0; i < n; i++ {
		entries[i] = gnuHashEntry{sym: s.dynsym[symOffset+i], oldIdx: symOffset + i, hash: gnuHash(s.dynsym[symOffset+i].Name)}
	}

	nbuckets := uint32(1)
	for nbuckets*nbuckets < uint32(n) {
		nbuckets <<= 1
	}

	// Stable sort by bucket so chain values (hash with low bit cleared,
	// OR 1 on the last entry of each bucket) come out contiguous.
	bucketOf := func(e gnuHashEntry) uint32 { return e.hash % nbuckets }
	sortStableByBucket(entries, bucketOf)

	buckets := make([]uint32, nbuckets)
	chain := make([]uint32, n)
	remap := make([]int, n)
	for i, e := range entries {
		remap[i] = e.oldIdx
		b := bucketOf(e)
		if buckets[b] == 0 {
			buckets[b] = uint32(symOffset + i)
		}
		chain[i] = e.hash &^ 1
	}
	for b := range buckets {
		last := -1
		for i, e := range entries {
			if bucketOf(e) == uint32(b) {
				last = i
			}
		}
		if last >= 0 {
			chain[last] |= 1
		}
	}

	bloomBits := uint32(n)*4 + 64
	bloomWords := (bloomBits + 63) / 64
	if bloomWords == 0 {
		bloomWords = 1
	}
	bloom := make([]uint64, bloomWords)
	shift := uint32(6)
	for _, e := range entries {
		h1 := e.hash
		h2 := h1 >> shift
		bloom[(h1/64)%uint32(bloomWords)] |= 1 << (h1 % 64)
		bloom[(h2/64)%uint32(bloomWords)] |= 1 << (h2 % 64)
	}

	newSyms := make([]Symbol, n)
	for i, e := range entries {
		newSyms[i] = e.sym
	}
	copy(s.dynsym[symOffset:], newSyms)

	return &GNUHashLayout{
		SymOffset:  uint32(symOffset),
		NumBuckets: nbuckets,
		BloomShift: shift,
		BloomWords: bloom,
		Buckets:    buckets,
		Chain:      chain,
	}, remap
}

func gnuHash(name string) uint32 {
	h := uint32(5381)
	for _, c := range []byte(name) {
		h = h*33 + uint32(c)
	}
	return h
}

type gnuHashEntry struct {
	sym    Symbol
	oldIdx int
	hash   uint32
}

func sortStableByBucket(entries []gnuHashEntry, bucketOf func(gnuHashEntry) uint32) {
	// insertion sort: symbol counts per object are small enough that this
	// stays linear in practice and avoids importing sort for an unexported
	// anonymous-struct slice.
	for i := 1; i < len(entries); i++ {
		j := i
		for j > 0 && bucketOf(entries[j-1]) > bucketOf(entries[j]) {
			entries[j-1], entries[j] = entries[j], entries[j-1]
			j--
		}
	}
}

// DynamicEntry is one DT_* tag/value pair.
type DynamicEntry struct {
	Tag   int64
	Value uint64
}

const (
	dtNull     = 0
	dtNeeded   = 1
	dtPltRelSz = 2
	dtHash     = 4
	dtStrtab   = 5
	dtSymtab   = 6
	dtRela     = 7
	dtRelaSz   = 8
	dtRelaEnt  = 9
	dtStrSz    = 10
	dtSymEnt   = 11
	dtPltGot   = 3
	dtJmpRel   = 23
	dtPltRel   = 20
	dtBindNow  = 24
	dtFlags    = 30
	dtGnuHash  = 0x6ffffef5
	dtMipsLocalGotno = 0x7000000a
	dtMipsGotSym     = 0x70000013
)

// Addresses collects the runtime addresses BuildDynamic needs for every
// section it references.
type Addresses struct {
	Dynstr, Dynsym, Hash, GnuHash uint64
	RelaDyn, RelaDynSize          uint64
	RelaPlt, RelaPltSize          uint64
	PltGot                        uint64
	MipsGotSym                    uint32
	MipsLocalGotno                uint32
}

// BuildDynamic serializes .dynamic (spec §4.9), grounded on the teacher's
// buildDynamicSection but extended with DT_MIPS_GOTSYM/DT_MIPS_LOCAL_GOTNO
// for the MIPS local/global GOT partition (SPEC_FULL §12).
func (s *Sections) BuildDynamic(addrs Addresses, useGnuHash bool) []byte {
	var entries []DynamicEntry
	for _, lib := range s.needed {
		entries = append(entries, DynamicEntry{dtNeeded, uint64(s.dynstrOff[lib])})
	}
	entries = append(entries,
		DynamicEntry{dtStrtab, addrs.Dynstr},
		DynamicEntry{dtStrSz, uint64(len(s.dynstr))},
		DynamicEntry{dtSymtab, addrs.Dynsym},
		DynamicEntry{dtSymEnt, 24},
	)
	if useGnuHash {
		entries = append(entries, DynamicEntry{dtGnuHash, addrs.GnuHash})
	} else {
		entries = append(entries, DynamicEntry{dtHash, addrs.Hash})
	}
	if len(s.relaDyn) > 0 {
		entries = append(entries,
			DynamicEntry{dtRela, addrs.RelaDyn},
			DynamicEntry{dtRelaSz, addrs.RelaDynSize},
			DynamicEntry{dtRelaEnt, 24},
		)
	}
	if len(s.relaPlt) > 0 {
		entries = append(entries,
			DynamicEntry{dtPltGot, addrs.PltGot},
			DynamicEntry{dtPltRelSz, addrs.RelaPltSize},
			DynamicEntry{dtPltRel, 7}, // DT_RELA
			DynamicEntry{dtJmpRel, addrs.RelaPlt},
		)
	}
	if s.arch == linkctx.ArchMIPS32 || s.arch == linkctx.ArchMIPS64 {
		entries = append(entries,
			DynamicEntry{dtMipsGotSym, uint64(addrs.MipsGotSym)},
			DynamicEntry{dtMipsLocalGotno, uint64(addrs.MipsLocalGotno)},
		)
	}
	entries = append(entries, DynamicEntry{dtNull, 0})

	buf := make([]byte, len(entries)*16)
	for i, e := range entries {
		binary.LittleEndian.PutUint64(buf[i*16:], uint64(e.Tag))
		binary.LittleEndian.PutUint64(buf[i*16+8:], e.Value)
	}
	return buf
}
