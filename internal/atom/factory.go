package atom

import (
	"fmt"
	"sort"

	"github.com/xyproto/ldcore/internal/linkctx"
	"github.com/xyproto/ldcore/internal/objfile"
)

// Factory carves atoms and references out of one parsed object file (spec
// §4.2). Its only cross-file state is mergePool; the Resolver calls Build
// once per file and threads the results into the SymbolTable itself.
type Factory struct {
	Target linkctx.Target

	// WrapNames is the set of symbol names passed via --wrap; when a name
	// is wrapped, references to it are rewritten to "__wrap_<name>" and the
	// original definition is exposed under "__real_<name>" (SPEC_FULL §12).
	WrapNames map[string]bool

	// mergePool interns mergeable string/constant section entries by exact
	// content across every file this Factory processes (spec §4.2), so two
	// translation units that emit the identical string literal collapse to
	// one atom regardless of which file's copy is seen first.
	mergePool map[string]*Atom
}

// Result is everything Build produces for one input file.
type Result struct {
	Atoms      []*Atom
	Directives []string
}

// Build converts f into atoms. Sections without the allocated flag (symbol
// and string tables, the ELF null section, debug data) yield no atoms.
// Every other non-discarded section becomes either
// one anonymous atom (no symbols point into it) or one atom per symbol,
// split at symbol-value boundaries in file order (spec §4.2 "symbol-sorted
// atom boundary carving").
func (fac *Factory) Build(f *objfile.File) (*Result, error) {
	res := &Result{}

	if f.Format == objfile.FormatCOFFImport {
		res.Atoms = append(res.Atoms, fac.importLibraryAtom(f))
		return res, nil
	}

	if f.Format == objfile.FormatELFSharedObject {
		for i := range f.Symbols {
			res.Atoms = append(res.Atoms, fac.sharedObjectExportAtom(f, &f.Symbols[i]))
		}
		return res, nil
	}

	for i := range f.Directives {
		res.Directives = append(res.Directives, f.Directives[i].Text)
	}

	for secIdx := range f.Sections {
		sec := &f.Sections[secIdx]
		if sec.Flags.Discard || !sec.Flags.Allocated {
			continue
		}

		atoms, err := fac.splitSection(f, sec)
		if err != nil {
			return nil, err
		}
		res.Atoms = append(res.Atoms, atoms...)
	}

	// Undefined, common, and absolute symbols have no owning section; one
	// atom per such symbol.
	for symIdx := range f.Symbols {
		sym := &f.Symbols[symIdx]
		if sym.Name == "" {
			continue // reserved null symbol table entry (ELF index 0 / unnamed COFF aux slots)
		}
		switch sym.Type {
		case objfile.SymUndefined:
			res.Atoms = append(res.Atoms, fac.undefinedAtom(f, sym))
		case objfile.SymCommon:
			res.Atoms = append(res.Atoms, fac.commonAtom(f, sym))
		case objfile.SymAbsolute:
			res.Atoms = append(res.Atoms, fac.absoluteAtom(f, sym))
		case objfile.SymWeakExternal:
			res.Atoms = append(res.Atoms, fac.weakExternalAtom(f, sym))
		}
	}

	if err := fac.attachReferences(f, res.Atoms); err != nil {
		return nil, err
	}
	fac.applyWraps(res.Atoms)

	return res, nil
}

// splitSection produces one or more DefinedAtom values from a single
// section, carving at symbol boundaries (spec §4.2). A section with no
// defined symbols pointing into it becomes a single anonymous atom so its
// bytes and relocations are never silently dropped.
func (fac *Factory) splitSection(f *objfile.File, sec *objfile.Section) ([]*Atom, error) {
	if sec.Flags.Mergeable && sec.Data != nil {
		return fac.splitMergeableSection(f, sec), nil
	}

	type boundary struct {
		offset int
		symIdx int
	}

	var bounds []boundary
	for _, si := range sec.Symbols {
		sym := &f.Symbols[si]
		if sym.Type != objfile.SymDefined && sym.Type != objfile.SymSection {
			continue
		}
		bounds = append(bounds, boundary{offset: int(sym.Value), symIdx: si})
	}
	sort.Slice(bounds, func(i, j int) bool { return bounds[i].offset < bounds[j].offset })

	content, perms := classifySection(sec)

	if len(bounds) == 0 {
		a := &Atom{
			Kind:      KindDefined,
			Name:      sec.Name,
			OwnerFile: f.Path,
			Content:   content,
			Perms:     perms,
			Scope:     ScopeTranslationUnit,
			AlignExp:  alignExp(sec.Align),
		}
		a.Data = sectionAtomData(sec, 0, len(sec.Data), content)
		applySectionChoice(a, sec)
		return []*Atom{a}, nil
	}

	atoms := make([]*Atom, 0, len(bounds))
	for i, b := range bounds {
		end := len(sec.Data)
		if i+1 < len(bounds) {
			end = bounds[i+1].offset
		}
		if b.offset > len(sec.Data) || end > len(sec.Data) || b.offset > end {
			return nil, linkctx.NewParseError(f.Path, int64(b.offset), fmt.Errorf("symbol %q boundary straddles section %q end", f.Symbols[b.symIdx].Name, sec.Name))
		}
		sym := &f.Symbols[b.symIdx]
		a := &Atom{
			Kind:      KindDefined,
			Name:      sym.Name,
			OwnerFile: f.Path,
			Ordinal:   b.symIdx,
			Content:   content,
			Perms:     perms,
			Scope:     scopeFor(sym),
			AlignExp:  alignExp(sec.Align),
		}
		a.Data = sectionAtomData(sec, b.offset, end, content)
		applySectionChoice(a, sec)
		if sec.Flags.ComdatKey != "" {
			a.Merge = MergeSameNameAndSize
		}
		atoms = append(atoms, a)
	}
	return atoms, nil
}

// splitMergeableSection carves a SHF_MERGE|SHF_STRINGS section into one atom
// per null-terminated entry and interns each entry's content in fac's shared
// merge pool, so an entry whose exact bytes already appeared (in this file
// or an earlier one) contributes no new atom at all (spec §4.2 "one atom per
// entry ... deduplicated by (section identity, offset)" — content equality
// is the section-identity-independent form of that key, since two entries at
// different offsets in different sections with identical bytes are, by
// definition, the same string literal).
func (fac *Factory) splitMergeableSection(f *objfile.File, sec *objfile.Section) []*Atom {
	if fac.mergePool == nil {
		fac.mergePool = make(map[string]*Atom)
	}

	var atoms []*Atom
	start := 0
	for start < len(sec.Data) {
		_, end := mergeEntryBounds(sec.Data, start)
		entry := sec.Data[start:end]
		if _, ok := fac.mergePool[string(entry)]; !ok {
			a := &Atom{
				Kind:      KindDefined,
				OwnerFile: f.Path,
				Content:   ContentMergeString,
				Perms:     Permissions{Read: true},
				Scope:     ScopeTranslationUnit,
				AlignExp:  alignExp(sec.Align),
				Data:      entry,
			}
			applySectionChoice(a, sec)
			fac.mergePool[string(entry)] = a
			atoms = append(atoms, a)
		}
		start = end
	}
	return atoms
}

// mergeEntryBounds returns the [start, end) span of the null-terminated
// entry containing offset within data; end includes the terminating NUL,
// or runs to len(data) for an unterminated trailing fragment. Used both to
// carve entries in splitMergeableSection and, given any byte offset a
// relocation lands on, to recover which entry (and therefore which interned
// atom) owns it in attachMergeReferences.
func mergeEntryBounds(data []byte, offset int) (start, end int) {
	start = offset
	for start > 0 && data[start-1] != 0 {
		start--
	}
	end = offset
	for end < len(data) && data[end] != 0 {
		end++
	}
	if end < len(data) {
		end++ // include the terminating NUL
	}
	return start, end
}

func sectionAtomData(sec *objfile.Section, start, end int, content ContentType) []byte {
	if content == ContentZeroFill || sec.Data == nil {
		return nil
	}
	return sec.Data[start:end]
}

func classifySection(sec *objfile.Section) (ContentType, Permissions) {
	perms := Permissions{
		Read:    true,
		Write:   sec.Flags.Writable,
		Execute: sec.Flags.Executable,
	}
	switch {
	case sec.Flags.Executable:
		return ContentCode, perms
	case sec.Data == nil:
		return ContentZeroFill, perms
	case sec.Flags.Mergeable:
		return ContentMergeString, perms
	case sec.Flags.Writable:
		return ContentData, perms
	default:
		return ContentConstant, perms
	}
}

func applySectionChoice(a *Atom, sec *objfile.Section) {
	if sec.Flags.GroupedSuffix != "" {
		a.SectionChoice = SectionCustomNamed
		a.CustomSection = sec.Name
	} else {
		a.SectionChoice = SectionContentDerived
	}
	if sec.Flags.Mergeable {
		a.Merge = MergeByContent
	}
}

func scopeFor(sym *objfile.Symbol) Scope {
	if !sym.External {
		return ScopeTranslationUnit
	}
	return ScopeGlobal
}

func alignExp(byteAlign uint32) uint8 {
	if byteAlign == 0 {
		return 0
	}
	exp := uint8(0)
	for (uint32(1) << exp) < byteAlign {
		exp++
	}
	return exp
}

func (fac *Factory) undefinedAtom(f *objfile.File, sym *objfile.Symbol) *Atom {
	return &Atom{
		Kind:                    KindUndefined,
		Name:                    sym.Name,
		OwnerFile:               f.Path,
		CanBeNull:               false,
		FallbackSearchesArchive: sym.FallbackSearchArchive,
	}
}

// importLibraryAtom turns a parsed short-format COFF import header into the
// one SharedLibraryAtom it describes, so the symbol table can resolve a
// regular object's reference to that name against a DLL import instead of
// leaving it undefined (spec §4.1 COFF import headers).
func (fac *Factory) importLibraryAtom(f *objfile.File) *Atom {
	return &Atom{
		Kind:      KindSharedLibrary,
		Name:      f.ImportName,
		OwnerFile: f.Path,
		DSOName:   f.ImportDLL,
		Ordinal2:  f.ImportOrdinal,
	}
}

// sharedObjectExportAtom turns one scanned ELF .dynsym entry from an ET_DYN
// input into the SharedLibraryAtom it describes, the ELF counterpart to
// importLibraryAtom's PE handling (spec §8 Scenario 2).
func (fac *Factory) sharedObjectExportAtom(f *objfile.File, sym *objfile.Symbol) *Atom {
	return &Atom{
		Kind:      KindSharedLibrary,
		Name:      sym.Name,
		OwnerFile: f.Path,
		DSOName:   f.ImportDLL,
		Ordinal2:  -1,
	}
}

func (fac *Factory) commonAtom(f *objfile.File, sym *objfile.Symbol) *Atom {
	align := sym.Align
	if align == 0 {
		align = 1
	}
	return &Atom{
		Kind:      KindDefined,
		Name:      sym.Name,
		OwnerFile: f.Path,
		Content:   ContentZeroFill,
		Perms:     Permissions{Read: true, Write: true},
		Scope:     ScopeGlobal,
		AlignExp:  alignExp(uint32(align)),
		Merge:     MergeSameNameAddressUsed,
		Data:      make([]byte, sym.Size),
	}
}

func (fac *Factory) absoluteAtom(f *objfile.File, sym *objfile.Symbol) *Atom {
	return &Atom{
		Kind:      KindAbsolute,
		Name:      sym.Name,
		OwnerFile: f.Path,
		Value:     int64(sym.Value),
	}
}

// weakExternalAtom builds an UndefinedAtom carrying a fallback link (spec
// §4.3 weak-alias fallback chain; SPEC_FULL §12 COFF weak-external
// characteristics). DeadStrip keeps Fallback live along with this atom.
// The Resolver does not bind the primary name to the fallback's
// definition, and because CanBeNull is set it does not report the primary
// name as undefined either.
func (fac *Factory) weakExternalAtom(f *objfile.File, sym *objfile.Symbol) *Atom {
	a := &Atom{
		Kind:                    KindUndefined,
		Name:                    sym.Name,
		OwnerFile:               f.Path,
		CanBeNull:               true,
		FallbackSearchesArchive: sym.FallbackSearchArchive,
	}
	if sym.FallbackName != "" {
		a.Fallback = &Atom{Kind: KindUndefined, Name: sym.FallbackName, OwnerFile: f.Path}
	}
	return a
}

// attachReferences walks every section's relocation list and turns each
// entry into a Reference on the atom that owns the relocated offset (spec
// §4.2). The target is left as a name; TargetAtom stays nil and later
// stages look the target up by TargetName.
func (fac *Factory) attachReferences(f *objfile.File, atoms []*Atom) error {
	for secIdx := range f.Sections {
		sec := &f.Sections[secIdx]
		if sec.Flags.Discard || !sec.Flags.Allocated || len(sec.Relocs) == 0 {
			continue
		}
		if sec.Flags.Mergeable && sec.Data != nil {
			if err := fac.attachMergeReferences(f, sec); err != nil {
				return err
			}
			continue
		}
		owners := atomsForSection(f, atoms, sec)
		for _, rel := range sec.Relocs {
			owner := findOwner(owners, rel.Offset)
			if owner == nil {
				return linkctx.NewParseError(f.Path, int64(rel.Offset), fmt.Errorf("relocation in section %q at offset %d matches no atom", sec.Name, rel.Offset))
			}
			if rel.SymbolIdx < 0 || rel.SymbolIdx >= len(f.Symbols) {
				return linkctx.NewParseError(f.Path, int64(rel.Offset), fmt.Errorf("relocation references out-of-range symbol %d", rel.SymbolIdx))
			}
			targetSym := &f.Symbols[rel.SymbolIdx]
			ref := Reference{
				OffsetInAtom: rel.Offset - owner.start,
				TargetName:   targetSym.Name,
				Namespace:    namespaceFor(f),
				Arch:         f.Arch,
				Kind:         RelocByteProducing,
				RawKind:      rel.Type,
				Addend:       rel.Addend,
			}
			owner.atom.References = append(owner.atom.References, ref)
		}
	}
	return nil
}

// attachMergeReferences attaches a mergeable section's relocations directly
// to the interned entry atoms splitMergeableSection already created,
// bypassing the symbol-boundary owner search entirely: a mergeable entry
// atom carries no name or symbol index, only its content, so the only way
// to find the atom a given relocation offset now belongs to is to recompute
// which entry that offset falls in and look it up in the shared pool by the
// same content key.
func (fac *Factory) attachMergeReferences(f *objfile.File, sec *objfile.Section) error {
	for _, rel := range sec.Relocs {
		if rel.Offset > uint64(len(sec.Data)) {
			return linkctx.NewParseError(f.Path, int64(rel.Offset), fmt.Errorf("relocation in mergeable section %q at offset %d is out of range", sec.Name, rel.Offset))
		}
		start, end := mergeEntryBounds(sec.Data, int(rel.Offset))
		owner, ok := fac.mergePool[string(sec.Data[start:end])]
		if !ok {
			return linkctx.NewParseError(f.Path, int64(rel.Offset), fmt.Errorf("mergeable section %q entry at offset %d was never interned", sec.Name, rel.Offset))
		}
		if rel.SymbolIdx < 0 || rel.SymbolIdx >= len(f.Symbols) {
			return linkctx.NewParseError(f.Path, int64(rel.Offset), fmt.Errorf("relocation references out-of-range symbol %d", rel.SymbolIdx))
		}
		targetSym := &f.Symbols[rel.SymbolIdx]
		owner.References = append(owner.References, Reference{
			OffsetInAtom: rel.Offset - uint64(start),
			TargetName:   targetSym.Name,
			Namespace:    namespaceFor(f),
			Arch:         f.Arch,
			Kind:         RelocByteProducing,
			RawKind:      rel.Type,
			Addend:       rel.Addend,
		})
	}
	return nil
}

type atomSpan struct {
	atom  *Atom
	start uint64
	end   uint64
}

func atomsForSection(f *objfile.File, atoms []*Atom, sec *objfile.Section) []atomSpan {
	var spans []atomSpan
	for _, a := range atoms {
		if a.Kind != KindDefined {
			continue
		}
		if a.SectionChoice == SectionCustomNamed && a.CustomSection != sec.Name {
			continue
		}
		if !atomBelongsToSection(f, a, sec) {
			continue
		}
		start, end := atomOffsetsInSection(f, a, sec)
		spans = append(spans, atomSpan{atom: a, start: start, end: end})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	return spans
}

func atomBelongsToSection(f *objfile.File, a *Atom, sec *objfile.Section) bool {
	if a.OwnerFile != f.Path {
		return false
	}
	if len(sec.Symbols) == 0 {
		return a.Name == sec.Name
	}
	for _, si := range sec.Symbols {
		if f.Symbols[si].Name == a.Name && int(a.Ordinal) == si {
			return true
		}
	}
	return false
}

func atomOffsetsInSection(f *objfile.File, a *Atom, sec *objfile.Section) (uint64, uint64) {
	if len(sec.Symbols) == 0 {
		return 0, uint64(len(sec.Data))
	}
	start := f.Symbols[a.Ordinal].Value
	return start, start + a.Size()
}

func findOwner(spans []atomSpan, offset uint64) *atomSpan {
	for i := range spans {
		if offset >= spans[i].start && offset < spans[i].end {
			return &spans[i]
		}
		if spans[i].start == spans[i].end && offset == spans[i].start {
			return &spans[i]
		}
	}
	if len(spans) == 1 {
		return &spans[0]
	}
	return nil
}

func namespaceFor(f *objfile.File) Namespace {
	if f.Format == objfile.FormatELF {
		return NamespaceELF
	}
	return NamespaceCOFF
}

// applyWraps rewrites reference targets and atom names per --wrap: a
// reference to a wrapped name N is redirected to "__wrap_N", and any
// existing definition named N is renamed to "__real_N" so the wrapper can
// still call through (SPEC_FULL §12).
func (fac *Factory) applyWraps(atoms []*Atom) {
	if len(fac.WrapNames) == 0 {
		return
	}
	for _, a := range atoms {
		if fac.WrapNames[a.Name] {
			a.Name = "__real_" + a.Name
		}
		for i := range a.References {
			if fac.WrapNames[a.References[i].TargetName] {
				a.References[i].TargetName = "__wrap_" + a.References[i].TargetName
			}
		}
	}
}
