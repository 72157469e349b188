package main

import (
	"github.com/xyproto/ldcore/internal/address"
	"github.com/xyproto/ldcore/internal/atom"
	"github.com/xyproto/ldcore/internal/dynamic"
	"github.com/xyproto/ldcore/internal/imports"
	"github.com/xyproto/ldcore/internal/layout"
	"github.com/xyproto/ldcore/internal/linkctx"
	"github.com/xyproto/ldcore/internal/reloc"
)

// dynLinkState carries whichever of the two container-specific
// dynamic-linking builders applies to this link, so runLink can patch
// addresses into their section bytes once AddressAssigner has run and
// rewrite those sections the same way it already rewrites relocated code.
type dynLinkState struct {
	elf *dynamic.Sections
	pe  *peImportAtoms
}

// splitSharedLibraryAtoms separates import-from-a-shared-library atoms
// (SharedLibraryAtom, spec §3) from everything LayoutEngine lays out
// directly, since imports are placed by their own format-specific table
// builder rather than by section grouping.
func splitSharedLibraryAtoms(atoms []*atom.Atom) (regular, imported []*atom.Atom) {
	for _, a := range atoms {
		if a.Kind == atom.KindSharedLibrary {
			imported = append(imported, a)
			continue
		}
		regular = append(regular, a)
	}
	return regular, imported
}

// buildDynamicLinkAtoms wires the SharedLibraryAtoms pulled in during
// resolution into format-specific synthetic DefinedAtoms (.dynsym/.plt/...
// for ELF, a PE import directory for Windows) and appends them to the atom
// set LayoutEngine will place. Returns nil state if there are no imports.
func buildDynamicLinkAtoms(ctx *linkctx.Context, importAtoms []*atom.Atom, regular []*atom.Atom) ([]*atom.Atom, *dynLinkState) {
	if len(importAtoms) == 0 {
		return regular, nil
	}

	switch ctx.Target.Container() {
	case linkctx.ContainerELF:
		ds := dynamic.New(ctx.Target.Arch)
		for _, a := range importAtoms {
			ds.AddNeeded(a.DSOName)
			symIdx := ds.AddSymbol(dynamic.Symbol{Name: a.Name, Binding: 1, Type: 2})
			ds.AddPLTImport(a.Name, symIdx, uint32(reloc.X8664JumpSlot))
		}
		return append(regular, elfDynamicPlaceholders(ds)...), &dynLinkState{elf: ds}

	case linkctx.ContainerPE:
		pe := newPEImportAtoms(importAtoms)
		return append(regular, pe.directory), &dynLinkState{pe: pe}
	}
	return regular, nil
}

func elfDynamicPlaceholders(ds *dynamic.Sections) []*atom.Atom {
	mk := func(section string, content atom.ContentType, perms atom.Permissions, data []byte) *atom.Atom {
		return &atom.Atom{
			Kind:          atom.KindDefined,
			Name:          "",
			OwnerFile:     "<dynamic>",
			Data:          data,
			Content:       content,
			Perms:         perms,
			SectionChoice: atom.SectionCustomRequired,
			CustomSection: section,
		}
	}
	ro := atom.Permissions{Read: true}
	rw := atom.Permissions{Read: true, Write: true}
	rx := atom.Permissions{Read: true, Execute: true}

	out := []*atom.Atom{
		mk(".dynstr", atom.ContentConstant, ro, ds.BuildDynstr()),
		mk(".dynsym", atom.ContentConstant, ro, ds.BuildDynsym()),
		mk(".hash", atom.ContentConstant, ro, ds.BuildHash()),
		mk(".got.plt", atom.ContentGOT, rw, ds.BuildGOTPLT(0, 0)),
		mk(".plt", atom.ContentPLT, rx, ds.BuildPLT(0)),
	}
	if ds.PLTCount() > 0 {
		out = append(out, mk(".rela.plt", atom.ContentConstant, ro, ds.BuildRelaPlt(0)))
	}
	// .dynamic is appended after the others so BuildDynamic's "are there any
	// PLT relocations" branch sees the final ds state; its size does not
	// depend on the addresses patched in later, only on which tags apply.
	out = append(out, mk(".dynamic", atom.ContentData, rw, ds.BuildDynamic(dynamic.Addresses{}, false)))
	return out
}

// patchELFDynamicSections regenerates the address-dependent bytes of every
// synthetic dynamic-linking section now that AddressAssigner has placed
// them, overwriting each placeholder atom's Data in place (same length, so
// the section's already-assigned geometry stays valid).
func patchELFDynamicSections(ds *dynamic.Sections, plan *layout.Plan, res *address.Result) {
	addrOf := func(name string) uint64 {
		for _, sec := range plan.Sections {
			if sec.Key.Name == name && len(sec.Atoms) > 0 {
				return res.AtomAddr[sec.Atoms[0]].Address
			}
		}
		return 0
	}
	sizeOf := func(name string) uint64 {
		for _, sec := range plan.Sections {
			if sec.Key.Name == name {
				var n uint64
				for _, a := range sec.Atoms {
					n += a.Size()
				}
				return n
			}
		}
		return 0
	}

	gotPltBase := addrOf(".got.plt")
	pltBase := addrOf(".plt")
	dynamicAddr := addrOf(".dynamic")

	for _, sec := range plan.Sections {
		for _, a := range sec.Atoms {
			if a.OwnerFile != "<dynamic>" {
				continue
			}
			switch sec.Key.Name {
			case ".got.plt":
				copy(a.Data, ds.BuildGOTPLT(dynamicAddr, pltBase))
			case ".plt":
				copy(a.Data, ds.BuildPLT(gotPltBase))
			case ".rela.plt":
				copy(a.Data, ds.BuildRelaPlt(gotPltBase))
			case ".dynamic":
				copy(a.Data, ds.BuildDynamic(dynamic.Addresses{
					Dynstr:      addrOf(".dynstr"),
					Dynsym:      addrOf(".dynsym"),
					Hash:        addrOf(".hash"),
					RelaPlt:     addrOf(".rela.plt"),
					RelaPltSize: sizeOf(".rela.plt"),
					PltGot:      gotPltBase,
				}, false))
			}
		}
	}
}

// peImportAtoms holds the synthetic import-directory atom plus enough
// state to regenerate its IAT thunk contents once addresses are known.
type peImportAtoms struct {
	entries   []imports.Entry
	directory *atom.Atom
}

func newPEImportAtoms(importAtoms []*atom.Atom) *peImportAtoms {
	entries := make([]imports.Entry, 0, len(importAtoms))
	for _, a := range importAtoms {
		entries = append(entries, imports.Entry{DLL: a.DSOName, Name: a.Name, Ordinal: a.Ordinal2})
	}
	layoutAtRVA0 := imports.Build(entries, 0)
	return &peImportAtoms{
		entries: entries,
		directory: &atom.Atom{
			Kind:          atom.KindDefined,
			OwnerFile:     "<dynamic>",
			Data:          layoutAtRVA0.Data,
			Content:       atom.ContentData,
			Perms:         atom.Permissions{Read: true, Write: true},
			SectionChoice: atom.SectionCustomRequired,
			CustomSection: ".idata",
		},
	}
}

// patchPEImportSection rebuilds the import directory at its real RVA, since
// imports.Build bakes RVAs (not file-relative offsets) directly into the
// ILT/IAT/Directory Table bytes.
func patchPEImportSection(pe *peImportAtoms, res *address.Result) {
	baseRVA := uint32(res.AtomAddr[pe.directory].Address)
	l := imports.Build(pe.entries, baseRVA)
	copy(pe.directory.Data, l.Data)
}
