// Package address implements the AddressAssigner component (spec §4.7):
// walks a layout Plan assigning file offsets and virtual addresses, honoring
// file and page/section alignment for the target container format.
package address

import (
	"github.com/xyproto/ldcore/internal/atom"
	"github.com/xyproto/ldcore/internal/layout"
	"github.com/xyproto/ldcore/internal/linkctx"
)

// Assignment is where one atom landed.
type Assignment struct {
	FileOffset uint64
	Address    uint64
}

// SectionLayout records the final geometry of one output section.
type SectionLayout struct {
	Name       string
	FileOffset uint64
	FileSize   uint64 // 0 for NOBITS
	Address    uint64
	MemSize    uint64
	Executable bool
	Writable   bool
}

// Result is everything later components (imports, dynamic, reloc, output)
// need to place bytes and patch relocations.
type Result struct {
	Sections []SectionLayout
	AtomAddr map[*atom.Atom]Assignment
	EntryVA  uint64
	ImageEnd uint64 // highest VA + size across all sections, rounded to SectionAlign
}

// Assign walks plan in order, giving every section a file offset and
// virtual address. fileOffset starts after the format's fixed header
// region (caller passes headerSize).
func Assign(ctx *linkctx.Context, plan *layout.Plan, headerSize uint64) *Result {
	res := &Result{AtomAddr: make(map[*atom.Atom]Assignment, estimateAtoms(plan))}

	fileOff := alignUp(headerSize, ctx.FileAlign)
	addr := ctx.ImageBase + alignUp(headerSize, ctx.SectionAlign)

	for _, sec := range plan.Sections {
		fileOff = alignUp(fileOff, ctx.FileAlign)
		addr = alignUp(addr, ctx.SectionAlign)

		secFileOff := fileOff
		secAddr := addr
		var cursor uint64

		for _, a := range sec.Atoms {
			alignBytes, mod := a.Align()
			if alignBytes == 0 {
				alignBytes = 1
			}
			cursor = alignUpMod(cursor, alignBytes, uint64(mod))
			res.AtomAddr[a] = Assignment{
				FileOffset: secFileOff + cursor,
				Address:    secAddr + cursor,
			}
			cursor += a.Size()
		}

		sl := SectionLayout{
			Name:       sec.Key.Name,
			FileOffset: secFileOff,
			Address:    secAddr,
			MemSize:    cursor,
			Executable: sec.Key.Executable,
			Writable:   sec.Key.Writable,
		}
		if !sec.IsNOBITS {
			sl.FileSize = cursor
			fileOff = secFileOff + cursor
		}
		addr = secAddr + cursor
		res.Sections = append(res.Sections, sl)

		if end := secAddr + cursor; end > res.ImageEnd {
			res.ImageEnd = end
		}
	}

	res.ImageEnd = alignUp(res.ImageEnd, ctx.SectionAlign)
	return res
}

func estimateAtoms(plan *layout.Plan) int {
	n := 0
	for _, s := range plan.Sections {
		n += len(s.Atoms)
	}
	return n
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}

// alignUpMod rounds v up to the smallest value satisfying
// value % align == mod (spec §3 alignment-with-modulus atoms, used by
// x86 code that must land at a specific offset within a cache line).
func alignUpMod(v, align, mod uint64) uint64 {
	if align <= 1 {
		return v
	}
	base := v - v%align + mod
	if base < v {
		base += align
	}
	return base
}
