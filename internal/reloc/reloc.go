// Package reloc implements the RelocEngine component (spec §4.10):
// applies a Reference's fixup to its owning atom's bytes, dispatching on
// (namespace, arch, kind) to an architecture-specific write rule, including
// the TLS access-model relaxations.
package reloc

import (
	"context"
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/xyproto/ldcore/internal/atom"
	"github.com/xyproto/ldcore/internal/linkctx"
)

// Kind enumerates the representative relocation types spec §4.10 names
// explicitly; RelocKind values from the atom package above
// RelocByteProducing are not further subdivided there; this package is
// where "which specific fixup" actually lives, keyed by the raw type code
// objfile captured plus the target's arch.
type Kind uint32

// x86-64 ELF relocation types (System V AMD64 ABI).
const (
	X8664None     Kind = 0
	X866464       Kind = 1
	X8664PC32     Kind = 2
	X8664GOT32    Kind = 3
	X8664PLT32    Kind = 4
	X8664GOTPCREL Kind = 9
	X866432       Kind = 10
	X8664TPOFF32  Kind = 23
	X8664TLSGD    Kind = 19
	X8664TLSLD    Kind = 20
	X8664GOTTPOFF Kind = 22
	X8664DTPOFF32 Kind = 21
	X8664JumpSlot Kind = 7 // R_X86_64_JUMP_SLOT: .rela.plt entries, resolved by the runtime loader, not this engine
	X8664GlobDat  Kind = 6 // R_X86_64_GLOB_DAT: .rela.dyn entries for GOT-only imported data symbols
)

// i386 ELF relocation types.
const (
	I386Dir32 Kind = 1
)

// AArch64 ELF relocation types (subset used by typical compiler output).
const (
	AArch64AdrPrelPgHi21 Kind = 275
	AArch64AddAbsLo12Nc  Kind = 277
	AArch64Call26        Kind = 283
	AArch64Jump26        Kind = 282
)

// PowerPC64 TOC-relative relocations.
const (
	PPC64Toc16Ha Kind = 50
	PPC64Toc16Lo Kind = 48
)

// MIPS HI16/LO16 paired relocations.
const (
	MIPSHi16 Kind = 5
	MIPSLo16 Kind = 6
)

// COFF AMD64 relocation types.
const (
	COFFAmd64Addr64 Kind = 1
	COFFAmd64Addr32 Kind = 2
	COFFAmd64Rel32  Kind = 4
)

// Context carries what a single Apply call needs beyond the Reference
// itself: the target's resolved address, whether it's preemptible (for TLS
// relaxation gating), and the atom, GOT-slot and TLS-offset values the
// PC-relative, GOT and TLS kinds need.
type Context struct {
	Arch linkctx.Arch

	AtomAddr     uint64 // address of the atom owning this reference
	TargetAddr   uint64 // resolved address of the reference's target
	GOTEntryAddr uint64 // address of this reference's GOT slot, if it has one
	TLSOffset    int64  // offset from the TLS block base, for TPOFF/DTPOFF kinds

	Preemptible bool // target may be overridden by another module at load time
	SharedOutput bool // output is -shared or -pie; gates GD/LD->LE relaxation
}

// Apply writes ref's fixup into data at ref.OffsetInAtom, per the per-arch
// dispatch table (spec §4.10). data is the atom's own byte slice.
func Apply(data []byte, ref *atom.Reference, rc Context) error {
	if ref.IsLayoutOnly() {
		return nil
	}
	k := Kind(0)
	switch ref.Namespace {
	case atom.NamespaceELF, atom.NamespaceCOFF:
		k = Kind(rawKindOf(ref))
	default:
		return fmt.Errorf("reference at offset %d has no byte-producing kind", ref.OffsetInAtom)
	}

	switch rc.Arch {
	case linkctx.ArchX86_64:
		return applyX8664(data, ref, rc, k)
	case linkctx.ArchX86:
		return applyI386(data, ref, rc, k)
	case linkctx.ArchAArch64:
		return applyAArch64(data, ref, rc, k)
	case linkctx.ArchPPC64:
		return applyPPC64(data, ref, rc, k)
	case linkctx.ArchMIPS32, linkctx.ArchMIPS64:
		return applyMIPS(data, ref, rc, k)
	default:
		return fmt.Errorf("no relocation table for architecture %s", rc.Arch)
	}
}

// rawKindOf recovers the original objfile.Relocation.Type AtomFactory
// stashed on the Reference's RawKind field.
func rawKindOf(ref *atom.Reference) uint32 {
	return ref.RawKind
}

func writeAt(data []byte, offset uint64, v int64, width int) error {
	if offset+uint64(width) > uint64(len(data)) {
		return fmt.Errorf("relocation at offset %d (width %d) overflows atom of size %d", offset, width, len(data))
	}
	switch width {
	case 4:
		if v > 0x7fffffff || v < -0x80000000 {
			return fmt.Errorf("relocation overflow: value %d does not fit in 32 bits", v)
		}
		binary.LittleEndian.PutUint32(data[offset:], uint32(int32(v)))
	case 8:
		binary.LittleEndian.PutUint64(data[offset:], uint64(v))
	default:
		return fmt.Errorf("unsupported relocation width %d", width)
	}
	return nil
}

func applyX8664(data []byte, ref *atom.Reference, rc Context, k Kind) error {
	off := ref.OffsetInAtom
	pc := rc.AtomAddr + off
	switch k {
	case X866464:
		return writeAt(data, off, int64(rc.TargetAddr)+ref.Addend, 8)
	case X866432:
		return writeAt(data, off, int64(rc.TargetAddr)+ref.Addend, 4)
	case X8664PC32, X8664PLT32:
		return writeAt(data, off, int64(rc.TargetAddr)+ref.Addend-int64(pc), 4)
	case X8664GOTPCREL, X8664GOT32:
		return writeAt(data, off, int64(rc.GOTEntryAddr)+ref.Addend-int64(pc), 4)
	case X8664TPOFF32:
		return writeAt(data, off, rc.TLSOffset+ref.Addend, 4)
	case X8664DTPOFF32:
		return writeAt(data, off, rc.TLSOffset+ref.Addend, 4)
	case X8664TLSGD, X8664TLSLD, X8664GOTTPOFF:
		return applyTLSWithRelaxation(data, ref, rc, off, pc)
	default:
		return fmt.Errorf("unhandled x86_64 relocation kind %d", k)
	}
}

// tlsGDWindowLen is the fixed byte length of the lea+call access sequence
// the x86-64 TLS ABI requires compilers to emit for General Dynamic and
// Local Dynamic accesses (an 8-byte lea followed by an 8-byte call), chosen
// by the ABI specifically so a linker can relax it at a known offset without
// a general disassembly pass.
const tlsGDWindowLen = 16

// applyTLSWithRelaxation implements the GD->IE, GD->LE, IE->LE, LD->LE
// relaxations (spec §4.10): when the target is not preemptible and, for
// GD/LD forms, the output is not -shared/-pie, the access sequence
// collapses to the cheaper model and the fixup target switches from a GOT
// entry to a direct TPOFF.
func applyTLSWithRelaxation(data []byte, ref *atom.Reference, rc Context, off, pc uint64) error {
	switch {
	case !rc.Preemptible && !rc.SharedOutput:
		// GD->LE / LD->LE: rewrite the lea+call sequence to
		// "mov %fs:0,%rax; lea tpoff(%rax),%rax" and drop the
		// __tls_get_addr call entirely.
		return relaxTLSSequence(data, off, rc.TLSOffset+ref.Addend, false)
	case !rc.Preemptible:
		// GD->IE: rewrite to "mov %fs:0,%rax; add tpoff_got(%rip),%rax";
		// the target becomes the GOT entry holding the TLS offset rather
		// than a call to __tls_get_addr.
		return relaxTLSSequence(data, off, int64(rc.GOTEntryAddr)+ref.Addend-int64(pc), true)
	default:
		return writeAt(data, off, int64(rc.GOTEntryAddr)+ref.Addend-int64(pc), 4)
	}
}

// relaxTLSSequence overwrites the 16-byte lea+call access sequence
// preceding a TLSGD/TLSLD relocation's disp32 operand with the canonical
// relaxed form (spec §4.10, §8 Scenario 6). off is the offset of the lea's
// own disp32 field, so the lea instruction starts at off-4 and the call it
// feeds occupies the following 8 bytes. x86asm decodes both instructions
// first to confirm the compiler actually emitted the expected sequence
// before any bytes are overwritten, rather than trusting the offset blindly.
func relaxTLSSequence(data []byte, off uint64, value int64, indirect bool) error {
	if off < 4 {
		return fmt.Errorf("TLS relocation at offset %d leaves no room for the preceding lea", off)
	}
	start := off - 4
	if start+tlsGDWindowLen > uint64(len(data)) {
		return fmt.Errorf("TLS access sequence at offset %d overflows atom of size %d", start, len(data))
	}

	lea, err := x86asm.Decode(data[start:], 64)
	if err != nil || lea.Op != x86asm.LEA {
		return fmt.Errorf("TLS relocation at offset %d does not precede a lea instruction (relaxation requires the compiler-emitted TLSGD/TLSLD sequence)", off)
	}
	callOff := start + uint64(lea.Len)
	call, err := x86asm.Decode(data[callOff:], 64)
	if err != nil || call.Op != x86asm.CALL {
		return fmt.Errorf("TLS relocation at offset %d: lea is not followed by a call to __tls_get_addr", off)
	}

	window := data[start : start+tlsGDWindowLen]
	// mov %fs:0,%rax: 64 48 8b 04 25 00 00 00 00
	copy(window[0:9], []byte{0x64, 0x48, 0x8b, 0x04, 0x25, 0x00, 0x00, 0x00, 0x00})
	if indirect {
		// add disp(%rip),%rax: 48 03 05 <disp32>
		copy(window[9:16], []byte{0x48, 0x03, 0x05, 0x00, 0x00, 0x00, 0x00})
	} else {
		// lea disp(%rax),%rax: 48 8d 80 <disp32>
		copy(window[9:16], []byte{0x48, 0x8d, 0x80, 0x00, 0x00, 0x00, 0x00})
	}
	return writeAt(data, start+12, value, 4)
}

func applyI386(data []byte, ref *atom.Reference, rc Context, k Kind) error {
	switch k {
	case I386Dir32:
		return writeAt(data, ref.OffsetInAtom, int64(rc.TargetAddr)+ref.Addend, 4)
	default:
		return fmt.Errorf("unhandled i386 relocation kind %d", k)
	}
}

func applyAArch64(data []byte, ref *atom.Reference, rc Context, k Kind) error {
	off := ref.OffsetInAtom
	if off+4 > uint64(len(data)) {
		return fmt.Errorf("relocation at offset %d overflows atom of size %d", off, len(data))
	}
	insn := binary.LittleEndian.Uint32(data[off:])
	target := int64(rc.TargetAddr) + ref.Addend

	switch k {
	case AArch64AdrPrelPgHi21:
		pc := rc.AtomAddr + off
		pageDelta := (target &^ 0xfff) - (int64(pc) &^ 0xfff)
		imm := pageDelta >> 12
		insn = insn&^uint32(0x60ffffe0) | (uint32(imm&3) << 29) | (uint32((imm>>2)&0x7ffff) << 5)
		binary.LittleEndian.PutUint32(data[off:], insn)
		return nil
	case AArch64AddAbsLo12Nc:
		imm := uint32(target & 0xfff)
		insn = insn&^uint32(0x3ffc00) | (imm << 10)
		binary.LittleEndian.PutUint32(data[off:], insn)
		return nil
	case AArch64Call26, AArch64Jump26:
		pc := rc.AtomAddr + off
		disp := (target - int64(pc)) >> 2
		if disp > 1<<25-1 || disp < -(1<<25) {
			return fmt.Errorf("relocation overflow: branch target out of +/-128MB range at offset %d", off)
		}
		insn = insn&^uint32(0x3ffffff) | (uint32(disp) & 0x3ffffff)
		binary.LittleEndian.PutUint32(data[off:], insn)
		return nil
	default:
		return fmt.Errorf("unhandled aarch64 relocation kind %d", k)
	}
}

func applyPPC64(data []byte, ref *atom.Reference, rc Context, k Kind) error {
	off := ref.OffsetInAtom
	if off+2 > uint64(len(data)) {
		return fmt.Errorf("relocation at offset %d overflows atom of size %d", off, len(data))
	}
	toc := int64(rc.GOTEntryAddr) + ref.Addend // TOC-relative value uses the GOT-like slot address
	switch k {
	case PPC64Toc16Ha:
		v := uint16((toc + 0x8000) >> 16)
		binary.BigEndian.PutUint16(data[off:], v)
		return nil
	case PPC64Toc16Lo:
		v := uint16(toc & 0xffff)
		binary.BigEndian.PutUint16(data[off:], v)
		return nil
	default:
		return fmt.Errorf("unhandled ppc64 relocation kind %d", k)
	}
}

func applyMIPS(data []byte, ref *atom.Reference, rc Context, k Kind) error {
	off := ref.OffsetInAtom
	if off+2 > uint64(len(data)) {
		return fmt.Errorf("relocation at offset %d overflows atom of size %d", off, len(data))
	}
	target := int64(rc.TargetAddr) + ref.Addend
	switch k {
	case MIPSHi16:
		v := uint16((target + 0x8000) >> 16)
		binary.BigEndian.PutUint16(data[off:], v)
		return nil
	case MIPSLo16:
		v := uint16(target & 0xffff)
		binary.BigEndian.PutUint16(data[off:], v)
		return nil
	default:
		return fmt.Errorf("unhandled mips relocation kind %d", k)
	}
}

// SectionJob is one section's worth of relocations to apply, as handed to
// ApplyParallel by the pipeline driver after AddressAssigner has run.
// Resolve builds the per-reference Context (target/GOT/TLS addresses vary
// per reference, not per atom, since one atom can hold many references to
// different targets).
type SectionJob struct {
	Atoms   []*atom.Atom
	Resolve func(a *atom.Atom, ref *atom.Reference) Context
}

// ApplyParallel runs Apply across every atom in every job using a bounded
// worker pool (spec §9 "RelocEngine per-section application" is one of the
// two opt-in parallel phases), since each atom's bytes are disjoint and
// references never cross atom boundaries once resolved.
func ApplyParallel(ctx context.Context, jobs []SectionJob, maxWorkers int64) error {
	sem := semaphore.NewWeighted(maxWorkers)
	g, gctx := errgroup.WithContext(ctx)

	for _, job := range jobs {
		job := job
		for _, a := range job.Atoms {
			a := a
			if job.Resolve == nil {
				continue
			}
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			g.Go(func() error {
				defer sem.Release(1)
				for i := range a.References {
					rc := job.Resolve(a, &a.References[i])
					if err := Apply(a.Data, &a.References[i], rc); err != nil {
						return fmt.Errorf("%s: %w", a.Name, err)
					}
				}
				return nil
			})
		}
	}
	return g.Wait()
}
