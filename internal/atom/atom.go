// Package atom implements the indivisible unit of linking (spec §3) and the
// factory that carves atoms and references out of parsed object files
// (spec §4.2).
package atom

import "github.com/xyproto/ldcore/internal/linkctx"

// ContentType classifies what a DefinedAtom's bytes represent.
type ContentType int

const (
	ContentCode ContentType = iota
	ContentData
	ContentZeroFill
	ContentGOT
	ContentPLT
	ContentThreadLocal
	ContentMergeString
	ContentConstant
)

// Permissions is a read/write/execute triple.
type Permissions struct {
	Read, Write, Execute bool
}

// Scope controls how widely a DefinedAtom's name is visible.
type Scope int

const (
	ScopeTranslationUnit Scope = iota
	ScopeLinkageUnit
	ScopeGlobal
)

// Merge selects how duplicate atoms of the same name are deduplicated
// (spec §3, §4.2).
type Merge int

const (
	MergeNo Merge = iota
	MergeSameNameAddressUsed
	MergeSameNameAndSize
	MergeLargest
	MergeByContent
	MergeAssociative
)

// SectionChoice controls how the atom picks its output section name.
type SectionChoice int

const (
	SectionContentDerived SectionChoice = iota
	SectionCustomNamed
	SectionCustomRequired
)

// DeadStripPolicy overrides the default liveness computation for an atom.
type DeadStripPolicy int

const (
	DeadStripNormal DeadStripPolicy = iota
	DeadStripNever
	DeadStripAlwaysRoot
)

// Binding is the symbol binding recorded on a slot (spec §3 symbol slot).
type Binding int

const (
	BindGlobal Binding = iota
	BindWeak
	BindLocal
)

// Visibility follows the most-restrictive-wins merge rule of spec §4.3.
type Visibility int

const (
	VisibilityDefault Visibility = iota
	VisibilityProtected
	VisibilityHidden
	VisibilityInternal
)

// Kind discriminates the Atom sum type (spec §9: tagged sum type over
// concrete variants, replacing a virtual-dispatch class hierarchy).
type Kind int

const (
	KindDefined Kind = iota
	KindUndefined
	KindSharedLibrary
	KindAbsolute
	KindLazy
)

// Atom is the single tagged-union type every linker component operates on.
// Only the fields relevant to Kind are populated; the pipeline's "thin
// trait layer" (size/align/write/contentType/permissions) is expressed as
// plain methods below rather than an interface per variant. Atoms are
// passed around as *Atom pointers, and a Reference names its target by
// TargetName plus an optional TargetAtom pointer.
type Atom struct {
	Kind Kind
	Name string

	// Ownership: the file (or SyntheticFile) that produced this atom, and
	// this atom's ordinal within that file (spec §3 ordinal stability).
	OwnerFile string
	Ordinal   int

	// DefinedAtom fields
	Data            []byte
	Content         ContentType
	Perms           Permissions
	AlignExp        uint8 // alignment as a power-of-two exponent
	AlignModulus    uint32
	Scope           Scope
	Merge           Merge
	SectionChoice   SectionChoice
	CustomSection   string
	DeadStrip       DeadStripPolicy
	References      []Reference

	// UndefinedAtom fields
	Fallback                 *Atom // weak-alias fallback, may be nil
	CanBeNull                bool
	FallbackSearchesArchive  bool // §12: COFF weak-external search-alias characteristic

	// SharedLibraryAtom fields
	DSOName string
	Ordinal2 int32 // import ordinal, -1 if import-by-name

	// AbsoluteAtom fields
	Value int64

	// LazyAtom fields
	ArchiveMember string // member name within the owning archive

	// Resolved symbol-slot metadata (spec §3 symbol slot), valid once this
	// atom has won a SymbolTable.Slot.
	Binding            Binding
	Visibility         Visibility
	ExportDynamic      bool
	UsedInRegularObj   bool
	MustBeInDynsym     bool
}

// Reference is a directed edge from an atom at OffsetInAtom to a target
// (spec §3). AtomFactory fills in TargetName only; the SymbolTable does not
// set TargetAtom, so later stages that find TargetAtom nil look the target
// up by TargetName.
type Reference struct {
	OffsetInAtom uint64
	TargetName   string
	TargetAtom   *Atom

	Namespace Namespace
	Arch      linkctx.Arch
	Kind      RelocKind
	RawKind   uint32 // architecture-specific relocation type code, valid when Kind == RelocByteProducing
	Addend    int64
}

// Namespace is the reference kind-namespace (spec §3).
type Namespace int

const (
	NamespaceELF Namespace = iota
	NamespaceCOFF
	NamespaceLayout
	NamespaceAll
)

// RelocKind is a namespace-qualified relocation or layout-edge kind. Layout
// kinds don't produce bytes; they constrain ordering/liveness only.
type RelocKind int

const (
	// Layout-only kinds (spec §3), valid when Namespace == NamespaceLayout.
	RelocLayoutBefore RelocKind = iota
	RelocLayoutAfter
	RelocInGroup
	RelocAssociate

	// Byte-producing kinds live in internal/reloc's per-arch tables; this
	// package only needs to distinguish "layout" from "everything else"
	// since AtomFactory and DeadStrip treat layout edges specially (spec
	// §3 Layout acyclicity invariant) while RelocEngine owns the rest.
	RelocByteProducing
)

// IsLayoutOnly reports whether this reference constrains ordering/liveness
// only, producing no bytes (spec §3).
func (r Reference) IsLayoutOnly() bool {
	return r.Namespace == NamespaceLayout
}

// Size returns the atom's content length in bytes.
func (a *Atom) Size() uint64 {
	return uint64(len(a.Data))
}

// Align returns (2^AlignExp, AlignModulus): the atom's address must satisfy
// address % (2^AlignExp) == AlignModulus.
func (a *Atom) Align() (uint64, uint32) {
	return uint64(1) << a.AlignExp, a.AlignModulus
}

// IsZeroFill reports whether this atom's bytes should not be written to the
// output file (NOBITS / .bss-like content).
func (a *Atom) IsZeroFill() bool {
	return a.Content == ContentZeroFill
}
