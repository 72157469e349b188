package layout

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/xyproto/ldcore/internal/atom"
)

func code(ordinal int) *atom.Atom {
	return &atom.Atom{
		Kind:     atom.KindDefined,
		Name:     "f",
		Ordinal:  ordinal,
		Content:  atom.ContentCode,
		Perms:    atom.Permissions{Read: true, Execute: true},
		Data:     []byte{0x90},
	}
}

func rodata(ordinal int) *atom.Atom {
	return &atom.Atom{
		Kind:    atom.KindDefined,
		Name:    "r",
		Ordinal: ordinal,
		Content: atom.ContentConstant,
		Perms:   atom.Permissions{Read: true},
		Data:    []byte{1, 2, 3, 4},
	}
}

func bss(ordinal int) *atom.Atom {
	return &atom.Atom{
		Kind:    atom.KindDefined,
		Name:    "b",
		Ordinal: ordinal,
		Content: atom.ContentZeroFill,
		Perms:   atom.Permissions{Read: true, Write: true},
	}
}

func TestBuildOrdersExecutableBeforeReadOnlyBeforeWritable(t *testing.T) {
	atoms := []*atom.Atom{bss(0), rodata(0), code(0)}

	plan, err := Build(atoms, false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var gotOrder []string
	for _, sec := range plan.Sections {
		gotOrder = append(gotOrder, sec.Key.Name)
	}
	want := []string{".text", ".rodata", ".bss"}
	if diff := cmp.Diff(want, gotOrder); diff != "" {
		t.Errorf("section order mismatch (-want +got):\n%s", diff)
	}
}

func TestSortAtomsIsOrdinalStable(t *testing.T) {
	a1 := code(5)
	a2 := code(1)
	a3 := code(3)
	atoms := []*atom.Atom{a1, a2, a3}

	sortAtoms(atoms)

	got := []int{atoms[0].Ordinal, atoms[1].Ordinal, atoms[2].Ordinal}
	want := []int{1, 3, 5}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ordinal order mismatch (-want +got):\n%s", diff)
	}
}

func TestInitPriorityOrdering(t *testing.T) {
	high := &atom.Atom{Kind: atom.KindDefined, Content: atom.ContentData, CustomSection: ".init_array.00100", Ordinal: 2}
	low := &atom.Atom{Kind: atom.KindDefined, Content: atom.ContentData, CustomSection: ".init_array.00050", Ordinal: 1}
	atoms := []*atom.Atom{high, low}

	sortAtoms(atoms)

	if atoms[0] != low || atoms[1] != high {
		t.Fatalf("expected lower init_array priority first")
	}
}

func TestGroupNameFoldsNumberedSubsections(t *testing.T) {
	a := &atom.Atom{Content: atom.ContentCode, CustomSection: ".text.hot"}
	if got := groupName(a); got != ".text" {
		t.Errorf("groupName(%q) = %q, want .text", a.CustomSection, got)
	}
}

func TestBuildIgnoresNonDefinedAtoms(t *testing.T) {
	atoms := []*atom.Atom{
		{Kind: atom.KindUndefined, Name: "x"},
		code(0),
	}
	plan, err := Build(atoms, false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if diff := cmp.Diff(1, len(plan.Sections)); diff != "" {
		t.Errorf("section count mismatch (-want +got):\n%s", diff)
	}
}
