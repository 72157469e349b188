package atom

import (
	"os"
	"testing"

	"github.com/xyproto/ldcore/internal/ldtest"
	"github.com/xyproto/ldcore/internal/objfile"
)

func TestBuildSplitsSectionAtSymbolBoundaries(t *testing.T) {
	code := []byte{
		0x55, 0x48, 0x89, 0xe5, 0x5d, 0xc3, // f1: push rbp; mov rbp,rsp; pop rbp; ret
		0x55, 0x48, 0x89, 0xe5, 0x5d, 0xc3, // f2: same body
	}
	raw := ldtest.ELFObject(0x3e, code, map[string]uint64{"f1": 0, "f2": 6}, []string{"g"})
	f := parseTestELF(t, raw)

	fac := &Factory{}
	res, err := fac.Build(f)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var names []string
	for _, a := range res.Atoms {
		names = append(names, a.Name)
	}

	wantDefined := map[string]bool{"f1": true, "f2": true}
	gotDefined := map[string]bool{}
	for _, a := range res.Atoms {
		if a.Kind == KindDefined {
			gotDefined[a.Name] = true
			if a.Size() != 6 {
				t.Errorf("atom %q size = %d, want 6", a.Name, a.Size())
			}
		}
	}
	for name := range wantDefined {
		if !gotDefined[name] {
			t.Errorf("missing defined atom %q among %v", name, names)
		}
	}

	foundUndef := false
	for _, a := range res.Atoms {
		if a.Kind == KindUndefined && a.Name == "g" {
			foundUndef = true
		}
	}
	if !foundUndef {
		t.Error("expected an UndefinedAtom for symbol g")
	}
}

func TestBuildAnonymousAtomForUnsymboledSection(t *testing.T) {
	code := []byte{0x90, 0x90, 0x90, 0x90}
	raw := ldtest.ELFObject(0x3e, code, nil, nil)
	f := parseTestELF(t, raw)

	fac := &Factory{}
	res, err := fac.Build(f)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(res.Atoms) != 1 {
		t.Fatalf("expected exactly one anonymous atom, got %d", len(res.Atoms))
	}
	if res.Atoms[0].Size() != 4 {
		t.Fatalf("anonymous atom size = %d, want 4", res.Atoms[0].Size())
	}
}

func TestApplyWrapsRewritesNameAndReferences(t *testing.T) {
	fac := &Factory{WrapNames: map[string]bool{"malloc": true}}

	real := &Atom{Kind: KindDefined, Name: "malloc"}
	caller := &Atom{
		Kind: KindDefined,
		Name: "caller",
		References: []Reference{
			{TargetName: "malloc"},
		},
	}
	atoms := []*Atom{real, caller}
	fac.applyWraps(atoms)

	if real.Name != "__real_malloc" {
		t.Errorf("real.Name = %q, want __real_malloc", real.Name)
	}
	if caller.References[0].TargetName != "__wrap_malloc" {
		t.Errorf("reference target = %q, want __wrap_malloc", caller.References[0].TargetName)
	}
}

func parseTestELF(t *testing.T, raw []byte) *objfile.File {
	t.Helper()
	path := t.TempDir() + "/test.o"
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatalf("write test object: %v", err)
	}
	f, err := objfile.Open(path)
	if err != nil {
		t.Fatalf("objfile.Open: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}
