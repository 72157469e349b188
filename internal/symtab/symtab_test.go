package symtab

import (
	"testing"

	"github.com/xyproto/ldcore/internal/atom"
	"github.com/xyproto/ldcore/internal/linkctx"
)

func newTable() *Table {
	ctx := linkctx.New(linkctx.Target{Arch: linkctx.ArchX86_64, OS: linkctx.OSLinux}, nil)
	return New(ctx)
}

func TestAddStrongOverUndefined(t *testing.T) {
	tab := newTable()

	undef := &atom.Atom{Kind: atom.KindUndefined, Name: "foo", OwnerFile: "a.o"}
	if _, err := tab.Add("foo", undef); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	defined := &atom.Atom{Kind: atom.KindDefined, Name: "foo", OwnerFile: "b.o", Binding: atom.BindGlobal}
	changed, err := tab.Add("foo", defined)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !changed {
		t.Fatal("expected a Defined atom to replace an Undefined one")
	}
	if got := tab.Lookup("foo"); got != defined {
		t.Fatalf("Lookup returned %v, want the Defined atom", got)
	}
}

func TestDuplicateStrongSymbolIsError(t *testing.T) {
	tab := newTable()

	a := &atom.Atom{Kind: atom.KindDefined, Name: "main", OwnerFile: "a.o", Binding: atom.BindGlobal}
	b := &atom.Atom{Kind: atom.KindDefined, Name: "main", OwnerFile: "b.o", Binding: atom.BindGlobal}

	if _, err := tab.Add("main", a); err != nil {
		t.Fatalf("unexpected error registering first definition: %v", err)
	}
	_, err := tab.Add("main", b)
	if err == nil {
		t.Fatal("expected a duplicate symbol error")
	}
	lerr, ok := err.(*linkctx.LinkError)
	if !ok {
		t.Fatalf("expected *linkctx.LinkError, got %T", err)
	}
	if lerr.Kind != linkctx.KindDuplicateSymbol {
		t.Fatalf("expected KindDuplicateSymbol, got %v", lerr.Kind)
	}
}

func TestWeakYieldsToStrong(t *testing.T) {
	tab := newTable()

	weak := &atom.Atom{Kind: atom.KindDefined, Name: "helper", OwnerFile: "weak.o", Binding: atom.BindWeak}
	strong := &atom.Atom{Kind: atom.KindDefined, Name: "helper", OwnerFile: "strong.o", Binding: atom.BindGlobal}

	if _, err := tab.Add("helper", weak); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	changed, err := tab.Add("helper", strong)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !changed {
		t.Fatal("expected strong definition to win over weak")
	}
	if got := tab.Lookup("helper"); got != strong {
		t.Fatalf("Lookup returned %v, want the strong atom", got)
	}
}

func TestTwoWeakDefinitionsKeepFirst(t *testing.T) {
	tab := newTable()

	first := &atom.Atom{Kind: atom.KindDefined, Name: "helper", OwnerFile: "a.o", Binding: atom.BindWeak}
	second := &atom.Atom{Kind: atom.KindDefined, Name: "helper", OwnerFile: "b.o", Binding: atom.BindWeak}

	if _, err := tab.Add("helper", first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	changed, err := tab.Add("helper", second)
	if err != nil {
		t.Fatalf("unexpected error registering second weak definition: %v", err)
	}
	if changed {
		t.Fatal("second weak definition should not replace the first")
	}
	if got := tab.Lookup("helper"); got != first {
		t.Fatalf("Lookup returned %v, want the first weak atom", got)
	}
}

func TestTLSMismatchIsError(t *testing.T) {
	tab := newTable()

	normal := &atom.Atom{Kind: atom.KindDefined, Name: "x", OwnerFile: "a.o", Binding: atom.BindGlobal, Content: atom.ContentData}
	tlsAtom := &atom.Atom{Kind: atom.KindDefined, Name: "x", OwnerFile: "b.o", Binding: atom.BindGlobal, Content: atom.ContentThreadLocal}

	if _, err := tab.Add("x", normal); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := tab.Add("x", tlsAtom)
	if err == nil {
		t.Fatal("expected a TLS type mismatch error")
	}
	lerr, ok := err.(*linkctx.LinkError)
	if !ok || lerr.Kind != linkctx.KindTLSTypeMismatch {
		t.Fatalf("expected KindTLSTypeMismatch, got %v", err)
	}
}

func TestResolveFallbackChainDetectsCycle(t *testing.T) {
	a := &atom.Atom{Kind: atom.KindUndefined, Name: "a"}
	b := &atom.Atom{Kind: atom.KindUndefined, Name: "b"}
	a.Fallback = b
	b.Fallback = a

	_, cyclic := ResolveFallbackChain(a)
	if !cyclic {
		t.Fatal("expected a cyclic fallback chain to be detected")
	}
}

func TestResolveFallbackChainTerminal(t *testing.T) {
	a := &atom.Atom{Kind: atom.KindUndefined, Name: "a"}
	b := &atom.Atom{Kind: atom.KindUndefined, Name: "b"}
	a.Fallback = b

	terminal, cyclic := ResolveFallbackChain(a)
	if cyclic {
		t.Fatal("chain should not be reported cyclic")
	}
	if terminal != "b" {
		t.Fatalf("terminal = %q, want %q", terminal, "b")
	}
}

func commonAtom(name, file string, size uint64, alignExp uint8) *atom.Atom {
	return &atom.Atom{
		Kind:      atom.KindDefined,
		Name:      name,
		OwnerFile: file,
		Binding:   atom.BindGlobal,
		Merge:     atom.MergeSameNameAddressUsed,
		AlignExp:  alignExp,
		Data:      make([]byte, size),
	}
}

func TestCommonCommonMergesToLargerSizeAndAlignment(t *testing.T) {
	tab := newTable()

	small := commonAtom("counter", "a.o", 4, 2)
	big := commonAtom("counter", "b.o", 8, 3)

	if _, err := tab.Add("counter", small); err != nil {
		t.Fatalf("unexpected error registering first common: %v", err)
	}
	changed, err := tab.Add("counter", big)
	if err != nil {
		t.Fatalf("unexpected error merging commons: %v", err)
	}
	if !changed {
		t.Fatal("expected the larger common definition to win")
	}
	got := tab.Lookup("counter")
	if got != big {
		t.Fatalf("Lookup returned %v, want the larger common atom", got)
	}
	if got.Size() != 8 {
		t.Fatalf("merged size = %d, want 8", got.Size())
	}
	if got.AlignExp != 3 {
		t.Fatalf("merged AlignExp = %d, want 3 (the stricter of the two)", got.AlignExp)
	}
}

func TestCommonCommonKeepsStricterAlignmentWhenFirstIsLarger(t *testing.T) {
	tab := newTable()

	big := commonAtom("counter", "a.o", 8, 2)
	small := commonAtom("counter", "b.o", 4, 4)

	if _, err := tab.Add("counter", big); err != nil {
		t.Fatalf("unexpected error registering first common: %v", err)
	}
	if _, err := tab.Add("counter", small); err != nil {
		t.Fatalf("unexpected error merging commons: %v", err)
	}
	got := tab.Lookup("counter")
	if got.Size() != 8 {
		t.Fatalf("merged size = %d, want 8 (the larger of the two)", got.Size())
	}
	if got.AlignExp != 4 {
		t.Fatalf("merged AlignExp = %d, want 4 (the stricter of the two)", got.AlignExp)
	}
}

func TestCommonYieldsToNonCommonDefinition(t *testing.T) {
	tab := newTable()

	common := commonAtom("counter", "a.o", 4, 2)
	strong := &atom.Atom{Kind: atom.KindDefined, Name: "counter", OwnerFile: "b.o", Binding: atom.BindGlobal, Data: make([]byte, 4)}

	if _, err := tab.Add("counter", common); err != nil {
		t.Fatalf("unexpected error registering common: %v", err)
	}
	changed, err := tab.Add("counter", strong)
	if err != nil {
		t.Fatalf("expected no error when a non-common definition replaces a common one: %v", err)
	}
	if !changed {
		t.Fatal("expected the non-common definition to replace the common one")
	}
	if got := tab.Lookup("counter"); got != strong {
		t.Fatalf("Lookup returned %v, want the non-common definition", got)
	}

	// Order reversed: a non-common definition registered first must also
	// reject a later common tentative definition without error.
	tab2 := newTable()
	strong2 := &atom.Atom{Kind: atom.KindDefined, Name: "counter", OwnerFile: "a.o", Binding: atom.BindGlobal, Data: make([]byte, 4)}
	common2 := commonAtom("counter", "b.o", 4, 2)
	if _, err := tab2.Add("counter", strong2); err != nil {
		t.Fatalf("unexpected error registering strong definition: %v", err)
	}
	changed2, err := tab2.Add("counter", common2)
	if err != nil {
		t.Fatalf("expected no error when a common tentative definition yields to an existing strong one: %v", err)
	}
	if changed2 {
		t.Fatal("expected the existing non-common definition to remain the winner")
	}
	if got := tab2.Lookup("counter"); got != strong2 {
		t.Fatalf("Lookup returned %v, want the original non-common definition", got)
	}
}

func comdatAtom(name, file string) *atom.Atom {
	return &atom.Atom{
		Kind:      atom.KindDefined,
		Name:      name,
		OwnerFile: file,
		Binding:   atom.BindGlobal,
		Merge:     atom.MergeSameNameAndSize,
	}
}

func TestComdatDuplicateKeepsFirstSeenWithoutError(t *testing.T) {
	tab := newTable()

	first := comdatAtom("_ZTV3Foo", "a.o")
	second := comdatAtom("_ZTV3Foo", "b.o")

	if _, err := tab.Add("_ZTV3Foo", first); err != nil {
		t.Fatalf("unexpected error registering first COMDAT copy: %v", err)
	}
	changed, err := tab.Add("_ZTV3Foo", second)
	if err != nil {
		t.Fatalf("expected no duplicate-symbol error for a second COMDAT-selected copy: %v", err)
	}
	if changed {
		t.Fatal("expected the first COMDAT copy to remain the winner")
	}
	if got := tab.Lookup("_ZTV3Foo"); got != first {
		t.Fatalf("Lookup returned %v, want the first-seen COMDAT copy", got)
	}
}
