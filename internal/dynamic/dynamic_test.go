package dynamic

import (
	"testing"

	"github.com/xyproto/ldcore/internal/linkctx"
)

func TestAddSymbolDeduplicatesByName(t *testing.T) {
	s := New(linkctx.ArchX86_64)
	i1 := s.AddSymbol(Symbol{Name: "foo", Binding: 1})
	i2 := s.AddSymbol(Symbol{Name: "foo", Binding: 1})
	if i1 != i2 {
		t.Fatalf("AddSymbol returned different indices for the same name: %d != %d", i1, i2)
	}
	if i1 == 0 {
		t.Fatal("index 0 is reserved for the null dynsym entry")
	}
}

func TestAddNeededDeduplicates(t *testing.T) {
	s := New(linkctx.ArchX86_64)
	s.AddNeeded("libc.so.6")
	s.AddNeeded("libc.so.6")
	s.AddNeeded("libm.so.6")
	if len(s.needed) != 2 {
		t.Fatalf("needed = %v, want 2 deduplicated entries", s.needed)
	}
}

func TestBuildDynsymLayout(t *testing.T) {
	s := New(linkctx.ArchX86_64)
	s.AddSymbol(Symbol{Name: "foo", Binding: 1, Type: 2, Value: 0x1000, Size: 16})

	buf := s.BuildDynsym()
	if len(buf) != 2*24 {
		t.Fatalf("BuildDynsym length = %d, want 48 (null + one symbol)", len(buf))
	}
}

func TestBuildPLTSizing(t *testing.T) {
	s := New(linkctx.ArchX86_64)
	s.AddPLTImport("puts", s.AddSymbol(Symbol{Name: "puts"}), uint32(7))
	s.AddPLTImport("printf", s.AddSymbol(Symbol{Name: "printf"}), uint32(7))

	plt := s.BuildPLT(0x404000)
	if want := (2 + 1) * pltEntrySize; len(plt) != want {
		t.Fatalf("BuildPLT length = %d, want %d", len(plt), want)
	}
}

func TestBuildGNUHashReordersTailOnly(t *testing.T) {
	s := New(linkctx.ArchX86_64)
	s.AddSymbol(Symbol{Name: "local_only"})
	symOffset := len(s.dynsym)
	s.AddSymbol(Symbol{Name: "alpha"})
	s.AddSymbol(Symbol{Name: "beta"})
	s.AddSymbol(Symbol{Name: "gamma"})

	layout, remap := s.BuildGNUHash(symOffset)
	if layout.SymOffset != uint32(symOffset) {
		t.Errorf("SymOffset = %d, want %d", layout.SymOffset, symOffset)
	}
	if len(remap) != 3 {
		t.Fatalf("remap length = %d, want 3", len(remap))
	}
	if len(s.dynsym) != symOffset+3 {
		t.Fatalf("dynsym length changed: %d", len(s.dynsym))
	}
}

func TestElfHashKnownValue(t *testing.T) {
	if got := elfHash(""); got != 0 {
		t.Errorf("elfHash(\"\") = %d, want 0", got)
	}
}
