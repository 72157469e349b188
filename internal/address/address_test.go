package address

import (
	"testing"

	"github.com/xyproto/ldcore/internal/atom"
	"github.com/xyproto/ldcore/internal/layout"
	"github.com/xyproto/ldcore/internal/linkctx"
)

func TestAssignRespectsFileAndSectionAlignment(t *testing.T) {
	ctx := linkctx.New(linkctx.Target{Arch: linkctx.ArchX86_64, OS: linkctx.OSLinux}, nil)
	ctx.ImageBase = 0x400000
	ctx.SectionAlign = 0x1000
	ctx.FileAlign = 0x200

	a := &atom.Atom{Kind: atom.KindDefined, Name: "f", Content: atom.ContentCode, Data: make([]byte, 10)}
	plan := &layout.Plan{Sections: []*layout.Section{
		{Key: layout.GroupKey{Name: ".text", Executable: true}, Atoms: []*atom.Atom{a}},
	}}

	res := Assign(ctx, plan, 64)

	if res.Sections[0].Address%ctx.SectionAlign != 0 {
		t.Errorf("section address %#x not aligned to %#x", res.Sections[0].Address, ctx.SectionAlign)
	}
	if res.Sections[0].FileOffset%ctx.FileAlign != 0 {
		t.Errorf("section file offset %#x not aligned to %#x", res.Sections[0].FileOffset, ctx.FileAlign)
	}
	if _, ok := res.AtomAddr[a]; !ok {
		t.Fatal("atom has no address assignment")
	}
}

func TestAssignNOBITSSectionHasNoFileSize(t *testing.T) {
	ctx := linkctx.New(linkctx.Target{Arch: linkctx.ArchX86_64, OS: linkctx.OSLinux}, nil)
	ctx.ImageBase = 0x400000
	ctx.SectionAlign = 0x1000
	ctx.FileAlign = 0x200

	a := &atom.Atom{Kind: atom.KindDefined, Name: "b", Content: atom.ContentZeroFill, Data: make([]byte, 256)}
	plan := &layout.Plan{Sections: []*layout.Section{
		{Key: layout.GroupKey{Name: ".bss"}, Atoms: []*atom.Atom{a}, IsNOBITS: true},
	}}

	res := Assign(ctx, plan, 0)
	if res.Sections[0].FileSize != 0 {
		t.Errorf("FileSize = %d, want 0 for a NOBITS section", res.Sections[0].FileSize)
	}
	if res.Sections[0].MemSize != 256 {
		t.Errorf("MemSize = %d, want 256", res.Sections[0].MemSize)
	}
}

func TestAlignUpMod(t *testing.T) {
	cases := []struct {
		v, align, mod, want uint64
	}{
		{0, 16, 0, 0},
		{1, 16, 0, 16},
		{5, 8, 3, 11},
		{11, 8, 3, 11},
	}
	for _, c := range cases {
		if got := alignUpMod(c.v, c.align, c.mod); got != c.want {
			t.Errorf("alignUpMod(%d,%d,%d) = %d, want %d", c.v, c.align, c.mod, got, c.want)
		}
	}
}
