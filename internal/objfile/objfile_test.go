package objfile

import (
	"os"
	"testing"

	"github.com/xyproto/ldcore/internal/ldtest"
)

func TestOpenParsesELFSectionsAndSymbols(t *testing.T) {
	code := []byte{0x90, 0x90, 0x90, 0x90, 0x90, 0x90}
	raw := ldtest.ELFObject(0x3e, code, map[string]uint64{"f1": 0, "f2": 3}, []string{"g"})

	path := t.TempDir() + "/test.o"
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if f.Format != FormatELF {
		t.Fatalf("Format = %v, want FormatELF", f.Format)
	}
	if len(f.Sections) != 5 {
		t.Fatalf("len(Sections) = %d, want 5 (null,.text,.symtab,.strtab,.shstrtab)", len(f.Sections))
	}
	if f.Sections[1].Name != ".text" {
		t.Fatalf("Sections[1].Name = %q, want .text", f.Sections[1].Name)
	}

	var names []string
	for _, s := range f.Symbols {
		if s.Name != "" {
			names = append(names, s.Name)
		}
	}
	want := map[string]bool{"f1": true, "f2": true, "g": true}
	for _, n := range names {
		if !want[n] {
			t.Errorf("unexpected symbol %q", n)
		}
		delete(want, n)
	}
	if len(want) != 0 {
		t.Errorf("missing symbols: %v", want)
	}
}

func TestOpenRejectsTruncatedFile(t *testing.T) {
	path := t.TempDir() + "/truncated.o"
	if err := os.WriteFile(path, []byte{0x7f, 'E', 'L'}, 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected an error for a truncated ELF header")
	}
}

func TestIsCOFFImportHeaderDetection(t *testing.T) {
	hdr := make([]byte, 20)
	hdr[2] = 0xff
	hdr[3] = 0xff
	if !isCOFFImportHeader(hdr) {
		t.Fatal("expected short import header signature to be detected")
	}
	if isCOFFImportHeader(make([]byte, 20)) {
		t.Fatal("all-zero header must not be mistaken for an import header")
	}
}
