package reloc

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/xyproto/ldcore/internal/atom"
	"github.com/xyproto/ldcore/internal/linkctx"
)

func TestApplyX8664PC32(t *testing.T) {
	data := make([]byte, 4)
	ref := &atom.Reference{
		OffsetInAtom: 0,
		Namespace:    atom.NamespaceELF,
		Kind:         atom.RelocByteProducing,
		RawKind:      uint32(X8664PC32),
		Addend:       -4,
	}
	rc := Context{Arch: linkctx.ArchX86_64, AtomAddr: 0x1000, TargetAddr: 0x2000}

	if err := Apply(data, ref, rc); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got := int32(binary.LittleEndian.Uint32(data))
	want := int32(0x2000) - 4 - int32(0x1000)
	if got != want {
		t.Errorf("PC32 fixup = %d, want %d", got, want)
	}
}

func TestApplyX866464Absolute(t *testing.T) {
	data := make([]byte, 8)
	ref := &atom.Reference{
		Namespace: atom.NamespaceELF,
		Kind:      atom.RelocByteProducing,
		RawKind:   uint32(X866464),
		Addend:    16,
	}
	rc := Context{Arch: linkctx.ArchX86_64, TargetAddr: 0x400000}

	if err := Apply(data, ref, rc); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got := binary.LittleEndian.Uint64(data)
	if want := uint64(0x400000 + 16); got != want {
		t.Errorf("absolute64 fixup = %#x, want %#x", got, want)
	}
}

func TestApplyOverflowDetected(t *testing.T) {
	data := make([]byte, 4)
	ref := &atom.Reference{
		Namespace: atom.NamespaceELF,
		Kind:      atom.RelocByteProducing,
		RawKind:   uint32(X866432),
	}
	rc := Context{Arch: linkctx.ArchX86_64, TargetAddr: 0x1_0000_0000}

	if err := Apply(data, ref, rc); err == nil {
		t.Fatal("expected an overflow error for a value that does not fit in 32 bits")
	}
}

func TestApplyLayoutOnlyReferenceIsNoop(t *testing.T) {
	data := []byte{0xAA, 0xBB}
	ref := &atom.Reference{Namespace: atom.NamespaceLayout, Kind: atom.RelocLayoutBefore}

	if err := Apply(data, ref, Context{}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if data[0] != 0xAA || data[1] != 0xBB {
		t.Fatal("layout-only reference must not modify atom bytes")
	}
}

// tlsgdSequence builds the 16-byte compiler-emitted General Dynamic access
// window the x86-64 TLS ABI mandates: a 0x66-prefixed 8-byte lea loading the
// GOT offset into %rdi, followed by the 8-byte "rex64 call __tls_get_addr@plt"
// sequence, both with a placeholder disp32 the test never inspects.
func tlsgdSequence() []byte {
	return []byte{
		0x66, 0x48, 0x8d, 0x3d, 0x00, 0x00, 0x00, 0x00, // lea 0x0(%rip),%rdi
		0x66, 0x66, 0x48, 0xe8, 0x00, 0x00, 0x00, 0x00, // call __tls_get_addr@plt
	}
}

func TestApplyTLSRelaxationToLocalExec(t *testing.T) {
	data := tlsgdSequence()
	ref := &atom.Reference{
		OffsetInAtom: 4, // the lea's own disp32 field, 4 bytes into the window
		Namespace:    atom.NamespaceELF,
		Kind:         atom.RelocByteProducing,
		RawKind:      uint32(X8664TLSGD),
		Addend:       0,
	}
	rc := Context{Arch: linkctx.ArchX86_64, Preemptible: false, SharedOutput: false, TLSOffset: 24}

	if err := Apply(data, ref, rc); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	wantPrefix := []byte{0x64, 0x48, 0x8b, 0x04, 0x25, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(data[0:9], wantPrefix) {
		t.Errorf("relaxed sequence prefix = % x, want % x (mov %%fs:0,%%rax)", data[0:9], wantPrefix)
	}
	wantOp := []byte{0x48, 0x8d, 0x80}
	if !bytes.Equal(data[9:12], wantOp) {
		t.Errorf("relaxed sequence opcode = % x, want % x (lea disp(%%rax),%%rax)", data[9:12], wantOp)
	}
	got := int32(binary.LittleEndian.Uint32(data[12:16]))
	if got != 24 {
		t.Errorf("GD->LE relaxed fixup = %d, want 24", got)
	}
}

func TestApplyTLSRelaxationToInitialExec(t *testing.T) {
	data := tlsgdSequence()
	ref := &atom.Reference{
		OffsetInAtom: 4,
		Namespace:    atom.NamespaceELF,
		Kind:         atom.RelocByteProducing,
		RawKind:      uint32(X8664TLSGD),
		Addend:       0,
	}
	rc := Context{Arch: linkctx.ArchX86_64, Preemptible: false, SharedOutput: true, AtomAddr: 0x1000, GOTEntryAddr: 0x3000}

	if err := Apply(data, ref, rc); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	wantOp := []byte{0x48, 0x03, 0x05}
	if !bytes.Equal(data[9:12], wantOp) {
		t.Errorf("relaxed sequence opcode = % x, want % x (add disp(%%rip),%%rax)", data[9:12], wantOp)
	}
}

func TestApplyTLSNoRelaxationWhenPreemptible(t *testing.T) {
	data := tlsgdSequence()
	orig := append([]byte(nil), data...)
	ref := &atom.Reference{
		OffsetInAtom: 4,
		Namespace:    atom.NamespaceELF,
		Kind:         atom.RelocByteProducing,
		RawKind:      uint32(X8664TLSGD),
		Addend:       0,
	}
	rc := Context{Arch: linkctx.ArchX86_64, Preemptible: true, AtomAddr: 0x1000, GOTEntryAddr: 0x3000}

	if err := Apply(data, ref, rc); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	// A preemptible target keeps the full GD access sequence: only the
	// disp32 fixup field changes, the surrounding lea/call bytes don't.
	if !bytes.Equal(data[0:4], orig[0:4]) || !bytes.Equal(data[8:12], orig[8:12]) {
		t.Error("preemptible TLS reference must not rewrite the lea/call instruction bytes")
	}
}

func TestApplyTLSRelaxationRejectsMissingLea(t *testing.T) {
	data := make([]byte, 16) // all zero bytes decode to neither lea nor call
	ref := &atom.Reference{
		OffsetInAtom: 4,
		Namespace:    atom.NamespaceELF,
		Kind:         atom.RelocByteProducing,
		RawKind:      uint32(X8664TLSGD),
	}
	rc := Context{Arch: linkctx.ArchX86_64, Preemptible: false, SharedOutput: false, TLSOffset: 24}

	if err := Apply(data, ref, rc); err == nil {
		t.Fatal("expected an error when the expected lea/call sequence is absent")
	}
}
