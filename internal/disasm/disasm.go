// Package disasm renders the final bytes of executable output sections as
// Intel-syntax assembly, for the link driver's --disassemble diagnostic
// flag. Grounded on the x86asm.IntelSyntax usage in the pack's bin2asm
// section dumper, generalized from a standalone dump tool to a listing of
// the sections this linker itself just produced.
package disasm

import (
	"fmt"
	"io"

	"golang.org/x/arch/x86/x86asm"
)

// Section is the minimal view disasm needs of one executable output section.
type Section struct {
	Name    string
	Address uint64
	Data    []byte
}

// WriteListing decodes sec.Data as x86-64 machine code starting at
// sec.Address and writes one line per instruction to w. Bytes that fail to
// decode are emitted as a raw "(bad)" byte and skipped one at a time, the
// way objdump recovers from misaligned or data-in-code regions.
func WriteListing(w io.Writer, sec Section) error {
	fmt.Fprintf(w, "%s:\n", sec.Name)
	for off := 0; off < len(sec.Data); {
		addr := sec.Address + uint64(off)
		inst, err := x86asm.Decode(sec.Data[off:], 64)
		if err != nil {
			fmt.Fprintf(w, "  %8x:\t%02x\t(bad)\n", addr, sec.Data[off])
			off++
			continue
		}
		fmt.Fprintf(w, "  %8x:\t%s\n", addr, x86asm.IntelSyntax(inst, addr, nil))
		off += inst.Len
	}
	return nil
}

// WriteAll renders every executable section in secs, in order.
func WriteAll(w io.Writer, secs []Section) error {
	for _, sec := range secs {
		if err := WriteListing(w, sec); err != nil {
			return err
		}
	}
	return nil
}
