// Command ldcore is the command-line driver: it maps flags onto a
// linkctx.Context, runs the BinaryReader/Resolver/DeadStrip/LayoutEngine/
// AddressAssigner/RelocEngine/OutputWriter pipeline, and returns any error
// to cobra, which prints it before main exits with status 1.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xyproto/ldcore/internal/address"
	"github.com/xyproto/ldcore/internal/atom"
	"github.com/xyproto/ldcore/internal/deadstrip"
	"github.com/xyproto/ldcore/internal/disasm"
	"github.com/xyproto/ldcore/internal/layout"
	"github.com/xyproto/ldcore/internal/ldlog"
	"github.com/xyproto/ldcore/internal/linkctx"
	"github.com/xyproto/ldcore/internal/objfile"
	"github.com/xyproto/ldcore/internal/output"
	"github.com/xyproto/ldcore/internal/reloc"
	"github.com/xyproto/ldcore/internal/resolve"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		outputPath  string
		archName    string
		osName      string
		entry       string
		verbose     bool
		gcSections  bool
		shared      bool
		undefined   []string
		wrapNames   []string
		rpath       []string
		disassemble bool
	)

	cmd := &cobra.Command{
		Use:   "ldcore [objects and archives...]",
		Short: "link relocatable objects into a PE or ELF executable",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := ldlog.New(verbose)

			arch, err := linkctx.ParseArch(archName)
			if err != nil {
				return err
			}
			os_, err := linkctx.ParseOS(osName)
			if err != nil {
				return err
			}

			ctx := linkctx.New(linkctx.Target{Arch: arch, OS: os_}, log)
			ctx.OutputPath = outputPath
			ctx.EntrySymbol = entry
			ctx.GCSections = gcSections
			ctx.Shared = shared
			ctx.UndefinedNames = undefined
			ctx.RPath = rpath
			ctx.WrapNames = make(map[string]bool, len(wrapNames))
			for _, n := range wrapNames {
				ctx.WrapNames[n] = true
			}

			return runLink(ctx, args, disassemble)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&outputPath, "output", "o", "a.out", "output file path")
	flags.StringVar(&archName, "arch", "x86_64", "target architecture")
	flags.StringVar(&osName, "os", "linux", "target operating system")
	flags.StringVarP(&entry, "entry", "e", "_start", "entry point symbol")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVar(&gcSections, "gc-sections", false, "dead-strip unreachable atoms")
	flags.BoolVar(&shared, "shared", false, "produce a shared library / DLL")
	flags.StringArrayVarP(&undefined, "undefined", "u", nil, "force NAME to be treated as undefined (root for dead-stripping)")
	flags.StringArrayVar(&wrapNames, "wrap", nil, "wrap calls to NAME through __wrap_NAME")
	flags.StringArrayVar(&rpath, "rpath", nil, "add a runtime library search path")
	flags.BoolVar(&disassemble, "disassemble", false, "print an Intel-syntax disassembly of executable output sections to stdout")

	return cmd
}

func runLink(ctx *linkctx.Context, inputs []string, disassemble bool) error {
	r := resolve.New(ctx)

	var openFiles []*objfile.File
	defer func() {
		for _, f := range openFiles {
			_ = f.Close()
		}
	}()

	for _, path := range inputs {
		f, err := objfile.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		openFiles = append(openFiles, f)

		if f.Members != nil {
			if err := r.AddArchive(path, f.Members); err != nil {
				return fmt.Errorf("index archive %s: %w", path, err)
			}
			continue
		}
		r.AddObject(f)
	}

	atoms, err := r.Run()
	if err != nil {
		return err
	}
	ctx.Log.Infow("resolved", "atoms", len(atoms))

	liveAtoms := atoms
	if ctx.GCSections {
		byName := make(map[string]*atom.Atom, len(atoms))
		for _, a := range atoms {
			if a.Name != "" {
				byName[a.Name] = a
			}
		}
		roots := deadstrip.Roots{
			EntrySymbol:    ctx.EntrySymbol,
			UndefinedNames: ctx.UndefinedNames,
		}
		liveAtoms = deadstrip.Run(atoms, byName, roots)
		ctx.Log.Infow("dead-stripped", "kept", len(liveAtoms), "total", len(atoms))
	}

	regularAtoms, importAtoms := splitSharedLibraryAtoms(liveAtoms)
	regularAtoms, dyn := buildDynamicLinkAtoms(ctx, importAtoms, regularAtoms)
	if len(importAtoms) > 0 {
		ctx.Log.Infow("dynamic imports", "count", len(importAtoms))
	}

	plan, err := layout.Build(regularAtoms, true)
	if err != nil {
		return err
	}

	res := address.Assign(ctx, plan, 0)

	buf := output.NewBuffer(res.ImageEnd)
	for _, sec := range plan.Sections {
		if err := buf.WriteSection(sec, extractFileOffsets(res)); err != nil {
			return err
		}
	}

	if dyn != nil {
		switch {
		case dyn.elf != nil:
			patchELFDynamicSections(dyn.elf, plan, res)
		case dyn.pe != nil:
			patchPEImportSection(dyn.pe, res)
		}
	}

	jobs := buildRelocJobs(plan, res, ctx)
	if err := reloc.ApplyParallel(context.Background(), jobs, 8); err != nil {
		return err
	}
	// Relocations (and the dynamic-linking patch above) mutate atom.Data
	// after it was already copied into buf, so the section bytes must be
	// rewritten once more now that fixups and addresses have landed.
	for _, sec := range plan.Sections {
		if err := buf.WriteSection(sec, extractFileOffsets(res)); err != nil {
			return err
		}
	}

	if disassemble {
		var execSecs []disasm.Section
		for i, sec := range plan.Sections {
			if !sec.Key.Executable {
				continue
			}
			execSecs = append(execSecs, disasm.Section{
				Name:    sec.Key.Name,
				Address: res.Sections[i].Address,
				Data:    sectionBytes(sec),
			})
		}
		if err := disasm.WriteAll(os.Stdout, execSecs); err != nil {
			return err
		}
	}

	return buf.Commit(ctx.OutputPath, 0755)
}

// sectionBytes concatenates a section's atoms in layout order, giving the
// disassembler a single contiguous view matching what ended up in the
// output file.
func sectionBytes(sec *layout.Section) []byte {
	var n int
	for _, a := range sec.Atoms {
		n += len(a.Data)
	}
	buf := make([]byte, 0, n)
	for _, a := range sec.Atoms {
		buf = append(buf, a.Data...)
	}
	return buf
}

func extractFileOffsets(res *address.Result) map[*atom.Atom]uint64 {
	out := make(map[*atom.Atom]uint64, len(res.AtomAddr))
	for a, asn := range res.AtomAddr {
		out[a] = asn.FileOffset
	}
	return out
}

// buildRelocJobs turns AddressAssigner's results into the per-section work
// RelocEngine needs, resolving each reference's target address against the
// same AtomAddr map. A reference whose TargetAtom is nil is looked up by
// TargetName among the named atoms in the plan; a name with no such atom
// gets target address 0.
func buildRelocJobs(plan *layout.Plan, res *address.Result, ctx *linkctx.Context) []reloc.SectionJob {
	byName := make(map[string]*atom.Atom)
	for _, sec := range plan.Sections {
		for _, a := range sec.Atoms {
			if a.Name != "" {
				byName[a.Name] = a
			}
		}
	}

	resolveCtx := func(a *atom.Atom, ref *atom.Reference) reloc.Context {
		rc := reloc.Context{
			Arch:         ctx.Target.Arch,
			AtomAddr:     res.AtomAddr[a].Address,
			Preemptible:  false,
			SharedOutput: ctx.Shared,
		}
		target := ref.TargetAtom
		if target == nil && ref.TargetName != "" {
			target = byName[ref.TargetName]
		}
		if target != nil {
			rc.TargetAddr = res.AtomAddr[target].Address
		}
		return rc
	}

	jobs := make([]reloc.SectionJob, 0, len(plan.Sections))
	for _, sec := range plan.Sections {
		jobs = append(jobs, reloc.SectionJob{Atoms: sec.Atoms, Resolve: resolveCtx})
	}
	return jobs
}
