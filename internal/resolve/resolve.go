// Package resolve implements the Resolver (spec §4.4): the fixed-point
// driver that feeds object files and archive members through AtomFactory
// and SymbolTable until no further progress is made, then reports residual
// undefined symbols.
package resolve

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/xyproto/ldcore/internal/atom"
	"github.com/xyproto/ldcore/internal/linkctx"
	"github.com/xyproto/ldcore/internal/objfile"
	"github.com/xyproto/ldcore/internal/symtab"
)

// ArchiveEntry is one lazily-loaded archive member pending a pull.
type ArchiveEntry struct {
	ArchivePath string
	Member      objfile.ArchiveMember
	pulled      bool
}

// Resolver drives symbol resolution to a fixed point.
type Resolver struct {
	ctx     *linkctx.Context
	table   *symtab.Table
	factory *atom.Factory

	objQueue     []*objfile.File
	archiveQueue []*ArchiveEntry
	// memberIndex maps a symbol name to every archive member that defines
	// it, built once per archive as its object files are opened.
	memberIndex map[string][]*ArchiveEntry

	allAtoms []*atom.Atom
	version  int // count of files ingested; Run's termination test uses the changed flags from ingest and does not read it
}

// New creates a Resolver sharing ctx's target and wrap-name configuration.
func New(ctx *linkctx.Context) *Resolver {
	wraps := make(map[string]bool, len(ctx.WrapNames))
	for k, v := range ctx.WrapNames {
		if v {
			wraps[k] = true
		}
	}
	return &Resolver{
		ctx:         ctx,
		table:       symtab.New(ctx),
		factory:     &atom.Factory{Target: ctx.Target, WrapNames: wraps},
		memberIndex: make(map[string][]*ArchiveEntry),
	}
}

// AddObject queues a directly-specified (non-archive) input file.
func (r *Resolver) AddObject(f *objfile.File) {
	r.objQueue = append(r.objQueue, f)
}

// AddArchive indexes every member of an archive file by the symbol names it
// defines. Each member is parsed here to read its symbol table; its atoms
// are built only once a pull ingests it (spec §4.4 lazy pull).
func (r *Resolver) AddArchive(archivePath string, members []objfile.ArchiveMember) error {
	for i := range members {
		m := members[i]
		mf, err := objfile.ParseMember(archivePath, m)
		if err != nil {
			// A member that fails to parse is skipped: it is neither indexed
			// nor queued, so no pull ever reaches it, and archive indexing
			// as a whole does not fail (some archives carry unrelated
			// non-object members).
			continue
		}
		entry := &ArchiveEntry{ArchivePath: archivePath, Member: m}
		for _, sym := range mf.Symbols {
			if sym.Type == objfile.SymDefined || sym.Type == objfile.SymCommon {
				r.memberIndex[sym.Name] = append(r.memberIndex[sym.Name], entry)
			}
		}
		r.archiveQueue = append(r.archiveQueue, entry)
	}
	return nil
}

// Run drives the fixed point: process every queued object, then for every
// currently-undefined name pull any archive member that defines it, repeat
// until a full pass makes no progress (spec §4.4).
func (r *Resolver) Run() ([]*atom.Atom, error) {
	var errs error

	for {
		progressed := false

		for len(r.objQueue) > 0 {
			f := r.objQueue[0]
			r.objQueue = r.objQueue[1:]
			changed, err := r.ingest(f)
			errs = multierr.Append(errs, err)
			if changed {
				progressed = true
			}
		}

		pulled := r.pullForUndefined()
		if len(pulled) > 0 {
			progressed = true
			for _, mf := range pulled {
				changed, err := r.ingest(mf)
				errs = multierr.Append(errs, err)
				if changed {
					progressed = true
				}
			}
		}

		if !progressed {
			break
		}
	}

	if err := r.checkResidualUndefined(); err != nil {
		errs = multierr.Append(errs, err)
	}

	return r.allAtoms, errs
}

func (r *Resolver) ingest(f *objfile.File) (bool, error) {
	result, err := r.factory.Build(f)
	if err != nil {
		return false, err
	}

	changed := false
	var errs error
	for _, a := range result.Atoms {
		if a.Name == "" {
			r.allAtoms = append(r.allAtoms, a)
			continue
		}
		ok, err := r.table.Add(a.Name, a)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if ok {
			changed = true
		}
		r.allAtoms = append(r.allAtoms, a)
	}
	r.version++
	return changed, errs
}

// pullForUndefined scans the symbol table for names still unresolved and
// pulls the first archive member (in archive-then-member order) that
// defines each one, per spec §4.4's "first definition wins, ties broken by
// archive scan order" rule.
func (r *Resolver) pullForUndefined() []*objfile.File {
	var pulled []*objfile.File
	for _, slot := range r.table.Slots() {
		if slot.Current == nil || slot.Current.Kind != atom.KindUndefined {
			continue
		}
		candidates := r.memberIndex[slot.Name]
		for _, entry := range candidates {
			if entry.pulled {
				continue
			}
			entry.pulled = true
			mf, err := objfile.ParseMember(entry.ArchivePath, entry.Member)
			if err != nil {
				continue
			}
			pulled = append(pulled, mf)
			break
		}
	}
	return pulled
}

// checkResidualUndefined reports every name still undefined after the fixed
// point, honoring AllowRemainingUndefines/Force (spec §4.4, §9 Open
// Question: undefined-recovery policy).
func (r *Resolver) checkResidualUndefined() error {
	if r.ctx.AllowRemainingUndefines || r.ctx.Force {
		return nil
	}
	var errs error
	for _, slot := range r.table.Slots() {
		if slot.Current == nil || slot.Current.Kind != atom.KindUndefined {
			continue
		}
		if slot.Current.CanBeNull {
			continue
		}
		terminal, cyclic := symtab.ResolveFallbackChain(slot.Current)
		if cyclic {
			errs = multierr.Append(errs, &linkctx.LinkError{
				Kind:   linkctx.KindUndefinedSymbol,
				Symbol: slot.Name,
				Err:    fmt.Errorf("weak-alias fallback chain for %q is cyclic (reached %q again)", slot.Name, terminal),
			})
			continue
		}
		errs = multierr.Append(errs, &linkctx.LinkError{
			Kind:   linkctx.KindUndefinedSymbol,
			Symbol: slot.Name,
			File:   slot.Current.OwnerFile,
			Err:    fmt.Errorf("undefined symbol: %s", slot.Name),
		})
	}
	return errs
}

// Table exposes the underlying SymbolTable for later pipeline stages
// (DeadStrip root enumeration, RelocEngine target resolution).
func (r *Resolver) Table() *symtab.Table {
	return r.table
}
