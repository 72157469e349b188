// Package layout implements the LayoutEngine (spec §4.6): groups atoms into
// output sections, orders sections, and orders atoms within each section.
package layout

import (
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/xyproto/ldcore/internal/atom"
)

// GroupKey is the (output_section_name, section_type, masked_flags) triple
// atoms with matching keys are merged under (spec §4.6).
type GroupKey struct {
	Name       string
	Type       atom.ContentType
	Executable bool
	Writable   bool
}

// Section is one output section: its atoms in final order plus the
// properties LayoutEngine derived for it.
type Section struct {
	Key       GroupKey
	Atoms     []*atom.Atom
	IsNOBITS  bool
	Loadable  bool
}

// Plan is the full ordered set of output sections LayoutEngine produced.
type Plan struct {
	Sections []*Section
}

// groupName strips a "$suffix" grouped-section decoration and folds the
// common ELF section-name families (".text.foo" -> ".text", "init_array.N"
// kept distinct only for priority sorting) down to one canonical name
// (spec §4.6).
func groupName(a *atom.Atom) string {
	name := a.CustomSection
	if name == "" {
		name = defaultSectionName(a.Content)
	}
	if i := strings.IndexByte(name, '$'); i >= 0 {
		name = name[:i]
	}
	if strings.HasPrefix(name, ".text.") {
		return ".text"
	}
	if strings.HasPrefix(name, ".data.") {
		return ".data"
	}
	if strings.HasPrefix(name, ".rodata.") {
		return ".rodata"
	}
	if strings.HasPrefix(name, ".bss.") {
		return ".bss"
	}
	return name
}

func defaultSectionName(c atom.ContentType) string {
	switch c {
	case atom.ContentCode:
		return ".text"
	case atom.ContentZeroFill:
		return ".bss"
	case atom.ContentThreadLocal:
		return ".tdata"
	case atom.ContentGOT:
		return ".got"
	case atom.ContentPLT:
		return ".plt"
	case atom.ContentMergeString, atom.ContentConstant:
		return ".rodata"
	default:
		return ".data"
	}
}

func keyFor(a *atom.Atom) GroupKey {
	return GroupKey{
		Name:       groupName(a),
		Type:       a.Content,
		Executable: a.Perms.Execute,
		Writable:   a.Perms.Write,
	}
}

// Build groups atoms, orders atoms within each group, and orders the
// groups themselves; when parallel is set, each group's stable sort runs
// in its own goroutine (spec §9 "two opt-in parallel phases").
func Build(atoms []*atom.Atom, parallel bool) (*Plan, error) {
	groups := make(map[GroupKey]*Section)
	var order []GroupKey

	for _, a := range atoms {
		if a.Kind != atom.KindDefined {
			continue
		}
		k := keyFor(a)
		sec, ok := groups[k]
		if !ok {
			sec = &Section{Key: k, IsNOBITS: a.Content == atom.ContentZeroFill}
			groups[k] = sec
			order = append(order, k)
		}
		sec.Atoms = append(sec.Atoms, a)
	}

	sections := make([]*Section, len(order))
	for i, k := range order {
		sections[i] = groups[k]
	}

	if parallel {
		g := new(errgroup.Group)
		for _, sec := range sections {
			sec := sec
			g.Go(func() error {
				sortAtoms(sec.Atoms)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for _, sec := range sections {
			sortAtoms(sec.Atoms)
		}
	}

	orderSections(sections)
	for _, sec := range sections {
		sec.Loadable = !sec.IsNOBITS || sec.Key.Name == ".bss" || sec.Key.Name == ".tbss"
	}

	return &Plan{Sections: sections}, nil
}

// sortAtoms applies the within-section ordering rules (spec §4.6):
// COMDAT-selected atoms first in archive-scan order, then priority-suffixed
// init/fini array entries by numeric priority (entries without a priority
// after them), then grouped-suffix lexical order, with ordinal as the final
// tie-break for stability.
func sortAtoms(atoms []*atom.Atom) {
	sort.SliceStable(atoms, func(i, j int) bool {
		a, b := atoms[i], atoms[j]

		ac, bc := isComdat(a), isComdat(b)
		if ac != bc {
			return ac
		}

		ap, aok := initPriority(a)
		bp, bok := initPriority(b)
		if aok != bok {
			return aok
		}
		if aok && ap != bp {
			return ap < bp
		}

		as, bs := a.CustomSection, b.CustomSection
		if as != bs {
			return as < bs
		}

		return a.Ordinal < b.Ordinal
	})
}

func isComdat(a *atom.Atom) bool {
	return a.Merge == atom.MergeSameNameAndSize || a.Merge == atom.MergeAssociative
}

// initPriority extracts the numeric priority from a ".init_array.N" /
// ".fini_array.N" grouped suffix; ok is false for sections with no
// priority suffix, which sort after all prioritized ones (spec §4.6).
func initPriority(a *atom.Atom) (int, bool) {
	name := a.CustomSection
	if !strings.HasPrefix(name, ".init_array.") && !strings.HasPrefix(name, ".fini_array.") {
		return 0, false
	}
	suffix := name[strings.LastIndexByte(name, '.')+1:]
	if suffix == "" {
		return 0, false
	}
	n := 0
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

// orderSections applies the output-section ordering rules (spec §4.6):
// loadable before non-loadable, read-only before writable, executable
// before writable data, NOBITS (.bss-like) last.
func orderSections(sections []*Section) {
	rank := func(s *Section) int {
		switch {
		case s.Key.Executable:
			return 0
		case !s.Key.Writable:
			return 1
		case s.IsNOBITS:
			return 3
		default:
			return 2
		}
	}
	sort.SliceStable(sections, func(i, j int) bool {
		ri, rj := rank(sections[i]), rank(sections[j])
		if ri != rj {
			return ri < rj
		}
		return sections[i].Key.Name < sections[j].Key.Name
	})
}
