// Package deadstrip implements the DeadStrip component (spec §4.5): a
// mark-and-sweep pass over the atom graph that removes anything unreachable
// from a root set, when garbage collection is enabled.
package deadstrip

import (
	"github.com/xyproto/ldcore/internal/atom"
)

// Roots describes what external forces pin atoms live regardless of
// reachability (spec §4.5).
type Roots struct {
	EntrySymbol    string
	ExportedNames  []string   // --export-dynamic / dllexport names
	UndefinedNames []string   // --undefined / /include forced-live names
	Extra          []*atom.Atom
}

// Run performs mark-and-sweep over all, returning the subset reachable from
// roots. Atoms tagged DeadStripNever are always kept; DeadStripAlwaysRoot
// atoms seed the mark regardless of Roots.
func Run(all []*atom.Atom, byName map[string]*atom.Atom, roots Roots) []*atom.Atom {
	live := make(map[*atom.Atom]bool, len(all))
	var stack []*atom.Atom

	push := func(a *atom.Atom) {
		if a == nil || live[a] {
			return
		}
		live[a] = true
		stack = append(stack, a)
	}

	for _, a := range all {
		if a.Kind == atom.KindDefined && a.DeadStrip != atom.DeadStripNormal {
			if a.DeadStrip == atom.DeadStripNever || a.DeadStrip == atom.DeadStripAlwaysRoot {
				push(a)
			}
		}
	}
	if roots.EntrySymbol != "" {
		push(byName[roots.EntrySymbol])
	}
	for _, name := range roots.ExportedNames {
		push(byName[name])
	}
	for _, name := range roots.UndefinedNames {
		push(byName[name])
	}
	for _, a := range roots.Extra {
		push(a)
	}

	// Associate edges keep both ends live, so index them by target too.
	assocFrom := make(map[*atom.Atom][]*atom.Atom)
	for _, a := range all {
		for _, ref := range a.References {
			if ref.Kind != atom.RelocAssociate {
				continue
			}
			t := ref.TargetAtom
			if t == nil {
				t = byName[ref.TargetName]
			}
			if t != nil {
				assocFrom[t] = append(assocFrom[t], a)
			}
		}
	}

	for len(stack) > 0 {
		a := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if a.Kind == atom.KindUndefined && a.Fallback != nil {
			push(a.Fallback)
		}
		for _, src := range assocFrom[a] {
			push(src)
		}

		for _, ref := range a.References {
			if ref.IsLayoutOnly() && ref.Kind != atom.RelocAssociate {
				// Pure ordering edges (before/after/in-group) don't keep
				// their target alive; only Associate is bidirectional
				// liveness (spec §3 "Associate" semantics mirror COMDAT
				// IMAGE_COMDAT_SELECT_ASSOCIATIVE).
				continue
			}
			if ref.TargetAtom != nil {
				push(ref.TargetAtom)
			} else if t, ok := byName[ref.TargetName]; ok {
				push(t)
			}
		}
	}

	out := make([]*atom.Atom, 0, len(live))
	for _, a := range all {
		if live[a] {
			out = append(out, a)
		}
	}
	return out
}

// AssociatedGroup returns seed plus every atom reachable from it by
// following Associate edges outward (from an atom to the targets of its own
// Associate references). Atoms whose Associate references point at seed
// are not collected, since only seed's outgoing edges are visible here.
func AssociatedGroup(seed *atom.Atom, byName map[string]*atom.Atom) []*atom.Atom {
	seen := map[*atom.Atom]bool{seed: true}
	queue := []*atom.Atom{seed}
	var group []*atom.Atom
	for len(queue) > 0 {
		a := queue[0]
		queue = queue[1:]
		group = append(group, a)
		for _, ref := range a.References {
			if ref.Kind != atom.RelocAssociate {
				continue
			}
			var t *atom.Atom
			if ref.TargetAtom != nil {
				t = ref.TargetAtom
			} else {
				t = byName[ref.TargetName]
			}
			if t != nil && !seen[t] {
				seen[t] = true
				queue = append(queue, t)
			}
		}
	}
	return group
}
