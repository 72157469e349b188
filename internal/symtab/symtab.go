// Package symtab implements the SymbolTable component (spec §4.3): an
// interned name -> slot map applying the resolution precedence table
// (Undefined/Defined/Lazy/Common/SharedLibrary) as atoms are registered,
// plus the MSVC name-mangling fallback chain and visibility merge rule.
package symtab

import (
	"fmt"
	"strings"

	"github.com/xyproto/ldcore/internal/atom"
	"github.com/xyproto/ldcore/internal/linkctx"
)

// Slot is the current resolution state for one interned name.
type Slot struct {
	Name       string
	Current    *atom.Atom
	Binding    atom.Binding
	Visibility atom.Visibility

	// history of defined atoms contending for this name, kept only to
	// produce "duplicate symbol" diagnostics with both offending files.
	firstStrongFile string
}

// Table is the SymbolTable: every atom that carries a name passes through
// Add, which applies the precedence rules and returns whether the table's
// resolution state changed (the Resolver's fixed-point termination signal,
// spec §4.4).
type Table struct {
	slots map[string]*Slot
	log   *linkctx.Context
}

// New creates an empty table.
func New(ctx *linkctx.Context) *Table {
	return &Table{slots: make(map[string]*Slot), log: ctx}
}

// Lookup returns the current winning atom for name, or nil if never seen.
func (t *Table) Lookup(name string) *atom.Atom {
	if s, ok := t.slots[name]; ok {
		return s.Current
	}
	return nil
}

// Slots returns every interned slot, for DeadStrip root enumeration and
// final-undefined reporting. Order is unspecified; callers that need
// determinism sort by Name.
func (t *Table) Slots() []*Slot {
	out := make([]*Slot, 0, len(t.slots))
	for _, s := range t.slots {
		out = append(out, s)
	}
	return out
}

// precedence mirrors spec §4.3's ranking: higher wins when two atoms
// contend for the same name, with strong Defined (and Absolute) > weak
// Defined > Lazy > SharedLibrary > Undefined. Common atoms are strong
// Defined here; mergeCommonOrComdat tells them apart.
func precedence(a *atom.Atom) int {
	switch a.Kind {
	case atom.KindDefined:
		if a.Binding == atom.BindWeak {
			return 3
		}
		return 5
	case atom.KindAbsolute:
		return 5
	case atom.KindLazy:
		return 2
	case atom.KindSharedLibrary:
		return 1
	case atom.KindUndefined:
		return 0
	default:
		return 0
	}
}

// Add registers a candidate atom under name, applying the resolution table.
// It returns true if the table's current winner for name changed (the
// Resolver watches this to detect progress toward a fixed point).
func (t *Table) Add(name string, candidate *atom.Atom) (changed bool, err error) {
	slot, ok := t.slots[name]
	if !ok {
		slot = &Slot{Name: name}
		t.slots[name] = slot
	}
	mergeVisibility(slot, candidate)

	if slot.Current == nil {
		slot.Current = candidate
		if precedence(candidate) == 5 && candidate.Binding != atom.BindWeak {
			slot.firstStrongFile = candidate.OwnerFile
		}
		return true, nil
	}

	curP, newP := precedence(slot.Current), precedence(candidate)

	switch {
	case newP > curP:
		if err := checkTLSConsistency(slot.Current, candidate); err != nil {
			return false, err
		}
		slot.Current = candidate
		if newP == 5 && candidate.Binding != atom.BindWeak {
			slot.firstStrongFile = candidate.OwnerFile
		}
		return true, nil

	case newP == curP && newP == 5:
		// Common (tentative) definitions and COMDAT-keyed atoms also collide
		// at strong/strong precedence, but must not raise duplicate-symbol:
		// Common merges by size/alignment and COMDAT keeps the first-seen
		// copy (spec §4.3, §3 "COMDAT uniqueness").
		if winner, handled := mergeCommonOrComdat(slot.Current, candidate); handled {
			if err := checkTLSConsistency(slot.Current, candidate); err != nil {
				return false, err
			}
			changed := winner != slot.Current
			slot.Current = winner
			if changed && winner.Binding != atom.BindWeak {
				slot.firstStrongFile = winner.OwnerFile
			}
			return changed, nil
		}

		// Two strong (or two weak) definitions: strong-strong is a
		// duplicate-symbol error; weak-weak keeps the first by file
		// ordinal (spec §4.3 "ordinal stability").
		if err := checkTLSConsistency(slot.Current, candidate); err != nil {
			return false, err
		}
		if slot.Current.Binding != atom.BindWeak && candidate.Binding != atom.BindWeak {
			return false, &linkctx.LinkError{
				Kind:   linkctx.KindDuplicateSymbol,
				Symbol: name,
				File:   candidate.OwnerFile,
				Err:    fmt.Errorf("duplicate symbol %q also defined in %q", name, slot.firstStrongFile),
			}
		}
		return false, nil

	case newP == curP:
		// Equal precedence below strong Defined: keep the existing winner
		// (first one wins among ties at weak/Lazy/SharedLibrary/Undefined
		// rank), except an Undefined candidate may still attach a fallback
		// chain onto an Undefined winner for later diagnostics.
		if candidate.Kind == atom.KindUndefined && slot.Current.Kind == atom.KindUndefined {
			mergeFallback(slot.Current, candidate)
		}
		return false, nil

	default:
		// Existing winner already outranks candidate; nothing changes.
		return false, nil
	}
}

// isCommon reports whether a is a C-style tentative definition, the only
// DefinedAtom variant factory.commonAtom produces with this merge policy.
func isCommon(a *atom.Atom) bool {
	return a.Kind == atom.KindDefined && a.Merge == atom.MergeSameNameAddressUsed
}

// isComdatKeyed reports whether a was selected from a COMDAT/linkonce group
// (factory.splitSection sets this merge policy only for sec.Flags.ComdatKey
// != "" atoms).
func isComdatKeyed(a *atom.Atom) bool {
	return a.Kind == atom.KindDefined && a.Merge == atom.MergeSameNameAndSize
}

// mergeCommonOrComdat applies spec §4.3's Common-symbol resolution rules and
// §3's COMDAT-uniqueness invariant to a strong/strong collision that would
// otherwise be flagged as a duplicate symbol: two Common definitions merge to
// the larger size and the stricter alignment, a Common yields unconditionally
// to a non-Common strong definition, and two COMDAT atoms selected under the
// same signature simply keep the first one seen (spec §8 Scenario 4).
// handled is false when neither atom is Common or COMDAT, leaving the normal
// duplicate-symbol check in control.
func mergeCommonOrComdat(cur, cand *atom.Atom) (winner *atom.Atom, handled bool) {
	curCommon, candCommon := isCommon(cur), isCommon(cand)
	if curCommon && candCommon {
		winner = cur
		if cand.Size() > cur.Size() {
			winner = cand
		}
		if a := cand.AlignExp; a > winner.AlignExp {
			winner.AlignExp = a
		}
		if a := cur.AlignExp; a > winner.AlignExp {
			winner.AlignExp = a
		}
		return winner, true
	}
	if curCommon != candCommon {
		// Common yields to any other strong definition, whichever arrived
		// first (spec §4.3 "Common|Defined(non-common) -> replace").
		if curCommon {
			return cand, true
		}
		return cur, true
	}
	if isComdatKeyed(cur) && isComdatKeyed(cand) {
		return cur, true
	}
	return nil, false
}

// mergeFallback gives winner the candidate's weak-alias fallback when
// winner has none; a fallback winner already carries is kept as is (COFF
// weak externals declared in more than one object referencing the same
// primary name).
func mergeFallback(winner, candidate *atom.Atom) {
	if winner.Fallback == nil {
		winner.Fallback = candidate.Fallback
	}
}

// checkTLSConsistency enforces spec §4.3: a thread-local definition and a
// non-thread-local definition can never share a name.
func checkTLSConsistency(a, b *atom.Atom) error {
	aTLS := a.Kind == atom.KindDefined && a.Content == atom.ContentThreadLocal
	bTLS := b.Kind == atom.KindDefined && b.Content == atom.ContentThreadLocal
	if aTLS != bTLS && a.Kind == atom.KindDefined && b.Kind == atom.KindDefined {
		return &linkctx.LinkError{
			Kind:   linkctx.KindTLSTypeMismatch,
			Symbol: a.Name,
			File:   b.OwnerFile,
			Err:    fmt.Errorf("%q is thread-local in one file and not in another", a.Name),
		}
	}
	return nil
}

// mergeVisibility applies the most-restrictive-wins rule (spec §4.3).
func mergeVisibility(slot *Slot, candidate *atom.Atom) {
	if candidate.Kind != atom.KindDefined {
		return
	}
	if candidate.Visibility > slot.Visibility {
		slot.Visibility = candidate.Visibility
	}
}

// ResolveFallbackChain follows an UndefinedAtom's Fallback links until a
// terminal name is reached, detecting cycles (Open Question, decided:
// unbounded depth with cycle detection rather than a fixed bound).
func ResolveFallbackChain(start *atom.Atom) (terminal string, cyclic bool) {
	seen := make(map[string]bool)
	cur := start
	for cur != nil && cur.Fallback != nil {
		if seen[cur.Name] {
			return cur.Name, true
		}
		seen[cur.Name] = true
		cur = cur.Fallback
	}
	if cur == nil {
		return start.Name, false
	}
	return cur.Name, false
}

// MSVCFallbackNames returns the fallback candidates for a COFF reference to
// name, in order: name itself when it already carries the "?" C++-mangled
// decoration, then an "__imp_"-prefixed import-thunk name, then whatever
// name an "/alternatename:name=alt" directive supplied. It does not build a
// mangled form of an undecorated name, and the Resolver does not call it,
// so residual undefined names are reported without trying these candidates.
func MSVCFallbackNames(name string, alternates map[string]string) []string {
	var chain []string
	if strings.HasPrefix(name, "?") {
		chain = append(chain, name)
	}
	chain = append(chain, "__imp_"+name)
	if alt, ok := alternates[name]; ok {
		chain = append(chain, alt)
	}
	return chain
}
