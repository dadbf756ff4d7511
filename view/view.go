// Package view composes the overlay view of one archive.
//
// A View lays out every entry of a native archive, plus any additions, as
// fixed-size slots in freshly numbered data streams, and serves matching
// index and index2 files. Its layout is frozen when built. Only the
// bindings of its swappable slots change afterwards.
package view

import (
	"bytes"
	"iter"

	"github.com/meigma/vpack/archive"
	"github.com/meigma/vpack/handle"
	"github.com/meigma/vpack/pathspec"
	"github.com/meigma/vpack/provider"
)

// Slot is one entry of a view.
type Slot struct {
	Spec     pathspec.Spec
	Locator  archive.Locator
	Provider provider.Provider
	// Swappable is set when the slot's binding may change. It is the same
	// value as Provider.
	Swappable *provider.Swappable
	// Added is set for entries the native archive does not contain.
	Added bool
}

// View is the composed overlay of one archive.
//
// A View is safe for concurrent use.
type View struct {
	name       pathspec.ArchiveName
	slots      []*Slot
	byPath     map[string]int
	byPair     map[[2]pathspec.Hash][]int
	byFull     map[pathspec.Hash][]int
	swappables []*provider.Swappable

	index  *bytes.Reader
	index2 *bytes.Reader
	data   []*dataStream
}

func newView(name pathspec.ArchiveName) *View {
	return &View{
		name:   name,
		byPath: make(map[string]int),
		byPair: make(map[[2]pathspec.Hash][]int),
		byFull: make(map[pathspec.Hash][]int),
	}
}

func (v *View) add(s *Slot) {
	i := len(v.slots)
	v.slots = append(v.slots, s)
	if s.Spec.HasPath() {
		v.byPath[pathspec.Fold(s.Spec.Path)] = i
	}
	if s.Spec.HasPair() {
		k := [2]pathspec.Hash{s.Spec.Dir, s.Spec.Name}
		v.byPair[k] = append(v.byPair[k], i)
	}
	if s.Spec.HasFull() {
		v.byFull[s.Spec.Full] = append(v.byFull[s.Spec.Full], i)
	}
	if s.Swappable != nil {
		v.swappables = append(v.swappables, s.Swappable)
	}
}

// Name returns the name of the archive the view overlays.
func (v *View) Name() pathspec.ArchiveName { return v.name }

// Key returns the archive key.
func (v *View) Key() pathspec.Key { return v.name.Key }

// Len returns the number of slots.
func (v *View) Len() int { return len(v.slots) }

// HasOverrides reports whether any slot can ever be rebound. A view
// without swappable slots serves exactly the native archive content.
func (v *View) HasOverrides() bool { return len(v.swappables) > 0 }

// Swappables returns the swappable slots' providers in slot order.
func (v *View) Swappables() []*provider.Swappable { return v.swappables }

// Slots iterates all slots in layout order.
func (v *View) Slots() iter.Seq[*Slot] {
	return func(yield func(*Slot) bool) {
		for _, s := range v.slots {
			if !yield(s) {
				return
			}
		}
	}
}

// Lookup returns the slot identified by spec. A hash-only spec matching
// more than one slot is ambiguous and not found.
func (v *View) Lookup(spec pathspec.Spec) (*Slot, bool) {
	if spec.HasPath() {
		if i, ok := v.byPath[pathspec.Fold(pathspec.Clean(spec.Path))]; ok {
			return v.slots[i], true
		}
	}
	var found *Slot
	consider := func(idx []int) bool {
		for _, i := range idx {
			s := v.slots[i]
			if !s.Spec.Equal(spec) || s == found {
				continue
			}
			if found != nil {
				return false
			}
			found = s
		}
		return true
	}
	if spec.HasPair() && !consider(v.byPair[[2]pathspec.Hash{spec.Dir, spec.Name}]) {
		return nil, false
	}
	if spec.HasFull() && !consider(v.byFull[spec.Full]) {
		return nil, false
	}
	return found, found != nil
}

// DataFiles returns the number of composed data streams.
func (v *View) DataFiles() int { return len(v.data) }

// Stream returns the composed stream of archive component c.
func (v *View) Stream(c pathspec.Component) (handle.Stream, bool) {
	switch {
	case c.IsIndex() && c.Index2:
		return v.index2, true
	case c.IsIndex():
		return v.index, true
	case c.Data < len(v.data):
		return v.data[c.Data], true
	default:
		return nil, false
	}
}
