package vpack

import (
	"fmt"

	"github.com/meigma/vpack/bundle"
	"github.com/meigma/vpack/pathspec"
)

// Query reports whether spec is currently served from a replacement. Only
// built views are consulted.
func (o *Overlay) Query(spec pathspec.Spec) bool {
	o.stats.providerLookups.Add(1)
	for _, st := range o.statesFor(spec) {
		v := st.view.Load()
		if v == nil {
			continue
		}
		if s, ok := v.Lookup(spec); ok {
			return s.Swappable != nil && s.Swappable.Overridden()
		}
	}
	return false
}

// GetOriginal returns the native content of spec, bypassing every
// replacement.
func (o *Overlay) GetOriginal(spec pathspec.Spec) ([]byte, error) {
	for _, st := range o.statesFor(spec) {
		arch, err := st.open(o.archiveOptions()...)
		if err != nil {
			continue
		}
		if e, ok := arch.Lookup(spec); ok {
			return arch.ReadContent(e)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPathResolution, spec)
}

// EnumerateBundles returns a snapshot of the bundle tree.
func (o *Overlay) EnumerateBundles() *bundle.Tree {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.tree.Clone()
}

// SetBundleEnabled enables or disables the bundle or folder at path,
// persists the change and schedules a reflection pass.
func (o *Overlay) SetBundleEnabled(path string, enabled bool) error {
	o.mu.Lock()
	err := o.tree.SetEnabled(path, enabled)
	o.mu.Unlock()
	if err != nil {
		return err
	}
	o.log().Info("bundle toggled", "bundle", path, "enabled", enabled)
	o.schedule()
	return nil
}

// SetChoice selects options of one group of the bundle at path, persists
// the selection and schedules a reflection pass. Out-of-range options are
// clamped.
func (o *Overlay) SetChoice(path string, page, group int, selection []int) error {
	o.mu.Lock()
	err := o.tree.SetChoice(path, page, group, selection)
	o.mu.Unlock()
	if err != nil {
		return err
	}
	o.log().Info("bundle choice changed", "bundle", path, "page", page, "group", group, "selection", selection)
	o.schedule()
	return nil
}

// Toggles returns the built-in toggles.
func (o *Overlay) Toggles() Toggles {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.toggles
}

// SetToggles replaces the built-in toggles and schedules a reflection pass.
func (o *Overlay) SetToggles(t Toggles) {
	o.mu.Lock()
	o.toggles = t
	o.mu.Unlock()
	o.log().Info("toggles changed",
		"mute_voice", fmt.Sprintf("%+v", t.MuteVoice),
		"language_override", t.Language.String())
	o.schedule()
}

// Rescan reloads the bundle tree and the loose files from disk and
// schedules a reflection pass. Replacements for paths no built view
// reserved are logged; they apply after a restart.
func (o *Overlay) Rescan() error {
	o.mu.RLock()
	started := o.started
	o.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}

	tree := bundle.Scan(o.bundleRoots(), o.log())
	loose := o.scanLoose()
	o.mu.Lock()
	o.tree = tree
	o.loose = loose
	o.mu.Unlock()

	pending := o.unreserved(tree, loose)
	for _, p := range pending {
		o.log().Info("replacement applies after restart", "path", p)
	}
	o.log().Info("rescanned", "bundles", countBundles(tree), "loose_files", len(loose), "pending", len(pending))
	o.schedule()
	return nil
}

// unreserved returns the paths of replacements whose archive has a built
// view without a slot for them.
func (o *Overlay) unreserved(tree *bundle.Tree, loose []looseFile) []string {
	views := o.builtViews()
	pl := &plan{o: o, views: views}
	seen := make(map[string]bool)
	var out []string
	check := func(key pathspec.Key, spec pathspec.Spec) {
		if _, ok := views[key]; !ok {
			return
		}
		if s, ok := pl.slot(&key, spec); ok && s.Swappable != nil {
			return
		}
		k := pathspec.Fold(spec.Path)
		if !seen[k] {
			seen[k] = true
			out = append(out, spec.Path)
		}
	}
	for n := range tree.Bundles(false) {
		for e := range n.Bundle.Manifest().AllEntries() {
			if e.IsMetadataEdit() {
				continue
			}
			if key, ok := e.Key(); ok {
				check(key, e.Spec())
			}
		}
	}
	for _, lf := range loose {
		check(lf.key, lf.spec)
	}
	return out
}
