package vpack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/meigma/vpack/bundle"
	"github.com/meigma/vpack/metaedit"
	"github.com/meigma/vpack/pathspec"
	"github.com/meigma/vpack/provider"
	"github.com/meigma/vpack/view"
)

// plan is the binding every swappable slot should have after a pass.
// Slots without a binding fall back to their base content.
type plan struct {
	o     *Overlay
	views map[pathspec.Key][]*view.View
	bind  map[*provider.Swappable]provider.Provider
}

// slot finds the slot of spec among the views of key. A key of nil
// searches every view.
func (pl *plan) slot(key *pathspec.Key, spec pathspec.Spec) (*view.Slot, bool) {
	search := func(views []*view.View) (*view.Slot, bool) {
		for _, v := range views {
			if s, ok := v.Lookup(spec); ok {
				return s, true
			}
		}
		return nil, false
	}
	if key != nil {
		return search(pl.views[*key])
	}
	for _, views := range pl.views {
		if s, ok := search(views); ok {
			return s, true
		}
	}
	return nil, false
}

// set binds p to the swappable slot of its spec in archive key.
func (pl *plan) set(key pathspec.Key, p provider.Provider) bool {
	s, ok := pl.slot(&key, p.Spec())
	if !ok || s.Swappable == nil {
		return false
	}
	pl.bind[s.Swappable] = p
	return true
}

// current returns what the slot serves under the plan so far.
func (pl *plan) current(s *view.Slot) provider.Provider {
	if s.Swappable == nil {
		return s.Provider
	}
	if p, ok := pl.bind[s.Swappable]; ok {
		return p
	}
	return s.Swappable.Base()
}

// content loads the base of a metadata edit target: the planned
// replacement when there is one, the native content otherwise.
func (pl *plan) content(spec pathspec.Spec) ([]byte, error) {
	var key *pathspec.Key
	if k, ok := pathspec.ArchiveFor(spec.Path); ok {
		key = &k
	}
	if s, ok := pl.slot(key, spec); ok {
		return provider.ReadContent(pl.current(s))
	}
	return pl.o.GetOriginal(spec)
}

// plan computes the bindings of views from snap: loose files below,
// bundles in tree order, loose files above, metadata commits and the
// built-in toggles last.
func (o *Overlay) plan(snap snapshot, views map[pathspec.Key][]*view.View, logger *slog.Logger) *plan {
	pl := &plan{o: o, views: views, bind: make(map[*provider.Swappable]provider.Provider)}

	if o.precedence == LooseBelow {
		o.planLoose(pl, snap.loose, logger)
	}
	var edits []bundleEdits
	for n := range snap.tree.Bundles(true) {
		if docs := o.planBundle(pl, n.Bundle, logger); len(docs) > 0 {
			edits = append(edits, bundleEdits{name: n.Bundle.Name(), docs: docs})
		}
	}
	if o.precedence == LooseAbove {
		o.planLoose(pl, snap.loose, logger)
	}
	o.planMetadata(pl, edits, logger)
	planToggles(pl, snap.toggles)
	return pl
}

func (o *Overlay) planLoose(pl *plan, loose []looseFile, logger *slog.Logger) {
	for _, lf := range loose {
		if _, ok := pl.views[lf.key]; !ok {
			continue
		}
		p, err := o.newLoose(lf)
		if err != nil {
			logger.Warn("skipped loose file", "path", lf.path, "reason", err)
			continue
		}
		pl.set(lf.key, p)
	}
}

type binding struct {
	key pathspec.Key
	p   provider.Provider
}

// planBundle adds the effective entries of b to the plan and returns its
// metadata edit documents. A bundle that fails midway contributes
// nothing.
func (o *Overlay) planBundle(pl *plan, b *bundle.Bundle, logger *slog.Logger) (docs []*metaedit.Document) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("skipped bundle", "reason", fmt.Sprint(r))
			docs = nil
		}
	}()
	logger = logger.With("bundle", b.Name())

	var staged []binding
	for e := range b.EffectiveEntries() {
		if e.IsMetadataEdit() {
			doc, err := readEditDocument(b, e)
			if err != nil {
				logger.Warn("skipped metadata edit", "path", e.Path, "reason", err)
				continue
			}
			docs = append(docs, doc)
			continue
		}
		key, ok := e.Key()
		if !ok {
			logger.Warn("skipped entry", "path", e.Path, "reason", "no archive for path")
			continue
		}
		if _, ok := pl.views[key]; !ok {
			continue
		}
		p, err := b.Provider(e)
		if err != nil {
			logger.Warn("skipped entry", "path", e.Path, "reason", err)
			continue
		}
		staged = append(staged, binding{key: key, p: p})
	}
	for _, s := range staged {
		if !pl.set(s.key, s.p) {
			logger.Debug("entry not reserved", "path", s.p.Spec().Path)
		}
	}
	return docs
}

// bundleEdits are the metadata edit documents of one bundle.
type bundleEdits struct {
	name string
	docs []*metaedit.Document
}

func (o *Overlay) planMetadata(pl *plan, edits []bundleEdits, logger *slog.Logger) {
	if len(edits) == 0 {
		return
	}
	set := metaedit.NewSet(pl.content)
	for _, be := range edits {
		applyEdits(set, be, logger.With("bundle", be.name))
	}
	providers, err := set.Commit(o.compression)
	if err != nil {
		logger.Error("metadata edits not committed", "reason", err)
		return
	}
	for _, p := range providers {
		if key, ok := pathspec.ArchiveFor(p.Spec().Path); ok {
			pl.set(key, p)
		}
	}
}

// applyEdits replays the documents of one bundle into set. A bundle whose
// replay panics is logged and the pass goes on.
func applyEdits(set *metaedit.Set, be bundleEdits, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("skipped metadata edits", "reason", fmt.Sprint(r))
		}
	}()
	for _, doc := range be.docs {
		if err := set.Apply(doc); err != nil {
			logger.Warn("skipped metadata edit", "reason", err)
		}
	}
}

// planToggles binds language overrides, then muted voice categories, over
// whatever the bundles planned.
func planToggles(pl *plan, t Toggles) {
	if code, ok := languageCode(t.Language); ok {
		for key, views := range pl.views {
			for _, v := range views {
				for s := range v.Slots() {
					base, have, ext, ok := languageVariant(s.Spec.Path)
					if !ok || have == code || s.Swappable == nil {
						continue
					}
					sib, ok := pl.slot(&key, pathspec.New(base+"_"+code+ext))
					if !ok {
						continue
					}
					pl.bind[s.Swappable] = pl.current(sib)
				}
			}
		}
	}

	for _, v := range pl.views[voiceKey] {
		for _, sw := range v.Swappables() {
			category, ok := voiceCategory(sw.Spec())
			if !ok || !t.MuteVoice.Muted(category) {
				continue
			}
			p, err := provider.NewSynthesized(sw.Spec(), silentSound, pl.o.compression)
			if err != nil {
				continue
			}
			pl.bind[sw] = p
		}
	}
}

// apply swaps every swappable slot of views whose binding differs from the
// plan. A binding larger than its slot's reservation is refused and logged.
func (o *Overlay) apply(pl *plan, views []*view.View, logger *slog.Logger) (swapped, refused int) {
	for _, v := range views {
		for _, sw := range v.Swappables() {
			want, ok := pl.bind[sw]
			cur := sw.Current()
			switch {
			case !ok && cur == sw.Base():
				continue
			case !ok:
				sw.Swap(nil)
			case cur.ID() == want.ID():
				continue
			case !sw.Swap(want):
				refused++
				logger.Warn("replacement larger than its reservation",
					"archive", v.Name().Stem,
					"path", sw.Spec().Path,
					"size", want.Size(),
					"reserved", sw.Reserved())
				continue
			}
			swapped++
		}
	}
	return swapped, refused
}

// Reflect runs one reflection pass: pause the host, close the read gate,
// plan every binding afresh, swap the slots that changed, then release.
// Passes are serialized.
func (o *Overlay) Reflect(ctx context.Context) error {
	o.passMu.Lock()
	defer o.passMu.Unlock()

	start := time.Now()
	logger := o.log().With("pass", uuid.NewString())
	byKey := o.builtViews()
	var views []*view.View
	for _, key := range slices.SortedFunc(maps.Keys(byKey), compareKeys) {
		views = append(views, byKey[key]...)
	}

	paused := o.pause(ctx, logger)
	if err := o.gate.Close(ctx); err != nil {
		if paused {
			o.host.Resume()
		}
		return fmt.Errorf("vpack: close read gate: %w", err)
	}
	pl := o.plan(o.snapshot(), byKey, logger)
	swapped, refused := o.apply(pl, views, logger)
	o.gate.Open()
	if paused {
		o.host.Resume()
	}

	o.stats.passes.Add(1)
	logger.Info("reflection pass complete",
		"views", len(views),
		"swapped", swapped,
		"refused", refused,
		"duration", time.Since(start))
	return nil
}

// pause asks the host to pause and reports whether it did.
func (o *Overlay) pause(ctx context.Context, logger *slog.Logger) bool {
	pctx := ctx
	if o.pauseTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, o.pauseTimeout)
		defer cancel()
	}
	if err := o.host.Pause(pctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("host did not pause in time; swapping without pause", "timeout", o.pauseTimeout)
		} else {
			logger.Warn("host pause failed; swapping without pause", "reason", err)
		}
		return false
	}
	return true
}

// schedule requests a background pass. Requests made while a pass is
// pending or running coalesce into one follow-up pass.
func (o *Overlay) schedule() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

func (o *Overlay) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.kick:
		}
		if o.reflectDebounce > 0 {
			t := time.NewTimer(o.reflectDebounce)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		if err := o.Reflect(ctx); err != nil && ctx.Err() == nil {
			o.log().Warn("reflection pass failed", "reason", err)
		}
	}
}
