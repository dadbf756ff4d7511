package vpack

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/vpack/bundle"
	"github.com/meigma/vpack/metaedit"
	"github.com/meigma/vpack/pathspec"
	"github.com/meigma/vpack/provider"
)

func TestBundleReplayPanicIsContained(t *testing.T) {
	t.Parallel()

	g := newGame(t)
	o := g.start(t)
	logger := slog.New(slog.DiscardHandler)
	pl := &plan{o: o, views: o.builtViews(), bind: make(map[*provider.Swappable]provider.Provider)}

	// A bundle without a manifest panics as soon as it is replayed.
	var docs []*metaedit.Document
	require.NotPanics(t, func() { docs = o.planBundle(pl, &bundle.Bundle{}, logger) })
	assert.Nil(t, docs)
	assert.Empty(t, pl.bind)

	var targets []pathspec.Spec
	require.NotPanics(t, func() {
		targets = o.reserveBundle(nil, nil, &bundle.Bundle{}, func(pathspec.Spec, int64, uint64) {}, logger)
	})
	assert.Nil(t, targets)
}

func TestMetadataReplayPanicIsContained(t *testing.T) {
	t.Parallel()

	set := metaedit.NewSet(func(pathspec.Spec) ([]byte, error) { panic("loader failed") })
	doc := &metaedit.Document{Edits: []metaedit.Edit{{
		Target:  "chara/xls/params.eqp",
		Patches: []metaedit.Patch{{Offset: 0, Data: metaedit.Hex("B")}},
	}}}

	require.NotPanics(t, func() {
		applyEdits(set, bundleEdits{name: "broken", docs: []*metaedit.Document{doc}}, slog.New(slog.DiscardHandler))
	})
}
