package view

import (
	"bytes"
	"log/slog"

	"github.com/meigma/vpack/archive"
	"github.com/meigma/vpack/pathspec"
	"github.com/meigma/vpack/provider"
)

// Builder collects the replacement candidates of one archive and freezes
// them into a View.
//
// Every spec that may ever be overridden must be reserved before Build,
// with the block size of each candidate content. The resulting slot
// reserves the largest of them, so swaps never move any entry.
type Builder struct {
	arch *archive.Archive

	cands  []*candidate
	byPath map[string]*candidate
	byPair map[[2]pathspec.Hash]*candidate
	byFull map[pathspec.Hash]*candidate

	maxDataFileSize uint64
	logger          *slog.Logger
}

type candidate struct {
	spec    pathspec.Spec
	size    int64
	matched bool
}

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets the logger for diagnostic output.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		b.logger = logger
	}
}

// WithMaxDataFileSize sets the size at which the view starts a new data
// stream. Zero uses archive.DefaultMaxDataFileSize.
func WithMaxDataFileSize(n uint64) Option {
	return func(b *Builder) {
		b.maxDataFileSize = n
	}
}

// NewBuilder returns a Builder for the overlay of a.
func NewBuilder(a *archive.Archive, opts ...Option) *Builder {
	b := &Builder{
		arch:   a,
		byPath: make(map[string]*candidate),
		byPair: make(map[[2]pathspec.Hash]*candidate),
		byFull: make(map[pathspec.Hash]*candidate),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// log returns the logger, falling back to a discard logger if nil.
func (b *Builder) log() *slog.Logger {
	if b.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return b.logger
}

// Archive returns the native archive being overlaid.
func (b *Builder) Archive() *archive.Archive { return b.arch }

// Reserve registers spec as overridable by content whose encoded block is
// size bytes. Specs the archive does not contain become additions.
func (b *Builder) Reserve(spec pathspec.Spec, size int64) {
	if c := b.find(spec); c != nil {
		c.size = max(c.size, size)
		if !c.spec.HasPath() && spec.HasPath() {
			c.spec = c.spec.Merge(spec)
			b.byPath[pathspec.Fold(spec.Path)] = c
		}
		return
	}
	c := &candidate{spec: spec, size: size}
	b.cands = append(b.cands, c)
	if spec.HasPath() {
		b.byPath[pathspec.Fold(spec.Path)] = c
	}
	if spec.HasPair() {
		b.byPair[[2]pathspec.Hash{spec.Dir, spec.Name}] = c
	}
	if spec.HasFull() {
		b.byFull[spec.Full] = c
	}
}

// Reserved reports whether spec has been reserved.
func (b *Builder) Reserved(spec pathspec.Spec) bool {
	return b.find(spec) != nil
}

func (b *Builder) find(spec pathspec.Spec) *candidate {
	if spec.HasPath() {
		if c, ok := b.byPath[pathspec.Fold(spec.Path)]; ok {
			return c
		}
	}
	if spec.HasPair() {
		if c, ok := b.byPair[[2]pathspec.Hash{spec.Dir, spec.Name}]; ok && c.spec.Equal(spec) {
			return c
		}
	}
	if spec.HasFull() {
		if c, ok := b.byFull[spec.Full]; ok && c.spec.Equal(spec) {
			return c
		}
	}
	return nil
}

// Build freezes the view: native entries first in data order, then
// additions in reservation order.
func (b *Builder) Build() *View {
	v := newView(b.arch.Name())

	var slots []*Slot
	for e := range b.arch.Entries() {
		var p provider.Provider = provider.NewOriginal(b.arch, e)
		s := &Slot{Spec: e.Spec, Provider: p}
		if c := b.find(e.Spec); c != nil {
			c.matched = true
			s.Swappable = provider.NewSwappable(p, c.size)
			s.Provider = s.Swappable
		}
		slots = append(slots, s)
	}
	for _, c := range b.cands {
		if c.matched {
			continue
		}
		if !c.spec.HasPair() && !c.spec.HasFull() {
			b.log().Warn("skipped addition without identity", "archive", v.name.Stem)
			continue
		}
		sw := provider.NewSwappable(provider.NewEmpty(c.spec), c.size)
		slots = append(slots, &Slot{Spec: c.spec, Provider: sw, Swappable: sw, Added: true})
	}

	sizes := make([]uint64, len(slots))
	for i, s := range slots {
		sizes[i] = uint64(s.Provider.Size()) //nolint:gosec // sizes are non-negative
	}
	locs, fileSizes := archive.Layout(sizes, b.maxDataFileSize)

	v.data = make([]*dataStream, len(fileSizes))
	for n, size := range fileSizes {
		v.data[n] = &dataStream{
			size:  int64(size), //nolint:gosec // bounded by the max data file size
			spans: []span{{off: 0, size: archive.DataHeaderSize, r: bytes.NewReader(archive.DataHeader(n))}},
		}
	}
	entries := make([]archive.IndexEntry, len(slots))
	for i, s := range slots {
		s.Locator = locs[i]
		ds := v.data[s.Locator.DataFile]
		ds.spans = append(ds.spans, span{
			off:  int64(s.Locator.Offset), //nolint:gosec // see above
			size: s.Provider.Size(),
			r:    s.Provider,
		})
		entries[i] = archive.IndexEntry{Spec: s.Spec, Locator: s.Locator}
		v.add(s)
	}
	v.index = bytes.NewReader(archive.BuildIndex(archive.IndexPair, entries, len(fileSizes), nil))
	v.index2 = bytes.NewReader(archive.BuildIndex(archive.IndexFull, entries, len(fileSizes), nil))

	b.log().Debug("view built",
		"archive", v.name.Stem,
		"entries", len(slots),
		"swappable", len(v.swappables),
		"data_files", len(v.data))
	return v
}
