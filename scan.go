package vpack

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/meigma/vpack/archive"
	"github.com/meigma/vpack/bundle"
	"github.com/meigma/vpack/metaedit"
	"github.com/meigma/vpack/pathspec"
	"github.com/meigma/vpack/view"
)

// scanArchives lists the index files in every expansion directory below
// the archive directory.
func (o *Overlay) scanArchives() ([]*archiveState, error) {
	root, err := filepath.Abs(o.sqpackDir)
	if err != nil {
		return nil, fmt.Errorf("vpack: %w", err)
	}
	expacs, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("vpack: list archive directory: %w", err)
	}
	var out []*archiveState
	for _, de := range expacs {
		if !de.IsDir() {
			continue
		}
		dir := filepath.Join(root, de.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			o.log().Warn("skipped archive directory", "path", dir, "reason", err)
			continue
		}
		for _, f := range files {
			name, ok := pathspec.ParseArchiveName(f.Name())
			if !ok || f.IsDir() || !name.Component.IsIndex() || name.Component.Index2 {
				continue
			}
			out = append(out, &archiveState{
				name:      name,
				dir:       dir,
				indexPath: filepath.Join(dir, f.Name()),
				id:        strings.ToLower(filepath.Join(dir, name.Stem)),
			})
		}
	}
	return out, nil
}

// looseFile is a replacement file found below a loose root.
type looseFile struct {
	key  pathspec.Key
	part uint8
	spec pathspec.Spec
	path string
}

// scanLoose lists the loose files of every known archive. Each root may
// hold per-archive directories, <root>/<expansion>/<stem>, whose contents
// are relative to that directory, and category directories such as
// <root>/chara, whose contents are relative to the root.
func (o *Overlay) scanLoose() []looseFile {
	o.mu.RLock()
	keys := o.keys()
	byKey := make(map[pathspec.Key][]*archiveState, len(o.byKey))
	for k, v := range o.byKey {
		byKey[k] = slices.Clone(v)
	}
	o.mu.RUnlock()

	var out []looseFile
	for _, root := range o.looseRoots() {
		for _, key := range keys {
			for _, st := range byKey[key] {
				short := st.name.Key.Stem(st.name.Part)
				for _, stem := range slices.Compact([]string{short, st.name.Stem}) {
					dir := filepath.Join(root, key.ExpansionName(), stem)
					out = o.walkLoose(out, dir, dir, key, st.name.Part)
				}
			}
			if prefix, ok := pathspec.LoosePrefix(key); ok {
				out = o.walkLoose(out, root, filepath.Join(root, filepath.FromSlash(prefix)), key, 0)
			}
		}
	}
	return out
}

func (o *Overlay) walkLoose(out []looseFile, base, dir string, key pathspec.Key, part uint8) []looseFile {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return out
	}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			o.log().Warn("skipped loose file", "path", p, "reason", err)
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return nil
		}
		out = append(out, looseFile{key: key, part: part, spec: pathspec.New(filepath.ToSlash(rel)), path: p})
		return nil
	})
	if err != nil {
		o.log().Warn("skipped loose directory", "path", dir, "reason", err)
	}
	return out
}

// snapshot is the replacement state one build or pass works from.
type snapshot struct {
	tree    *bundle.Tree
	loose   []looseFile
	toggles Toggles
}

func (o *Overlay) snapshot() snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return snapshot{tree: o.tree.Clone(), loose: o.loose, toggles: o.toggles}
}

// home returns the part of key that receives spec: the part already
// holding it, or part when none does and that part exists.
func (o *Overlay) home(key pathspec.Key, part uint8, spec pathspec.Spec) uint8 {
	o.mu.RLock()
	states := slices.Clone(o.byKey[key])
	o.mu.RUnlock()
	if len(states) == 0 {
		return part
	}
	exists := false
	for _, st := range states {
		exists = exists || st.name.Part == part
		arch, err := st.open(o.archiveOptions()...)
		if err != nil {
			continue
		}
		if _, ok := arch.Lookup(spec); ok {
			return st.name.Part
		}
	}
	if exists {
		return part
	}
	return states[0].name.Part
}

// belongs reports whether a replacement of spec for archive key, declared
// for part, lands in the view of st.
func (o *Overlay) belongs(st *archiveState, arch *archive.Archive, key pathspec.Key, part uint8, spec pathspec.Spec) bool {
	if key != st.name.Key {
		return false
	}
	if _, ok := arch.Lookup(spec); ok {
		return true
	}
	return o.home(key, part, spec) == st.name.Part
}

// reserve registers every replacement that may ever target the view of st.
// Disabled bundles and unselected options are included, so toggling them
// later only rebinds slots.
func (o *Overlay) reserve(b *view.Builder, st *archiveState, snap snapshot, logger *slog.Logger) {
	arch := b.Archive()
	raws := make(map[string]uint64)
	note := func(spec pathspec.Spec, size int64, raw uint64) {
		b.Reserve(spec, size)
		k := pathspec.Fold(spec.Path)
		raws[k] = max(raws[k], raw)
	}

	var targets []pathspec.Spec
	for n := range snap.tree.Bundles(false) {
		targets = append(targets, o.reserveBundle(st, arch, n.Bundle, note, logger)...)
	}
	for _, lf := range snap.loose {
		if !o.belongs(st, arch, lf.key, lf.part, lf.spec) {
			continue
		}
		p, err := o.newLoose(lf)
		if err != nil {
			logger.Warn("skipped loose file", "path", lf.path, "reason", err)
			continue
		}
		note(lf.spec, p.Size(), p.RawSize())
	}

	// Edits keep the size of their base, which is the native entry or any
	// replacement of it.
	for _, spec := range targets {
		raw := raws[pathspec.Fold(spec.Path)]
		if e, ok := arch.Lookup(spec); ok {
			raw = max(raw, e.Header.RawSize)
		}
		if raw == 0 {
			continue
		}
		b.Reserve(spec, int64(archive.Align(archive.BlockHeaderSize+raw))) //nolint:gosec // bounded by entry sizes
	}

	reserveToggles(b, arch)
}

// reserveBundle reserves the replacements of one bundle and returns the
// metadata edit targets that land in st.
func (o *Overlay) reserveBundle(
	st *archiveState,
	arch *archive.Archive,
	bun *bundle.Bundle,
	note func(pathspec.Spec, int64, uint64),
	logger *slog.Logger,
) (targets []pathspec.Spec) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("skipped bundle", "reason", fmt.Sprint(r))
			targets = nil
		}
	}()
	logger = logger.With("bundle", bun.Name())
	for e := range bun.Manifest().AllEntries() {
		if e.IsMetadataEdit() {
			doc, err := readEditDocument(bun, e)
			if err != nil {
				logger.Warn("skipped metadata edit", "path", e.Path, "reason", err)
				continue
			}
			for _, target := range doc.Targets() {
				spec := pathspec.New(target)
				key, ok := pathspec.ArchiveFor(target)
				if ok && o.belongs(st, arch, key, 0, spec) {
					targets = append(targets, spec)
				}
			}
			continue
		}
		key, ok := e.Key()
		if !ok || !o.belongs(st, arch, key, e.Part(), e.Spec()) {
			continue
		}
		p, err := bun.Provider(e)
		if err != nil {
			logger.Warn("skipped entry", "path", e.Path, "reason", err)
			continue
		}
		note(e.Spec(), p.Size(), p.RawSize())
	}
	return targets
}

func readEditDocument(b *bundle.Bundle, e bundle.Entry) (*metaedit.Document, error) {
	data, err := b.ReadEntry(e)
	if err != nil {
		return nil, err
	}
	return metaedit.Parse(data)
}
