package archive

import (
	"cmp"
	"fmt"
	"iter"
	"slices"
	"sort"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/opencontainers/go-digest"

	"github.com/meigma/vpack/archive/internal/fb"
	"github.com/meigma/vpack/pathspec"
)

// indexVersion is the protocol version written to new index files.
const indexVersion = 1

// IndexKind selects the key of an index file.
type IndexKind uint8

const (
	// IndexPair is keyed by directory and name hash (the ".index" file).
	IndexPair IndexKind = IndexKind(fb.IndexKindPair)
	// IndexFull is keyed by full-path hash (the ".index2" file).
	IndexFull IndexKind = IndexKind(fb.IndexKindFull)
)

// Locator addresses an entry block inside an archive's data files.
type Locator struct {
	DataFile uint32
	Offset   uint64
}

func (l Locator) String() string {
	return fmt.Sprintf("dat%d@%#x", l.DataFile, l.Offset)
}

// IndexEntry is one row of an index file.
type IndexEntry struct {
	Spec pathspec.Spec
	Locator
}

// BuildIndex serializes entries into an index file of the given kind,
// referencing dataFiles data files. dataDigests is either empty or holds
// one digest per data file.
//
// Entries lacking the hashes the kind is keyed by are left out. Entries
// whose key collides with another entry are written as synonyms and keep
// their path string so readers can tell them apart.
func BuildIndex(kind IndexKind, entries []IndexEntry, dataFiles int, dataDigests []digest.Digest) []byte {
	var keyed []IndexEntry
	for _, e := range entries {
		if (kind == IndexPair && e.Spec.HasPair()) || (kind == IndexFull && e.Spec.HasFull()) {
			keyed = append(keyed, e)
		}
	}
	slices.SortStableFunc(keyed, func(a, b IndexEntry) int {
		return compareKey(kind, a.Spec, b.Spec)
	})

	var rows, synonyms []IndexEntry
	for i := 0; i < len(keyed); {
		j := i + 1
		for j < len(keyed) && compareKey(kind, keyed[i].Spec, keyed[j].Spec) == 0 {
			j++
		}
		if j-i == 1 {
			rows = append(rows, keyed[i])
		} else {
			synonyms = append(synonyms, keyed[i:j]...)
		}
		i = j
	}

	builder := flatbuffers.NewBuilder(1024 + 32*len(keyed))
	rowsOffset := buildEntryVector(builder, rows, fb.IndexStartEntriesVector)
	synOffset := buildEntryVector(builder, synonyms, fb.IndexStartSynonymsVector)

	digestOffsets := make([]flatbuffers.UOffsetT, len(dataDigests))
	for i, d := range dataDigests {
		digestOffsets[i] = builder.CreateString(d.String())
	}
	fb.IndexStartDataDigestsVector(builder, len(digestOffsets))
	for i := len(digestOffsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(digestOffsets[i])
	}
	digestsOffset := builder.EndVector(len(digestOffsets))

	fb.IndexStart(builder)
	fb.IndexAddVersion(builder, indexVersion)
	fb.IndexAddKind(builder, fb.IndexKind(kind))
	fb.IndexAddDataFiles(builder, uint32(dataFiles)) //nolint:gosec // data file count is small
	fb.IndexAddEntries(builder, rowsOffset)
	fb.IndexAddSynonyms(builder, synOffset)
	fb.IndexAddDataDigests(builder, digestsOffset)
	builder.Finish(fb.IndexEnd(builder))
	return builder.FinishedBytes()
}

func buildEntryVector(builder *flatbuffers.Builder, entries []IndexEntry, start func(*flatbuffers.Builder, int) flatbuffers.UOffsetT) flatbuffers.UOffsetT {
	offsets := make([]flatbuffers.UOffsetT, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		var pathOffset flatbuffers.UOffsetT
		if e.Spec.HasPath() {
			pathOffset = builder.CreateString(e.Spec.Path)
		}
		fb.EntryStart(builder)
		fb.EntryAddDirHash(builder, uint32(e.Spec.Dir))
		fb.EntryAddNameHash(builder, uint32(e.Spec.Name))
		fb.EntryAddFullHash(builder, uint32(e.Spec.Full))
		fb.EntryAddDataFile(builder, e.DataFile)
		fb.EntryAddOffset(builder, e.Offset)
		if pathOffset != 0 {
			fb.EntryAddPath(builder, pathOffset)
		}
		offsets[i] = fb.EntryEnd(builder)
	}
	start(builder, len(offsets))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}
	return builder.EndVector(len(offsets))
}

func compareKey(kind IndexKind, a, b pathspec.Spec) int {
	if kind == IndexFull {
		return cmp.Compare(a.Full, b.Full)
	}
	if c := cmp.Compare(a.Dir, b.Dir); c != 0 {
		return c
	}
	return cmp.Compare(a.Name, b.Name)
}

// index provides lookups over a FlatBuffers-encoded index file.
type index struct {
	root    *fb.Index
	digests []digest.Digest
}

// loadIndex parses an index file. The data is retained by the index.
func loadIndex(data []byte, want IndexKind) (idx *index, err error) {
	defer func() {
		if r := recover(); r != nil {
			idx = nil
			err = fmt.Errorf("%w: %v", ErrArchiveParse, r)
		}
	}()
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: index too short", ErrArchiveParse)
	}
	root := fb.GetRootAsIndex(data, 0)
	if root.Version() != indexVersion {
		return nil, fmt.Errorf("%w: unsupported index version %d", ErrArchiveParse, root.Version())
	}
	if IndexKind(root.Kind()) != want {
		return nil, fmt.Errorf("%w: index kind %s, want %s", ErrArchiveParse, root.Kind(), fb.IndexKind(want))
	}
	idx = &index{root: root}
	n := root.DataDigestsLength()
	if n != 0 && n != int(root.DataFiles()) {
		return nil, fmt.Errorf("%w: %d data digests for %d data files", ErrArchiveParse, n, root.DataFiles())
	}
	for i := range n {
		d, err := digest.Parse(string(root.DataDigests(i)))
		if err != nil {
			return nil, fmt.Errorf("%w: data digest %d: %v", ErrArchiveParse, i, err)
		}
		idx.digests = append(idx.digests, d)
	}
	// Touch every row once so malformed offsets surface here rather than
	// on a later lookup.
	for e := range idx.all() {
		if e.DataFile >= root.DataFiles() {
			return nil, fmt.Errorf("%w: entry %s references missing data file", ErrArchiveParse, e.Spec)
		}
	}
	return idx, nil
}

func (idx *index) dataFiles() int {
	return int(idx.root.DataFiles())
}

// lookup finds the row keyed like spec, consulting synonyms by path when
// the key collides.
func (idx *index) lookup(kind IndexKind, spec pathspec.Spec) (IndexEntry, bool) {
	n := idx.root.EntriesLength()
	var e fb.Entry
	i := sort.Search(n, func(i int) bool {
		idx.root.Entries(&e, i)
		return compareKey(kind, rowSpec(&e), spec) >= 0
	})
	if i < n {
		idx.root.Entries(&e, i)
		row := rowSpec(&e)
		if compareKey(kind, row, spec) == 0 && (!row.HasPath() || !spec.HasPath() || row.Equal(spec)) {
			return IndexEntry{Spec: row, Locator: rowLocator(&e)}, true
		}
	}
	if !spec.HasPath() {
		return IndexEntry{}, false
	}
	for j := range idx.root.SynonymsLength() {
		idx.root.Synonyms(&e, j)
		if pathspec.Fold(string(e.Path())) == pathspec.Fold(spec.Path) {
			return IndexEntry{Spec: rowSpec(&e), Locator: rowLocator(&e)}, true
		}
	}
	return IndexEntry{}, false
}

// all iterates rows followed by synonyms.
func (idx *index) all() iter.Seq[IndexEntry] {
	return func(yield func(IndexEntry) bool) {
		var e fb.Entry
		for i := range idx.root.EntriesLength() {
			idx.root.Entries(&e, i)
			if !yield(IndexEntry{Spec: rowSpec(&e), Locator: rowLocator(&e)}) {
				return
			}
		}
		for i := range idx.root.SynonymsLength() {
			idx.root.Synonyms(&e, i)
			if !yield(IndexEntry{Spec: rowSpec(&e), Locator: rowLocator(&e)}) {
				return
			}
		}
	}
}

func rowSpec(e *fb.Entry) pathspec.Spec {
	return pathspec.Spec{
		Dir:  pathspec.Hash(e.DirHash()),
		Name: pathspec.Hash(e.NameHash()),
		Full: pathspec.Hash(e.FullHash()),
		Path: string(e.Path()),
	}
}

func rowLocator(e *fb.Entry) Locator {
	return Locator{DataFile: e.DataFile(), Offset: e.Offset()}
}
