package archive

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/vpack/pathspec"
)

// Entry is one asset stored in an archive.
type Entry struct {
	Spec pathspec.Spec
	Locator
	Header BlockHeader
}

// Archive provides read access to one archive set: a ".index" file, an
// ".index2" file and their data files.
//
// An Archive is safe for concurrent use.
type Archive struct {
	name    pathspec.ArchiveName
	dir     string
	pair    *index
	full    *index
	data    []*os.File
	sizes   []int64
	entries []Entry
	byLoc   map[Locator]int
	decoder *Decoder

	verify           bool
	maxDecoderMemory uint64
	logger           *slog.Logger
}

// Option configures an Archive.
type Option func(*Archive)

// WithLogger sets the logger for diagnostic output.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archive) {
		a.logger = logger
	}
}

// WithVerify makes Open hash every data file and compare it against the
// digest recorded in the index.
func WithVerify(enabled bool) Option {
	return func(a *Archive) {
		a.verify = enabled
	}
}

// WithMaxDecoderMemory sets the maximum zstd decoder memory.
// Set to 0 to disable the limit.
func WithMaxDecoderMemory(limit uint64) Option {
	return func(a *Archive) {
		a.maxDecoderMemory = limit
	}
}

// log returns the logger, falling back to a discard logger if nil.
func (a *Archive) log() *slog.Logger {
	if a.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.logger
}

// Open opens the archive whose ".index" file is indexPath.
//
// Every error describing malformed content wraps ErrArchiveParse.
func Open(indexPath string, opts ...Option) (*Archive, error) {
	name, ok := pathspec.ParseArchiveName(filepath.Base(indexPath))
	if !ok || !name.Component.IsIndex() || name.Component.Index2 {
		return nil, fmt.Errorf("%w: %s is not an archive index", ErrArchiveParse, indexPath)
	}
	a := &Archive{
		name:             name,
		dir:              filepath.Dir(indexPath),
		byLoc:            make(map[Locator]int),
		maxDecoderMemory: DefaultMaxDecoderMemory,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.decoder = NewDecoder(a.maxDecoderMemory)

	if err := a.load(); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("open %s: %w", indexPath, err)
	}
	a.log().Debug("archive opened", "archive", name.Stem, "entries", len(a.entries), "data_files", len(a.data))
	return a, nil
}

func (a *Archive) load() error {
	var err error
	if a.pair, err = a.readIndex(pathspec.Component{Data: -1}, IndexPair); err != nil {
		return err
	}
	if a.full, err = a.readIndex(pathspec.Component{Index2: true, Data: -1}, IndexFull); err != nil {
		return err
	}
	if a.pair.dataFiles() != a.full.dataFiles() {
		return fmt.Errorf("%w: index files disagree on data file count", ErrArchiveParse)
	}

	for n := range a.pair.dataFiles() {
		f, err := os.Open(a.Path(pathspec.Component{Data: n}))
		if err != nil {
			return err
		}
		a.data = append(a.data, f)
		info, err := f.Stat()
		if err != nil {
			return err
		}
		a.sizes = append(a.sizes, info.Size())
		hdr := make([]byte, DataHeaderSize)
		if _, err := f.ReadAt(hdr, 0); err != nil {
			return fmt.Errorf("%w: dat%d: %v", ErrArchiveParse, n, err)
		}
		if err := checkDataHeader(hdr, n); err != nil {
			return fmt.Errorf("%w: dat%d: %v", ErrArchiveParse, n, err)
		}
		if a.verify {
			if len(a.pair.digests) == 0 {
				return fmt.Errorf("dat%d: %w: no digest recorded", n, ErrDigestMismatch)
			}
			if err := verifyData(f, a.pair.digests[n]); err != nil {
				return fmt.Errorf("dat%d: %w", n, err)
			}
		}
	}

	specs := make(map[Locator]pathspec.Spec)
	for e := range a.pair.all() {
		specs[e.Locator] = e.Spec
	}
	for e := range a.full.all() {
		if prev, ok := specs[e.Locator]; ok {
			specs[e.Locator] = prev.Merge(e.Spec)
		} else {
			specs[e.Locator] = e.Spec
		}
	}
	for loc, spec := range specs {
		h, err := a.readHeader(loc)
		if err != nil {
			return fmt.Errorf("entry %s at %s: %w", spec, loc, err)
		}
		a.entries = append(a.entries, Entry{Spec: spec, Locator: loc, Header: h})
	}
	slices.SortFunc(a.entries, func(x, y Entry) int {
		if c := cmp.Compare(x.DataFile, y.DataFile); c != 0 {
			return c
		}
		return cmp.Compare(x.Offset, y.Offset)
	})
	for i, e := range a.entries {
		a.byLoc[e.Locator] = i
	}
	return nil
}

func (a *Archive) readIndex(c pathspec.Component, kind IndexKind) (*index, error) {
	data, err := os.ReadFile(a.Path(c))
	if err != nil {
		return nil, err
	}
	return loadIndex(data, kind)
}

func (a *Archive) readHeader(loc Locator) (BlockHeader, error) {
	f := a.data[loc.DataFile]
	p := make([]byte, BlockHeaderSize)
	if _, err := f.ReadAt(p, int64(loc.Offset)); err != nil { //nolint:gosec // offsets come from a validated index
		return BlockHeader{}, fmt.Errorf("%w: %v", ErrArchiveParse, err)
	}
	h, err := ParseBlockHeader(p)
	if err != nil {
		return BlockHeader{}, err
	}
	if loc.Offset+BlockHeaderSize+h.StoredSize > uint64(a.sizes[loc.DataFile]) { //nolint:gosec // file sizes are non-negative
		return BlockHeader{}, fmt.Errorf("%w: block extends past end of data file", ErrArchiveParse)
	}
	return h, nil
}

func verifyData(f *os.File, want digest.Digest) error {
	verifier := want.Verifier()
	if _, err := io.Copy(verifier, io.NewSectionReader(f, 0, 1<<62)); err != nil {
		return err
	}
	if !verifier.Verified() {
		return ErrDigestMismatch
	}
	return nil
}

// Name returns the parsed name of the archive's index file.
func (a *Archive) Name() pathspec.ArchiveName {
	return a.name
}

// Key returns the archive key.
func (a *Archive) Key() pathspec.Key {
	return a.name.Key
}

// Path returns the path of component c of this archive.
func (a *Archive) Path(c pathspec.Component) string {
	return filepath.Join(a.dir, a.name.Sibling(c))
}

// DataFiles returns the number of data files.
func (a *Archive) DataFiles() int {
	return len(a.data)
}

// Len returns the number of entries.
func (a *Archive) Len() int {
	return len(a.entries)
}

// Entries iterates all entries in data file and offset order.
func (a *Archive) Entries() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, e := range a.entries {
			if !yield(e) {
				return
			}
		}
	}
}

// Lookup returns the entry identified by spec.
func (a *Archive) Lookup(spec pathspec.Spec) (Entry, bool) {
	var (
		row IndexEntry
		ok  bool
	)
	if spec.HasPair() {
		row, ok = a.pair.lookup(IndexPair, spec)
	}
	if !ok && spec.HasFull() {
		row, ok = a.full.lookup(IndexFull, spec)
	}
	if !ok {
		return Entry{}, false
	}
	i, ok := a.byLoc[row.Locator]
	if !ok {
		return Entry{}, false
	}
	return a.entries[i], true
}

// ReadBlock reads the raw block of e starting at off into p.
// It returns io.EOF when off reaches the end of the block.
func (a *Archive) ReadBlock(e Entry, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("archive: negative offset")
	}
	size := int64(e.Header.BlockSize) //nolint:gosec // block sizes are validated on open
	if off >= size {
		return 0, io.EOF
	}
	if int(e.DataFile) >= len(a.data) {
		return 0, fmt.Errorf("%w: entry references missing data file", ErrArchiveParse)
	}
	want := p
	if int64(len(want)) > size-off {
		want = want[:size-off]
	}
	n, err := a.data[e.DataFile].ReadAt(want, int64(e.Offset)+off) //nolint:gosec // offsets are validated on open
	if errors.Is(err, io.EOF) {
		// Trailing padding of the final block may be absent on disk.
		clear(want[n:])
		n, err = len(want), nil
	}
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

// ReadContent reads and decodes the content of e.
func (a *Archive) ReadContent(e Entry) ([]byte, error) {
	stored := make([]byte, BlockHeaderSize+e.Header.StoredSize)
	if _, err := a.ReadBlock(e, stored, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return a.decoder.Decode(stored)
}

// Close releases the data file handles.
func (a *Archive) Close() error {
	var errs []error
	for _, f := range a.data {
		errs = append(errs, f.Close())
	}
	a.data = nil
	return errors.Join(errs...)
}
