package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/vpack/pathspec"
)

// DefaultMaxDataFileSize is the size at which a new data file is started.
const DefaultMaxDataFileSize = 2_000_000_000

// createConfig holds configuration for archive creation.
type createConfig struct {
	compression     Compression
	maxDataFileSize uint64
	stripPaths      bool
	logger          *slog.Logger
}

// CreateOption configures archive creation.
type CreateOption func(*createConfig)

// CreateWithCompression sets the compression applied to entry blocks.
func CreateWithCompression(c Compression) CreateOption {
	return func(cfg *createConfig) {
		cfg.compression = c
	}
}

// CreateWithMaxDataFileSize sets the size at which a new data file is
// started. Zero uses DefaultMaxDataFileSize.
func CreateWithMaxDataFileSize(n uint64) CreateOption {
	return func(cfg *createConfig) {
		cfg.maxDataFileSize = n
	}
}

// CreateWithStripPaths omits path strings from the index, leaving entries
// addressable by hash only. Colliding entries keep their path regardless.
func CreateWithStripPaths(strip bool) CreateOption {
	return func(cfg *createConfig) {
		cfg.stripPaths = strip
	}
}

// CreateWithLogger sets the logger for diagnostic output.
func CreateWithLogger(logger *slog.Logger) CreateOption {
	return func(cfg *createConfig) {
		cfg.logger = logger
	}
}

// Layout assigns locators to blocks of the given sizes in order. A new data
// file is started when the next block would push the current one past
// maxDataFileSize; a block larger than that still gets a file of its own.
// fileSizes holds the resulting size of every data file.
func Layout(sizes []uint64, maxDataFileSize uint64) (locs []Locator, fileSizes []uint64) {
	if maxDataFileSize == 0 {
		maxDataFileSize = DefaultMaxDataFileSize
	}
	locs = make([]Locator, len(sizes))
	cur := uint64(DataHeaderSize)
	file := uint32(0)
	for i, size := range sizes {
		if cur > DataHeaderSize && cur+size > maxDataFileSize {
			fileSizes = append(fileSizes, cur)
			file++
			cur = DataHeaderSize
		}
		locs[i] = Locator{DataFile: file, Offset: cur}
		cur += size
	}
	return locs, append(fileSizes, cur)
}

// Writer writes a new archive set entry by entry.
type Writer struct {
	dir  string
	stem string
	cfg  createConfig
	enc  *Encoder

	specs  []pathspec.Spec
	blocks [][]byte
	closed bool
}

// NewWriter returns a Writer producing <dir>/<stem>.index, .index2 and
// .datN files when closed.
func NewWriter(dir, stem string, opts ...CreateOption) (*Writer, error) {
	cfg := createConfig{maxDataFileSize: DefaultMaxDataFileSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	enc, err := NewEncoder(cfg.compression)
	if err != nil {
		return nil, err
	}
	return &Writer{dir: dir, stem: stem, cfg: cfg, enc: enc}, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (w *Writer) log() *slog.Logger {
	if w.cfg.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return w.cfg.logger
}

// Add encodes content and appends it as the entry for path.
func (w *Writer) Add(path string, content []byte) error {
	block, err := w.enc.Encode(content)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return w.AddBlock(pathspec.New(path), block)
}

// AddBlock appends an already encoded block for spec.
func (w *Writer) AddBlock(spec pathspec.Spec, block []byte) error {
	if w.closed {
		return errors.New("archive: writer closed")
	}
	if _, err := ParseBlockHeader(block); err != nil {
		return err
	}
	w.specs = append(w.specs, spec)
	w.blocks = append(w.blocks, block)
	return nil
}

// Close writes the data and index files.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.enc.Close()

	sizes := make([]uint64, len(w.blocks))
	for i, b := range w.blocks {
		sizes[i] = uint64(len(b))
	}
	locs, fileSizes := Layout(sizes, w.cfg.maxDataFileSize)

	digests := make([]digest.Digest, len(fileSizes))
	next := 0
	for n := range fileSizes {
		digester := digest.Canonical.Digester()
		f, err := os.Create(filepath.Join(w.dir, fmt.Sprintf("%s.dat%d", w.stem, n)))
		if err != nil {
			return err
		}
		out := io.MultiWriter(f, digester.Hash())
		_, err = out.Write(DataHeader(n))
		for err == nil && next < len(locs) && int(locs[next].DataFile) == n {
			_, err = out.Write(w.blocks[next])
			next++
		}
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("write dat%d: %w", n, err)
		}
		digests[n] = digester.Digest()
	}

	entries := make([]IndexEntry, len(w.specs))
	for i, spec := range w.specs {
		if w.cfg.stripPaths {
			spec.Path = ""
		}
		entries[i] = IndexEntry{Spec: spec, Locator: locs[i]}
	}
	restoreCollidingPaths(entries, w.specs)

	for _, kind := range []IndexKind{IndexPair, IndexFull} {
		ext := "index"
		if kind == IndexFull {
			ext = "index2"
		}
		data := BuildIndex(kind, entries, len(fileSizes), digests)
		if err := os.WriteFile(filepath.Join(w.dir, w.stem+"."+ext), data, 0o644); err != nil { //nolint:gosec // archive files are world-readable
			return err
		}
	}
	w.log().Info("archive written", "dir", w.dir, "stem", w.stem, "entries", len(entries), "data_files", len(fileSizes))
	return nil
}

// restoreCollidingPaths puts path strings back on entries whose hash keys
// collide, since synonyms are only resolvable by path.
func restoreCollidingPaths(entries []IndexEntry, specs []pathspec.Spec) {
	pairs := make(map[[2]pathspec.Hash]int)
	fulls := make(map[pathspec.Hash]int)
	for _, s := range specs {
		pairs[[2]pathspec.Hash{s.Dir, s.Name}]++
		fulls[s.Full]++
	}
	for i, s := range specs {
		if pairs[[2]pathspec.Hash{s.Dir, s.Name}] > 1 || fulls[s.Full] > 1 {
			entries[i].Spec.Path = s.Path
		}
	}
}

// Create builds an archive named stem in outDir from the regular files below
// srcDir. Each file's slash-separated path relative to srcDir becomes its
// asset path. Symbolic links and other non-regular files are skipped.
//
// The context can be used for cancellation of long-running archive creation.
func Create(ctx context.Context, srcDir, outDir, stem string, opts ...CreateOption) (int, error) {
	root, err := os.OpenRoot(srcDir)
	if err != nil {
		return 0, err
	}
	defer root.Close()

	w, err := NewWriter(outDir, stem, opts...)
	if err != nil {
		return 0, err
	}
	w.log().Info("creating archive", "dir", srcDir, "compression", w.cfg.compression.String())

	count := 0
	err = fs.WalkDir(root.FS(), ".", func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			if !d.IsDir() {
				w.log().Debug("skipped non-regular file", "path", path)
			}
			return nil
		}
		content, err := fs.ReadFile(root.FS(), path)
		if err != nil {
			return err
		}
		count++
		return w.Add(path, content)
	})
	if err != nil {
		w.closed = true
		_ = w.enc.Close()
		return 0, err
	}
	return count, w.Close()
}
