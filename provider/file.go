package provider

import (
	"fmt"
	"os"

	"github.com/zeebo/blake3"

	"github.com/meigma/vpack/archive"
	"github.com/meigma/vpack/pathspec"
)

// fileRange reads a byte range of a file, opening it on every call so the
// provider holds no descriptor across reflection passes.
type fileRange struct {
	path string
	off  int64
}

func (f fileRange) ReadAt(p []byte, off int64) (int, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return 0, err
	}
	defer file.Close()
	return file.ReadAt(p, f.off+off)
}

// Loose serves a replacement file from a loose directory.
//
// Uncompressed loose files are streamed from disk behind a synthesized
// header. Compressed ones are encoded once into memory.
type Loose struct {
	spec   pathspec.Spec
	path   string
	id     string
	header archive.BlockHeader
	block  []byte
}

// BlockCache stores encoded blocks by key.
type BlockCache interface {
	Get(key []byte) ([]byte, bool)
	Put(key, block []byte) error
}

// LooseOption configures a Loose provider.
type LooseOption func(*looseConfig)

type looseConfig struct {
	cache BlockCache
}

// WithBlockCache reuses blocks encoded for an unchanged file from c.
func WithBlockCache(c BlockCache) LooseOption {
	return func(cfg *looseConfig) {
		cfg.cache = c
	}
}

// NewLoose returns the provider for the file at path, encoded with enc.
// A nil enc stores the file uncompressed.
func NewLoose(spec pathspec.Spec, path string, enc *archive.Encoder, opts ...LooseOption) (*Loose, error) {
	var cfg looseConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: not a regular file", path)
	}
	l := &Loose{
		spec: spec,
		path: path,
		id:   fmt.Sprintf("loose:%s:%d:%d", path, info.Size(), info.ModTime().UnixNano()),
	}
	if enc == nil || enc.Compression() == archive.CompressionNone {
		size := uint64(info.Size()) //nolint:gosec // file sizes are non-negative
		l.header = archive.NewBlockHeader(archive.CompressionNone, size, size)
		return l, nil
	}
	var key []byte
	if cfg.cache != nil {
		sum := blake3.Sum256([]byte(fmt.Sprintf("%s:%s", enc.Compression(), l.id)))
		key = sum[:]
		if block, ok := cfg.cache.Get(key); ok {
			if h, err := archive.ParseBlockHeader(block); err == nil && h.BlockSize == uint64(len(block)) {
				l.block, l.header = block, h
				return l, nil
			}
		}
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if l.block, err = enc.Encode(content); err != nil {
		return nil, fmt.Errorf("encode %s: %w", path, err)
	}
	if l.header, err = archive.ParseBlockHeader(l.block); err != nil {
		return nil, err
	}
	if cfg.cache != nil {
		// A failed put only costs a later re-encode.
		_ = cfg.cache.Put(key, l.block)
	}
	return l, nil
}

func (l *Loose) Kind() Kind          { return KindLoose }
func (l *Loose) ID() string          { return l.id }
func (l *Loose) Spec() pathspec.Spec { return l.spec }

func (l *Loose) Size() int64 {
	return int64(l.header.BlockSize) //nolint:gosec // bounded by the file size
}

func (l *Loose) ReadAt(p []byte, off int64) (int, error) {
	if l.block != nil {
		return readBytes(l.block, p, off)
	}
	return readHeaderThen(l.header, fileRange{path: l.path}, p, off)
}

// Path returns the file the provider reads.
func (l *Loose) Path() string { return l.path }

// RawSize returns the decoded size of the content.
func (l *Loose) RawSize() uint64 { return l.header.RawSize }

// Bundle serves a stored payload range of a mod bundle.
type Bundle struct {
	spec   pathspec.Spec
	id     string
	header archive.BlockHeader
	data   fileRange
}

// NewBundle returns the provider for the stored bytes at
// [offset, offset+stored) of the payload file at payloadPath. The range
// holds content compressed with c that decodes to raw bytes.
func NewBundle(spec pathspec.Spec, payloadPath string, offset int64, c archive.Compression, stored, raw uint64) *Bundle {
	return &Bundle{
		spec:   spec,
		id:     fmt.Sprintf("bundle:%s@%d+%d", payloadPath, offset, stored),
		header: archive.NewBlockHeader(c, stored, raw),
		data:   fileRange{path: payloadPath, off: offset},
	}
}

func (b *Bundle) Kind() Kind          { return KindBundle }
func (b *Bundle) ID() string          { return b.id }
func (b *Bundle) Spec() pathspec.Spec { return b.spec }

func (b *Bundle) Size() int64 {
	return int64(b.header.BlockSize) //nolint:gosec // bounded by the payload size
}

func (b *Bundle) ReadAt(p []byte, off int64) (int, error) {
	return readHeaderThen(b.header, b.data, p, off)
}

// RawSize returns the decoded size of the content.
func (b *Bundle) RawSize() uint64 { return b.header.RawSize }
