package archive

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// DefaultMaxDecoderMemory is the default maximum zstd decoder memory (256MB).
const DefaultMaxDecoderMemory = 256 << 20

var defaultDecoder = NewDecoder(DefaultMaxDecoderMemory)

// Decoder decodes entry blocks, reusing zstd and lz4 decoders between calls.
type Decoder struct {
	maxMemory uint64
	zstdPool  sync.Pool
	lz4Pool   sync.Pool
}

// NewDecoder returns a Decoder. If maxMemory is 0, no memory limit is
// applied to zstd decoders.
func NewDecoder(maxMemory uint64) *Decoder {
	return &Decoder{maxMemory: maxMemory}
}

// Decode decodes a complete block into its content.
func (d *Decoder) Decode(block []byte) ([]byte, error) {
	h, err := ParseBlockHeader(block)
	if err != nil {
		return nil, err
	}
	if uint64(len(block)) < BlockHeaderSize+h.StoredSize {
		return nil, fmt.Errorf("%w: truncated block", ErrArchiveParse)
	}
	stored := block[BlockHeaderSize : BlockHeaderSize+h.StoredSize]
	return d.decode(h, bytes.NewReader(stored))
}

func (d *Decoder) decode(h BlockHeader, r io.Reader) ([]byte, error) {
	if h.RawSize > uint64(maxInt) {
		return nil, ErrSizeOverflow
	}
	src, release, err := d.reader(h.Compression, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	defer release()

	content := make([]byte, h.RawSize)
	if _, err := io.ReadFull(src, content); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	return content, nil
}

// reader returns a reader decoding r. The caller must call release when done.
func (d *Decoder) reader(c Compression, r io.Reader) (io.Reader, func(), error) {
	switch c {
	case CompressionNone:
		return r, func() {}, nil
	case CompressionZstd:
		if v, ok := d.zstdPool.Get().(*zstd.Decoder); ok {
			if err := v.Reset(r); err == nil {
				return v, func() {
					_ = v.Reset(nil) //nolint:errcheck // clearing state before pool return
					d.zstdPool.Put(v)
				}, nil
			}
			v.Close()
		}
		opts := []zstd.DOption{zstd.WithDecoderConcurrency(1)}
		if d.maxMemory != 0 {
			opts = append(opts, zstd.WithDecoderMaxMemory(d.maxMemory))
		}
		dec, err := zstd.NewReader(r, opts...)
		if err != nil {
			return nil, nil, err
		}
		return dec, func() {
			_ = dec.Reset(nil) //nolint:errcheck // clearing state before pool return
			d.zstdPool.Put(dec)
		}, nil
	case CompressionLZ4:
		zr, ok := d.lz4Pool.Get().(*lz4.Reader)
		if !ok {
			zr = lz4.NewReader(r)
		} else {
			zr.Reset(r)
		}
		return zr, func() {
			zr.Reset(nil)
			d.lz4Pool.Put(zr)
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown compression algorithm: %d", c)
	}
}
