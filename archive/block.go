package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

const (
	// Alignment is the granularity of entry blocks inside data files.
	Alignment = 128

	// BlockHeaderSize is the size of the header that starts every entry block.
	BlockHeaderSize = 32

	// DataHeaderSize is the size of the header that starts every data file.
	DataHeaderSize = Alignment
)

var (
	blockMagic = [4]byte{'V', 'B', 'L', 'K'}
	dataMagic  = [8]byte{'V', 'P', 'A', 'K', 'D', 'A', 'T', 'A'}
)

// BlockHeader describes one entry block.
type BlockHeader struct {
	Compression Compression
	// StoredSize is the size of the payload following the header.
	StoredSize uint64
	// RawSize is the decoded content size.
	RawSize uint64
	// BlockSize is the aligned size of header, payload and padding.
	BlockSize uint64
}

// Align rounds n up to the block alignment.
func Align(n uint64) uint64 {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// NewBlockHeader returns the header of a block storing stored bytes that
// decode to raw bytes.
func NewBlockHeader(c Compression, stored, raw uint64) BlockHeader {
	return BlockHeader{
		Compression: c,
		StoredSize:  stored,
		RawSize:     raw,
		BlockSize:   Align(BlockHeaderSize + stored),
	}
}

// AppendBinary appends the encoded header to b.
func (h BlockHeader) AppendBinary(b []byte) []byte {
	b = append(b, blockMagic[:]...)
	b = append(b, byte(h.Compression), 0, 0, 0)
	b = binary.LittleEndian.AppendUint64(b, h.StoredSize)
	b = binary.LittleEndian.AppendUint64(b, h.RawSize)
	return binary.LittleEndian.AppendUint64(b, h.BlockSize)
}

// ParseBlockHeader decodes a block header from the first BlockHeaderSize
// bytes of p.
func ParseBlockHeader(p []byte) (BlockHeader, error) {
	if len(p) < BlockHeaderSize {
		return BlockHeader{}, fmt.Errorf("%w: short block header", ErrArchiveParse)
	}
	if !bytes.Equal(p[:4], blockMagic[:]) {
		return BlockHeader{}, fmt.Errorf("%w: bad block magic", ErrArchiveParse)
	}
	h := BlockHeader{
		Compression: Compression(p[4]),
		StoredSize:  binary.LittleEndian.Uint64(p[8:]),
		RawSize:     binary.LittleEndian.Uint64(p[16:]),
		BlockSize:   binary.LittleEndian.Uint64(p[24:]),
	}
	if h.Compression > CompressionLZ4 {
		return BlockHeader{}, fmt.Errorf("%w: unknown compression %d", ErrArchiveParse, p[4])
	}
	if h.BlockSize < BlockHeaderSize+h.StoredSize || h.BlockSize%Alignment != 0 {
		return BlockHeader{}, fmt.Errorf("%w: inconsistent block size %d", ErrArchiveParse, h.BlockSize)
	}
	if h.Compression == CompressionNone && h.RawSize != h.StoredSize {
		return BlockHeader{}, fmt.Errorf("%w: raw size mismatch on stored block", ErrArchiveParse)
	}
	return h, nil
}

// EmptyBlock returns the block of an entry with no content.
func EmptyBlock() []byte {
	h := NewBlockHeader(CompressionNone, 0, 0)
	return pad(h.AppendBinary(make([]byte, 0, h.BlockSize)), h.BlockSize)
}

// Encoder encodes content into entry blocks.
//
// An Encoder is safe for concurrent use.
type Encoder struct {
	compression Compression
	zenc        *zstd.Encoder
}

// NewEncoder returns an Encoder producing blocks with compression c.
func NewEncoder(c Compression) (*Encoder, error) {
	e := &Encoder{compression: c}
	switch c {
	case CompressionNone, CompressionLZ4:
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		e.zenc = enc
	default:
		return nil, fmt.Errorf("archive: unknown compression %d", c)
	}
	return e, nil
}

// Compression returns the compression the encoder applies.
func (e *Encoder) Compression() Compression {
	return e.compression
}

// Encode returns the padded block holding content.
func (e *Encoder) Encode(content []byte) ([]byte, error) {
	stored, err := e.compress(content)
	if err != nil {
		return nil, err
	}
	c := e.compression
	if c != CompressionNone && len(stored) >= len(content) {
		// Incompressible content is stored as is.
		stored, c = content, CompressionNone
	}
	h := NewBlockHeader(c, uint64(len(stored)), uint64(len(content)))
	out := make([]byte, 0, h.BlockSize)
	out = h.AppendBinary(out)
	out = append(out, stored...)
	return pad(out, h.BlockSize), nil
}

// Close releases encoder resources.
func (e *Encoder) Close() error {
	if e.zenc != nil {
		return e.zenc.Close()
	}
	return nil
}

func (e *Encoder) compress(content []byte) ([]byte, error) {
	switch e.compression {
	case CompressionZstd:
		return e.zenc.EncodeAll(content, nil), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(content); err != nil {
			return nil, fmt.Errorf("lz4 encode: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("lz4 encode: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return content, nil
	}
}

// EncodeBlock encodes content with a one-off Encoder.
func EncodeBlock(content []byte, c Compression) ([]byte, error) {
	e, err := NewEncoder(c)
	if err != nil {
		return nil, err
	}
	defer e.Close()
	return e.Encode(content)
}

// DecodeBlock decodes a complete block into its content.
func DecodeBlock(block []byte) ([]byte, error) {
	return defaultDecoder.Decode(block)
}

// DataHeader returns the header written at the start of data file n.
func DataHeader(n int) []byte {
	b := make([]byte, 0, DataHeaderSize)
	b = append(b, dataMagic[:]...)
	b = binary.LittleEndian.AppendUint32(b, 1)
	b = binary.LittleEndian.AppendUint32(b, uint32(n)) //nolint:gosec // data file count is bounded by the index
	return pad(b, DataHeaderSize)
}

func checkDataHeader(p []byte, n int) error {
	if len(p) < DataHeaderSize || !bytes.Equal(p[:8], dataMagic[:]) {
		return errors.New("bad data file magic")
	}
	if got := binary.LittleEndian.Uint32(p[12:]); got != uint32(n) { //nolint:gosec // n is a small file number
		return fmt.Errorf("data file number %d, want %d", got, n)
	}
	return nil
}

func pad(b []byte, size uint64) []byte {
	for uint64(len(b)) < size {
		b = append(b, 0)
	}
	return b
}
