package provider

import (
	"errors"
	"fmt"
	"io"

	"github.com/meigma/vpack/archive"
)

// ReadBlock reads the meaningful part of p's block: the header and the
// stored payload, without trailing padding.
func ReadBlock(p Provider) ([]byte, error) {
	hdr := make([]byte, archive.BlockHeaderSize)
	if _, err := p.ReadAt(hdr, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	h, err := archive.ParseBlockHeader(hdr)
	if err != nil {
		return nil, err
	}
	if h.StoredSize > uint64(p.Size()) { //nolint:gosec // sizes are non-negative
		return nil, fmt.Errorf("%w: stored size exceeds provider size", archive.ErrArchiveParse)
	}
	block := make([]byte, archive.BlockHeaderSize+h.StoredSize)
	n, err := p.ReadAt(block, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if n < len(block) {
		return nil, io.ErrUnexpectedEOF
	}
	return block, nil
}

// ReadContent reads and decodes the content p serves.
func ReadContent(p Provider) ([]byte, error) {
	block, err := ReadBlock(p)
	if err != nil {
		return nil, err
	}
	return archive.DecodeBlock(block)
}
