// Package provider implements the content providers that back entries of
// an archive view.
//
// Every provider produces one encoded entry block (see package archive).
// The concrete variants are fixed: Original, Loose, Bundle, Memory and
// Synthesized. Swappable wraps any of them behind an atomically replaceable
// binding and is the only provider whose content changes after a view is
// frozen.
package provider

import (
	"errors"
	"fmt"
	"io"

	"github.com/meigma/vpack/archive"
	"github.com/meigma/vpack/pathspec"
)

// Kind tags a provider variant.
type Kind uint8

const (
	KindOriginal Kind = iota
	KindLoose
	KindBundle
	KindMemory
	KindSynthesized
	KindSwappable
)

func (k Kind) String() string {
	switch k {
	case KindOriginal:
		return "original"
	case KindLoose:
		return "loose"
	case KindBundle:
		return "bundle"
	case KindMemory:
		return "memory"
	case KindSynthesized:
		return "synthesized"
	case KindSwappable:
		return "swappable"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Provider produces the encoded block of one entry.
type Provider interface {
	// Kind returns the variant tag.
	Kind() Kind
	// ID identifies the content source. Two providers with the same ID
	// produce the same bytes.
	ID() string
	// Spec returns the identity of the entry served.
	Spec() pathspec.Spec
	// Size returns the block size in bytes.
	Size() int64
	// ReadAt reads block bytes. It follows io.ReaderAt semantics.
	ReadAt(p []byte, off int64) (int, error)
}

// ErrNegativeOffset is returned by ReadAt for offsets below zero.
var ErrNegativeOffset = errors.New("provider: negative offset")

// readBytes serves ReadAt from an in-memory block.
func readBytes(block, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrNegativeOffset
	}
	if off >= int64(len(block)) {
		return 0, io.EOF
	}
	n := copy(p, block[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// readHeaderThen serves a block made of an encoded header, a payload read
// through payload, and zero padding up to the header's block size.
func readHeaderThen(h archive.BlockHeader, payload io.ReaderAt, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrNegativeOffset
	}
	size := int64(h.BlockSize) //nolint:gosec // block sizes are bounded by source file sizes
	if off >= size {
		return 0, io.EOF
	}
	short := false
	if int64(len(p)) > size-off {
		p = p[:size-off]
		short = true
	}
	total := 0
	if off < archive.BlockHeaderSize {
		hdr := h.AppendBinary(make([]byte, 0, archive.BlockHeaderSize))
		n := copy(p, hdr[off:])
		total += n
		off += int64(n)
	}
	stored := int64(h.StoredSize) //nolint:gosec // see above
	payloadEnd := archive.BlockHeaderSize + stored
	if total < len(p) && off < payloadEnd {
		want := p[total:]
		if int64(len(want)) > payloadEnd-off {
			want = want[:payloadEnd-off]
		}
		n, err := payload.ReadAt(want, off-archive.BlockHeaderSize)
		if n < len(want) {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return total + n, err
		}
		total += n
		off += int64(n)
	}
	if total < len(p) {
		clear(p[total:])
		total = len(p)
	}
	if short {
		return total, io.EOF
	}
	return total, nil
}
