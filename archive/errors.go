package archive

import (
	"errors"
	"math"
)

var (
	// ErrArchiveParse is returned when an index or data file is malformed.
	ErrArchiveParse = errors.New("archive: malformed container")

	// ErrDecompression is returned when decompression fails.
	ErrDecompression = errors.New("archive: decompression failed")

	// ErrSizeOverflow is returned when byte counts exceed supported limits.
	ErrSizeOverflow = errors.New("archive: size overflow")

	// ErrDigestMismatch is returned when a data file does not match the
	// digest recorded in its index.
	ErrDigestMismatch = errors.New("archive: data digest mismatch")
)

const maxInt = math.MaxInt
