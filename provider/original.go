package provider

import (
	"github.com/meigma/vpack/archive"
	"github.com/meigma/vpack/pathspec"
)

// Original serves an entry block straight from a native archive.
type Original struct {
	arch  *archive.Archive
	entry archive.Entry
}

// NewOriginal returns the provider of entry e of a.
func NewOriginal(a *archive.Archive, e archive.Entry) *Original {
	return &Original{arch: a, entry: e}
}

func (o *Original) Kind() Kind { return KindOriginal }

func (o *Original) ID() string {
	return "original:" + o.arch.Name().Stem + ":" + o.entry.Locator.String()
}

func (o *Original) Spec() pathspec.Spec { return o.entry.Spec }

func (o *Original) Size() int64 {
	return int64(o.entry.Header.BlockSize) //nolint:gosec // validated when the archive was opened
}

func (o *Original) ReadAt(p []byte, off int64) (int, error) {
	return o.arch.ReadBlock(o.entry, p, off)
}

// Entry returns the archive entry served.
func (o *Original) Entry() archive.Entry { return o.entry }
