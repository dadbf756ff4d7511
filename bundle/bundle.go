// Package bundle implements mod bundles and the tree that organizes them.
//
// A bundle is a directory holding a manifest, a payload file with the
// stored bytes of every entry, an optional disable marker and an optional
// choice document. Bundles are grouped by the folders they live in. Folders
// carry their own disable marker and an order document ranking children.
package bundle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"

	"github.com/meigma/vpack/archive"
	"github.com/meigma/vpack/provider"
)

var (
	// ErrBundleLoad is returned when a bundle's manifest or payload is
	// missing or malformed.
	ErrBundleLoad = errors.New("bundle: load failed")

	// ErrNotFound is returned for tree paths that name no node.
	ErrNotFound = errors.New("bundle: not found")
)

// Bundle is a loaded bundle directory.
//
// A Bundle is immutable; changing choices yields a new Bundle.
type Bundle struct {
	dir         string
	manifest    *Manifest
	payloadPath string
	payloadSize int64
	choices     Choices
}

// Open loads the bundle at dir. The payload file must exist and contain
// every entry's stored range.
func Open(dir string) (*Bundle, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}
	b := &Bundle{
		dir:         dir,
		manifest:    m,
		payloadPath: filepath.Join(dir, PayloadFile),
	}
	info, err := os.Stat(b.payloadPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", dir, ErrBundleLoad, err)
	}
	b.payloadSize = info.Size()
	for e := range m.AllEntries() {
		payload := uint64(b.payloadSize) //nolint:gosec // file sizes are non-negative
		if e.Size > payload || uint64(e.Offset) > payload-e.Size { //nolint:gosec // offsets are validated non-negative
			return nil, fmt.Errorf("%s: %w: entry %s exceeds payload", dir, ErrBundleLoad, e.Path)
		}
	}

	var raw []byte
	raw, err = os.ReadFile(filepath.Join(dir, ChoicesFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w: %v", dir, ErrBundleLoad, err)
	}
	b.choices = ParseChoices(raw, m)
	return b, nil
}

// Dir returns the bundle directory.
func (b *Bundle) Dir() string { return b.dir }

// Name returns the manifest name, or the directory name when unset.
func (b *Bundle) Name() string {
	if b.manifest.Name != "" {
		return b.manifest.Name
	}
	return filepath.Base(b.dir)
}

// Manifest returns the parsed manifest.
func (b *Bundle) Manifest() *Manifest { return b.manifest }

// Choices returns a copy of the current option selection.
func (b *Bundle) Choices() Choices { return b.choices.Clone() }

// WithChoices returns a copy of b using choices, clamped to the manifest.
func (b *Bundle) WithChoices(c Choices) *Bundle {
	nb := *b
	nb.choices = FixChoices(c, b.manifest)
	return &nb
}

// SaveChoices writes the current selection to the choice document.
func (b *Bundle) SaveChoices() error {
	data, err := json.Marshal(b.choices)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(b.dir, ChoicesFile), data, 0o644) //nolint:gosec // user-editable document
}

// EffectiveEntries iterates the entries active under the current choices:
// base entries first, then the selected options' entries in page, group
// and option order.
func (b *Bundle) EffectiveEntries() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, e := range b.manifest.Entries {
			if !yield(e) {
				return
			}
		}
		for pi, p := range b.manifest.Pages {
			for gi, g := range p.Groups {
				for _, oi := range b.choices.selected(pi, gi) {
					for _, e := range g.Options[oi].Entries {
						if !yield(e) {
							return
						}
					}
				}
			}
		}
	}
}

// Provider returns the content provider of a replacement entry.
func (b *Bundle) Provider(e Entry) (*provider.Bundle, error) {
	h, err := e.header()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBundleLoad, e.Path, err)
	}
	return provider.NewBundle(e.Spec(), b.payloadPath, e.Offset, h.Compression, h.StoredSize, h.RawSize), nil
}

// ReadEntry reads and decodes the content of e.
func (b *Bundle) ReadEntry(e Entry) ([]byte, error) {
	h, err := e.header()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBundleLoad, e.Path, err)
	}
	f, err := os.Open(b.payloadPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	block := h.AppendBinary(make([]byte, 0, archive.BlockHeaderSize+h.StoredSize))
	var buf bytes.Buffer
	buf.Write(block)
	if _, err := io.Copy(&buf, io.NewSectionReader(f, e.Offset, int64(h.StoredSize))); err != nil { //nolint:gosec // bounded by the payload size
		return nil, err
	}
	if uint64(buf.Len()) != archive.BlockHeaderSize+h.StoredSize {
		return nil, fmt.Errorf("%w: %s: truncated payload", ErrBundleLoad, e.Path)
	}
	content, err := archive.DecodeBlock(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBundleLoad, e.Path, err)
	}
	return content, nil
}

// Verify decodes every entry that records a digest and compares it.
func (b *Bundle) Verify() error {
	var errs []error
	for e := range b.manifest.AllEntries() {
		if e.Digest == "" {
			continue
		}
		if err := e.Digest.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Path, err))
			continue
		}
		content, err := b.ReadEntry(e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		verifier := e.Digest.Verifier()
		_, _ = verifier.Write(content)
		if !verifier.Verified() {
			errs = append(errs, fmt.Errorf("%w: %s: digest mismatch", ErrBundleLoad, e.Path))
		}
	}
	return errors.Join(errs...)
}
