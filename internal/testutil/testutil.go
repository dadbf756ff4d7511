// Package testutil holds fixture builders shared by package tests.
package testutil

import (
	"encoding/json"
	"errors"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meigma/vpack/archive"
)

// WriteArchive writes an archive set named stem into dir holding files and
// returns the path of its index file.
func WriteArchive(tb testing.TB, dir, stem string, files map[string][]byte, opts ...archive.CreateOption) string {
	tb.Helper()

	require.NoError(tb, os.MkdirAll(dir, 0o755))
	w, err := archive.NewWriter(dir, stem, opts...)
	require.NoError(tb, err)
	for _, path := range slices.Sorted(maps.Keys(files)) {
		require.NoError(tb, w.Add(path, files[path]))
	}
	require.NoError(tb, w.Close())
	return filepath.Join(dir, stem+".index")
}

// Stream is a sized random-access stream.
type Stream interface {
	io.ReaderAt
	Size() int64
}

// ReadAll reads a whole stream.
func ReadAll(tb testing.TB, s Stream) []byte {
	tb.Helper()

	buf := make([]byte, s.Size())
	n, err := s.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		require.NoError(tb, err)
	}
	require.Equal(tb, len(buf), n)
	return buf
}

// WriteStream stores a stream as the file at path.
func WriteStream(tb testing.TB, path string, s Stream) {
	tb.Helper()

	require.NoError(tb, os.WriteFile(path, ReadAll(tb, s), 0o644))
}

// BundleEntry is one replacement written by WriteBundle.
type BundleEntry struct {
	Path    string
	Archive string
	Content []byte
	// Compression is "none", "zstd" or "lz4". Empty means none.
	Compression string
}

// BundleOption is one selectable option of a bundle group.
type BundleOption struct {
	Name    string
	Entries []BundleEntry
}

// BundleGroup is one option group of a bundle.
type BundleGroup struct {
	Name    string
	Multi   bool
	Options []BundleOption
}

// Bundle describes a bundle directory written by WriteBundle.
type Bundle struct {
	Name    string
	Entries []BundleEntry
	Groups  []BundleGroup
	// Disabled writes the disable marker.
	Disabled bool
	// Choices, when set, is written verbatim as choices.json.
	Choices string
}

type manifestEntry struct {
	Path        string `json:"path"`
	Archive     string `json:"archive,omitempty"`
	Offset      int64  `json:"offset"`
	Size        int    `json:"size"`
	RawSize     int    `json:"raw_size"`
	Compression string `json:"compression,omitempty"`
}

type manifestOption struct {
	Name    string          `json:"name"`
	Entries []manifestEntry `json:"entries"`
}

type manifestGroup struct {
	Name      string           `json:"name"`
	Selection string           `json:"selection"`
	Options   []manifestOption `json:"options"`
}

type manifestPage struct {
	Groups []manifestGroup `json:"groups"`
}

type manifest struct {
	Name    string          `json:"name"`
	Entries []manifestEntry `json:"entries"`
	Pages   []manifestPage  `json:"pages,omitempty"`
}

// WriteBundle writes b as a bundle directory at dir: a commented
// manifest.json, payload.bin and the optional marker and choice files.
func WriteBundle(tb testing.TB, dir string, b Bundle) string {
	tb.Helper()

	require.NoError(tb, os.MkdirAll(dir, 0o755))
	var payload []byte
	add := func(e BundleEntry) manifestEntry {
		stored := e.Content
		if e.Compression != "" && e.Compression != "none" {
			c, err := archive.ParseCompression(e.Compression)
			require.NoError(tb, err)
			block, err := archive.EncodeBlock(e.Content, c)
			require.NoError(tb, err)
			h, err := archive.ParseBlockHeader(block)
			require.NoError(tb, err)
			if h.Compression != c {
				tb.Fatalf("content of %s does not compress with %s", e.Path, e.Compression)
			}
			stored = block[archive.BlockHeaderSize : archive.BlockHeaderSize+h.StoredSize]
		}
		me := manifestEntry{
			Path:        e.Path,
			Archive:     e.Archive,
			Offset:      int64(len(payload)),
			Size:        len(stored),
			RawSize:     len(e.Content),
			Compression: e.Compression,
		}
		payload = append(payload, stored...)
		return me
	}

	m := manifest{Name: b.Name}
	for _, e := range b.Entries {
		m.Entries = append(m.Entries, add(e))
	}
	if len(b.Groups) > 0 {
		page := manifestPage{}
		for _, g := range b.Groups {
			mg := manifestGroup{Name: g.Name, Selection: "single"}
			if g.Multi {
				mg.Selection = "multi"
			}
			for _, o := range g.Options {
				mo := manifestOption{Name: o.Name, Entries: []manifestEntry{}}
				for _, e := range o.Entries {
					mo.Entries = append(mo.Entries, add(e))
				}
				mg.Options = append(mg.Options, mo)
			}
			page.Groups = append(page.Groups, mg)
		}
		m.Pages = []manifestPage{page}
	}
	if m.Entries == nil {
		m.Entries = []manifestEntry{}
	}

	data, err := json.MarshalIndent(m, "", "  ")
	require.NoError(tb, err)
	data = append([]byte("// written by testutil\n"), data...)
	require.NoError(tb, os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o644))
	require.NoError(tb, os.WriteFile(filepath.Join(dir, "payload.bin"), payload, 0o644))
	if b.Disabled {
		require.NoError(tb, os.WriteFile(filepath.Join(dir, "disable"), nil, 0o644))
	}
	if b.Choices != "" {
		require.NoError(tb, os.WriteFile(filepath.Join(dir, "choices.json"), []byte(b.Choices), 0o644))
	}
	return dir
}

// WriteFile writes content to dir/rel, creating parent directories.
func WriteFile(tb testing.TB, dir, rel string, content []byte) string {
	tb.Helper()

	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(tb, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(tb, os.WriteFile(path, content, 0o644))
	return path
}
