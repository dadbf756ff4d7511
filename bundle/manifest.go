package bundle

import (
	"encoding/json"
	"fmt"
	"iter"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/tidwall/jsonc"

	"github.com/meigma/vpack/archive"
	"github.com/meigma/vpack/pathspec"
)

// File names inside a bundle or folder directory.
const (
	ManifestFile = "manifest.json"
	PayloadFile  = "payload.bin"
	DisableFile  = "disable"
	ChoicesFile  = "choices.json"
	OrderFile    = "order.json"
)

// MetadataEditExt marks entries holding metadata edit documents.
const MetadataEditExt = ".meta"

// Manifest describes the content of a bundle.
type Manifest struct {
	Name        string  `json:"name"`
	Author      string  `json:"author,omitempty"`
	Version     string  `json:"version,omitempty"`
	Description string  `json:"description,omitempty"`
	Entries     []Entry `json:"entries"`
	Pages       []Page  `json:"pages,omitempty"`
}

// Entry is one file a bundle provides.
type Entry struct {
	// Path is the asset path the entry replaces or adds.
	Path string `json:"path"`
	// Archive optionally names the archive stem (e.g. "040000") the entry
	// belongs to. By default the archive is derived from Path.
	Archive string `json:"archive,omitempty"`
	// Offset and Size locate the stored bytes in the payload file.
	Offset int64  `json:"offset"`
	Size   uint64 `json:"size"`
	// RawSize is the decoded size. Zero means Size for stored entries.
	RawSize     uint64 `json:"raw_size,omitempty"`
	Compression string `json:"compression,omitempty"`
	// Digest optionally records the digest of the decoded content.
	Digest digest.Digest `json:"digest,omitempty"`
}

// IsMetadataEdit reports whether the entry is a metadata edit document
// rather than replacement content.
func (e Entry) IsMetadataEdit() bool {
	return strings.HasSuffix(strings.ToLower(e.Path), MetadataEditExt)
}

// Spec returns the identity of the entry's target.
func (e Entry) Spec() pathspec.Spec {
	return pathspec.New(e.Path)
}

// Key returns the archive the entry targets.
func (e Entry) Key() (pathspec.Key, bool) {
	if e.Archive != "" {
		name, ok := pathspec.ParseArchiveName(e.Archive + ".index")
		if !ok {
			return pathspec.Key{}, false
		}
		return name.Key, true
	}
	return pathspec.ArchiveFor(e.Path)
}

// Part returns the archive part that receives the entry when the archive
// does not already contain its path.
func (e Entry) Part() uint8 {
	if name, ok := pathspec.ParseArchiveName(e.Archive + ".index"); ok {
		return name.Part
	}
	return 0
}

// header returns the block header of the stored bytes.
func (e Entry) header() (archive.BlockHeader, error) {
	c, err := archive.ParseCompression(e.Compression)
	if err != nil {
		return archive.BlockHeader{}, err
	}
	raw := e.RawSize
	if raw == 0 || c == archive.CompressionNone {
		raw = e.Size
	}
	return archive.NewBlockHeader(c, e.Size, raw), nil
}

// Selection is the selection mode of an option group.
type Selection string

const (
	SelectSingle Selection = "single"
	SelectMulti  Selection = "multi"
)

// Page is a set of option groups.
type Page struct {
	Name   string  `json:"name,omitempty"`
	Groups []Group `json:"groups"`
}

// Group is a set of options the user chooses from.
type Group struct {
	Name      string    `json:"name"`
	Selection Selection `json:"selection"`
	Options   []Option  `json:"options"`
}

// Multi reports whether several options may be selected at once.
func (g Group) Multi() bool {
	return strings.EqualFold(string(g.Selection), string(SelectMulti))
}

// Option is one selectable set of entries.
type Option struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Entries     []Entry `json:"entries"`
}

// ParseManifest parses a manifest document. Comments and trailing commas
// are allowed.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(jsonc.ToJSON(data), &m); err != nil {
		return nil, fmt.Errorf("%w: parse manifest: %v", ErrBundleLoad, err)
	}
	check := func(e Entry) error {
		if pathspec.Clean(e.Path) == "" {
			return fmt.Errorf("%w: entry without path", ErrBundleLoad)
		}
		if e.Offset < 0 {
			return fmt.Errorf("%w: %s: negative offset", ErrBundleLoad, e.Path)
		}
		if e.Size > math.MaxInt64-uint64(e.Offset) {
			return fmt.Errorf("%w: %s: range overflows", ErrBundleLoad, e.Path)
		}
		if _, err := archive.ParseCompression(e.Compression); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrBundleLoad, e.Path, err)
		}
		return nil
	}
	for e := range m.AllEntries() {
		if err := check(e); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// ReadManifest reads the manifest of the bundle at dir.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBundleLoad, err)
	}
	return ParseManifest(data)
}

// AllEntries iterates base entries and every option's entries.
func (m *Manifest) AllEntries() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, e := range m.Entries {
			if !yield(e) {
				return
			}
		}
		for _, p := range m.Pages {
			for _, g := range p.Groups {
				for _, o := range g.Options {
					for _, e := range o.Entries {
						if !yield(e) {
							return
						}
					}
				}
			}
		}
	}
}
