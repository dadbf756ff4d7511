// Package metaedit stages edits that several bundles apply to shared
// metadata files.
//
// A metadata edit document lists byte patches per target file. Documents
// from every enabled bundle are replayed into a fresh Set on each
// reflection pass; the Set loads each target's base content once, applies
// the patches in replay order and commits one synthesized provider per
// touched target.
package metaedit

import (
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/meigma/vpack/archive"
	"github.com/meigma/vpack/pathspec"
	"github.com/meigma/vpack/provider"
)

// ErrMetadataEdit is returned when an edit is malformed or patches bytes
// its target does not contain.
var ErrMetadataEdit = errors.New("metaedit: invalid edit")

// Document is a metadata edit document.
type Document struct {
	Edits []Edit `yaml:"edits"`
}

// Edit patches one target file.
type Edit struct {
	Target  string  `yaml:"target"`
	Patches []Patch `yaml:"patches"`
}

// Patch overwrites bytes of the target at Offset.
type Patch struct {
	Offset int64 `yaml:"offset"`
	Data   Hex   `yaml:"data"`
}

// Hex is a byte string written as hexadecimal digits. Whitespace between
// digits is ignored.
type Hex []byte

// UnmarshalYAML implements yaml.Unmarshaler.
func (h *Hex) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	b, err := hex.DecodeString(strings.Join(strings.Fields(s), ""))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*h = b
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (h Hex) MarshalYAML() (any, error) {
	return hex.EncodeToString(h), nil
}

// Parse decodes a metadata edit document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetadataEdit, err)
	}
	for i, e := range doc.Edits {
		if pathspec.Clean(e.Target) == "" {
			return nil, fmt.Errorf("%w: edit %d has no target", ErrMetadataEdit, i)
		}
	}
	return &doc, nil
}

// Targets returns the cleaned target paths of d in document order.
func (d *Document) Targets() []string {
	var out []string
	for _, e := range d.Edits {
		out = append(out, pathspec.Clean(e.Target))
	}
	return out
}

// Loader returns the content an edit target has before any edit of the
// current pass is applied.
type Loader func(spec pathspec.Spec) ([]byte, error)

// Kind returns the metadata kind of a target: its lowercase extension.
func Kind(target string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(target), "."))
}

// Accumulator holds the edited copies of every target of one metadata
// kind.
type Accumulator struct {
	kind    string
	targets map[string]*target
	order   []string
}

type target struct {
	spec    pathspec.Spec
	content []byte
}

// Kind returns the metadata kind the accumulator holds.
func (a *Accumulator) Kind() string { return a.kind }

// Set holds one Accumulator per metadata kind.
type Set struct {
	load  Loader
	kinds map[string]*Accumulator
}

// NewSet returns an empty Set loading base content through load.
func NewSet(load Loader) *Set {
	return &Set{load: load, kinds: make(map[string]*Accumulator)}
}

// Apply replays every edit of doc. An edit that cannot be applied is
// skipped without touching its target; the returned error joins the
// reasons, each wrapping ErrMetadataEdit.
func (s *Set) Apply(doc *Document) error {
	var errs []error
	for _, e := range doc.Edits {
		if err := s.apply(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Set) apply(e Edit) error {
	spec := pathspec.New(e.Target)
	kind := Kind(spec.Path)
	acc, ok := s.kinds[kind]
	if !ok {
		acc = &Accumulator{kind: kind, targets: make(map[string]*target)}
		s.kinds[kind] = acc
	}
	key := pathspec.Fold(spec.Path)
	t, ok := acc.targets[key]
	if !ok {
		content, err := s.load(spec)
		if err != nil {
			return fmt.Errorf("%w: %s: load base: %v", ErrMetadataEdit, spec.Path, err)
		}
		t = &target{spec: spec, content: slices.Clone(content)}
	}
	for _, p := range e.Patches {
		size := int64(len(t.content))
		if p.Offset < 0 || p.Offset > size || int64(len(p.Data)) > size-p.Offset {
			return fmt.Errorf("%w: %s: patch of %d bytes at %d outside %d bytes of content",
				ErrMetadataEdit, spec.Path, len(p.Data), p.Offset, len(t.content))
		}
	}
	for _, p := range e.Patches {
		copy(t.content[p.Offset:], p.Data)
	}
	if !ok {
		acc.targets[key] = t
		acc.order = append(acc.order, key)
	}
	return nil
}

// Kinds returns the accumulators in kind order.
func (s *Set) Kinds() []*Accumulator {
	keys := make([]string, 0, len(s.kinds))
	for k := range s.kinds {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]*Accumulator, len(keys))
	for i, k := range keys {
		out[i] = s.kinds[k]
	}
	return out
}

// Commit returns one synthesized provider per edited target, encoded with
// c, in kind order then first-edit order.
func (s *Set) Commit(c archive.Compression) ([]provider.Provider, error) {
	var out []provider.Provider
	for _, acc := range s.Kinds() {
		for _, key := range acc.order {
			t := acc.targets[key]
			p, err := provider.NewSynthesized(t.spec, t.content, c)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
	}
	return out, nil
}
