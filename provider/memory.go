package provider

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/meigma/vpack/archive"
	"github.com/meigma/vpack/pathspec"
)

// Memory serves a pre-encoded block.
type Memory struct {
	spec  pathspec.Spec
	id    string
	block []byte
}

// NewMemory returns a provider serving block. The block must be a valid
// encoded entry block; id names its content.
func NewMemory(spec pathspec.Spec, id string, block []byte) (*Memory, error) {
	if _, err := archive.ParseBlockHeader(block); err != nil {
		return nil, err
	}
	return &Memory{spec: spec, id: id, block: block}, nil
}

// NewEmpty returns a provider serving an entry with no content.
func NewEmpty(spec pathspec.Spec) *Memory {
	return &Memory{spec: spec, id: "empty", block: archive.EmptyBlock()}
}

func (m *Memory) Kind() Kind          { return KindMemory }
func (m *Memory) ID() string          { return m.id }
func (m *Memory) Spec() pathspec.Spec { return m.spec }
func (m *Memory) Size() int64         { return int64(len(m.block)) }

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	return readBytes(m.block, p, off)
}

// Synthesized serves content produced at runtime, such as the result of
// metadata edits or a silent placeholder. Its ID is a fingerprint of the
// content, so re-synthesizing identical bytes never triggers a swap.
type Synthesized struct {
	Memory
}

// NewSynthesized encodes content with c.
func NewSynthesized(spec pathspec.Spec, content []byte, c archive.Compression) (*Synthesized, error) {
	block, err := archive.EncodeBlock(content, c)
	if err != nil {
		return nil, fmt.Errorf("synthesize %s: %w", spec, err)
	}
	return &Synthesized{Memory{spec: spec, id: Fingerprint(content), block: block}}, nil
}

func (s *Synthesized) Kind() Kind { return KindSynthesized }

// Fingerprint returns the content identity used for synthesized providers.
func Fingerprint(content []byte) string {
	sum := blake3.Sum256(content)
	return "synth:" + hex.EncodeToString(sum[:16])
}
