package view

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/vpack/archive"
	"github.com/meigma/vpack/internal/testutil"
	"github.com/meigma/vpack/pathspec"
	"github.com/meigma/vpack/provider"
)

var files = map[string][]byte{
	"chara/equipment/e0001/model.mdl": bytes.Repeat([]byte("m"), 300),
	"chara/equipment/e0001/tex.tex":   []byte("texture"),
	"chara/human/c0101/skl.sklb":      bytes.Repeat([]byte("s"), 1000),
}

func openArchive(t *testing.T) *archive.Archive {
	t.Helper()
	path := testutil.WriteArchive(t, t.TempDir(), "040000.win32", files)
	a, err := archive.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// dump writes the composed streams of v as an archive set and opens it.
func dump(t *testing.T, v *View) *archive.Archive {
	t.Helper()
	dir := t.TempDir()
	name := v.Name()
	for _, c := range []pathspec.Component{{Data: -1}, {Index2: true, Data: -1}} {
		s, ok := v.Stream(c)
		require.True(t, ok)
		testutil.WriteStream(t, filepath.Join(dir, name.Sibling(c)), s)
	}
	for n := range v.DataFiles() {
		s, ok := v.Stream(pathspec.Component{Data: n})
		require.True(t, ok)
		testutil.WriteStream(t, filepath.Join(dir, name.Sibling(pathspec.Component{Data: n})), s)
	}
	a, err := archive.Open(filepath.Join(dir, name.Sibling(pathspec.Component{Data: -1})))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func content(t *testing.T, a *archive.Archive, path string) []byte {
	t.Helper()
	e, ok := a.Lookup(pathspec.New(path))
	require.True(t, ok, path)
	got, err := a.ReadContent(e)
	require.NoError(t, err)
	return got
}

func synth(t *testing.T, path, s string) provider.Provider {
	t.Helper()
	p, err := provider.NewSynthesized(pathspec.New(path), []byte(s), archive.CompressionNone)
	require.NoError(t, err)
	return p
}

func TestBuildWithoutCandidates(t *testing.T) {
	t.Parallel()

	a := openArchive(t)
	v := NewBuilder(a).Build()

	assert.False(t, v.HasOverrides())
	assert.Equal(t, len(files), v.Len())
	assert.Equal(t, a.DataFiles(), v.DataFiles())

	// With nothing reserved the composed data file is the native one.
	native, err := os.ReadFile(a.Path(pathspec.Component{Data: 0}))
	require.NoError(t, err)
	s, ok := v.Stream(pathspec.Component{Data: 0})
	require.True(t, ok)
	assert.Equal(t, native, testutil.ReadAll(t, s))

	got := dump(t, v)
	for path, want := range files {
		assert.Equal(t, want, content(t, got, path))
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	t.Parallel()

	a := openArchive(t)
	build := func() *View {
		b := NewBuilder(a)
		b.Reserve(pathspec.New("chara/equipment/e0001/tex.tex"), 512)
		b.Reserve(pathspec.New("chara/new/file.bin"), 256)
		return b.Build()
	}
	x, y := build(), build()
	for _, c := range []pathspec.Component{{Data: -1}, {Index2: true, Data: -1}, {Data: 0}} {
		sx, _ := x.Stream(c)
		sy, _ := y.Stream(c)
		assert.Equal(t, testutil.ReadAll(t, sx), testutil.ReadAll(t, sy), c.String())
	}
}

func TestReserveAndSwap(t *testing.T) {
	t.Parallel()

	a := openArchive(t)
	b := NewBuilder(a)
	tex := pathspec.New("chara/equipment/e0001/tex.tex")
	added := pathspec.New("chara/new/file.bin")
	replacement := synth(t, tex.Path, string(bytes.Repeat([]byte("r"), 400)))
	b.Reserve(tex, 128)
	b.Reserve(tex, replacement.Size())
	b.Reserve(added, 128)
	assert.True(t, b.Reserved(pathspec.FromFullHash(tex.Full)))
	v := b.Build()

	require.True(t, v.HasOverrides())
	require.Len(t, v.Swappables(), 2)

	slot, ok := v.Lookup(tex)
	require.True(t, ok)
	require.NotNil(t, slot.Swappable)
	assert.False(t, slot.Added)
	assert.Equal(t, replacement.Size(), slot.Swappable.Reserved())

	addSlot, ok := v.Lookup(added)
	require.True(t, ok)
	assert.True(t, addSlot.Added)

	// Before swapping, additions are empty and replacements are original.
	got := dump(t, v)
	assert.Equal(t, []byte("texture"), content(t, got, tex.Path))
	assert.Empty(t, content(t, got, added.Path))

	require.True(t, slot.Swappable.Swap(replacement))
	require.True(t, addSlot.Swappable.Swap(synth(t, added.Path, "new")))

	got = dump(t, v)
	assert.Equal(t, bytes.Repeat([]byte("r"), 400), content(t, got, tex.Path))
	assert.Equal(t, []byte("new"), content(t, got, added.Path))
	assert.Equal(t, files["chara/human/c0101/skl.sklb"], content(t, got, "chara/human/c0101/skl.sklb"))

	// Swapping back restores the native bytes.
	slot.Swappable.Swap(nil)
	got = dump(t, v)
	assert.Equal(t, []byte("texture"), content(t, got, tex.Path))
}

func TestLookupHashOnly(t *testing.T) {
	t.Parallel()

	v := NewBuilder(openArchive(t)).Build()
	spec := pathspec.New("chara/equipment/e0001/model.mdl")

	s, ok := v.Lookup(pathspec.FromHashes(spec.Dir, spec.Name))
	require.True(t, ok)
	assert.Equal(t, spec.Path, s.Spec.Path)

	s, ok = v.Lookup(pathspec.FromFullHash(spec.Full))
	require.True(t, ok)
	assert.Equal(t, spec.Path, s.Spec.Path)

	_, ok = v.Lookup(pathspec.New("chara/missing.mdl"))
	assert.False(t, ok)
}

func TestStreamBadTarget(t *testing.T) {
	t.Parallel()

	v := NewBuilder(openArchive(t)).Build()
	_, ok := v.Stream(pathspec.Component{Data: 5})
	assert.False(t, ok)
}

func TestDataStreamReads(t *testing.T) {
	t.Parallel()

	s := &dataStream{
		size: 20,
		spans: []span{
			{off: 0, size: 4, r: bytes.NewReader([]byte("abcd"))},
			{off: 8, size: 4, r: bytes.NewReader([]byte("ef"))},
			{off: 12, size: 8, r: bytes.NewReader([]byte("ghijklmn"))},
		},
	}

	buf := make([]byte, 20)
	n, err := s.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	assert.Equal(t, []byte("abcd\x00\x00\x00\x00ef\x00\x00ghijklmn"), buf)

	n, err = s.ReadAt(buf[:6], 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("cd\x00\x00\x00\x00"), buf[:n])

	n, err = s.ReadAt(buf, 16)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []byte("klmn"), buf[:n])

	_, err = s.ReadAt(buf, 20)
	assert.ErrorIs(t, err, io.EOF)
}
