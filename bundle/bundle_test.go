package bundle

import (
	"bytes"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/vpack/internal/testutil"
	"github.com/meigma/vpack/provider"
)

func sampleBundle() testutil.Bundle {
	return testutil.Bundle{
		Name: "Sample",
		Entries: []testutil.BundleEntry{
			{Path: "bgcommon/tex.tex", Content: []byte("base")},
			{Path: "chara/model.mdl", Content: bytes.Repeat([]byte("z"), 2048), Compression: "zstd"},
		},
		Groups: []testutil.BundleGroup{
			{Name: "Color", Options: []testutil.BundleOption{
				{Name: "Red", Entries: []testutil.BundleEntry{{Path: "ui/red.tex", Content: []byte("red")}}},
				{Name: "Blue", Entries: []testutil.BundleEntry{{Path: "ui/blue.tex", Content: []byte("blue")}}},
			}},
			{Name: "Extras", Multi: true, Options: []testutil.BundleOption{
				{Name: "Hat", Entries: []testutil.BundleEntry{{Path: "ui/hat.tex", Content: []byte("hat")}}},
				{Name: "Cape", Entries: []testutil.BundleEntry{{Path: "ui/cape.tex", Content: []byte("cape")}}},
			}},
		},
	}
}

func paths(b *Bundle) []string {
	var out []string
	for e := range b.EffectiveEntries() {
		out = append(out, e.Path)
	}
	return out
}

func TestOpenAndRead(t *testing.T) {
	t.Parallel()

	b, err := Open(testutil.WriteBundle(t, t.TempDir(), sampleBundle()))
	require.NoError(t, err)

	assert.Equal(t, "Sample", b.Name())
	assert.Equal(t, []string{"bgcommon/tex.tex", "chara/model.mdl", "ui/red.tex"}, paths(b))

	for e := range b.EffectiveEntries() {
		got, err := b.ReadEntry(e)
		require.NoError(t, err)
		p, err := b.Provider(e)
		require.NoError(t, err)
		viaProvider, err := provider.ReadContent(p)
		require.NoError(t, err)
		assert.Equal(t, got, viaProvider, e.Path)
	}

	model := b.Manifest().Entries[1]
	got, err := b.ReadEntry(model)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("z"), 2048), got)
	assert.Less(t, model.Size, uint64(2048))
}

func TestOpenFailures(t *testing.T) {
	t.Parallel()

	dir := testutil.WriteBundle(t, t.TempDir(), sampleBundle())
	require.NoError(t, os.Remove(filepath.Join(dir, PayloadFile)))
	_, err := Open(dir)
	require.ErrorIs(t, err, ErrBundleLoad)

	dir = testutil.WriteBundle(t, t.TempDir(), sampleBundle())
	require.NoError(t, os.WriteFile(filepath.Join(dir, PayloadFile), []byte("short"), 0o644))
	_, err = Open(dir)
	require.ErrorIs(t, err, ErrBundleLoad)

	dir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte("{not json"), 0o644))
	_, err = Open(dir)
	require.ErrorIs(t, err, ErrBundleLoad)

	dir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(`{"entries":[{"path":"a/b","compression":"brotli"}]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, PayloadFile), nil, 0o644))
	_, err = Open(dir)
	require.ErrorIs(t, err, ErrBundleLoad)

	// Ranges that wrap around when offset and size are added.
	for _, entry := range []string{
		`{"path":"a/b","offset":1,"size":18446744073709551615}`,
		`{"path":"a/b","offset":9223372036854775807,"size":2}`,
		`{"path":"a/b","offset":0,"size":17}`,
	} {
		dir = t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(`{"entries":[`+entry+`]}`), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, PayloadFile), bytes.Repeat([]byte("p"), 16), 0o644))
		_, err = Open(dir)
		require.ErrorIs(t, err, ErrBundleLoad, entry)
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	manifest := `{
		// digests are optional
		"entries": [
			{"path": "ui/a.tex", "offset": 0, "size": 3, "digest": "` + digest.FromString("abc").String() + `"},
			{"path": "ui/b.tex", "offset": 3, "size": 3, "digest": "` + digest.FromString("xyz").String() + `"},
		],
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, PayloadFile), []byte("abcdef"), 0o644))

	b, err := Open(dir)
	require.NoError(t, err)
	err = b.Verify()
	require.ErrorIs(t, err, ErrBundleLoad)
	assert.Contains(t, err.Error(), "ui/b.tex")
	assert.NotContains(t, err.Error(), "ui/a.tex")
}

func TestFixChoices(t *testing.T) {
	t.Parallel()

	b, err := Open(testutil.WriteBundle(t, t.TempDir(), sampleBundle()))
	require.NoError(t, err)
	m := b.Manifest()

	tests := []struct {
		name string
		doc  string
		want Choices
	}{
		{"missing", ``, Choices{{{0}, {}}}},
		{"malformed", `{oops`, Choices{{{0}, {}}}},
		{"valid", `[[[1], [0, 1]]]`, Choices{{{1}, {0, 1}}}},
		{"clamped", `[[[9], [5, 5, 0]]]`, Choices{{{1}, {0, 1}}}},
		{"non-numbers", `[[["red"], [null, 1]]]`, Choices{{{0}, {0, 1}}}},
		{"bare number", `[[1, 1]]`, Choices{{{1}, {1}}}},
		{"single keeps one", `[[[1, 0], []]]`, Choices{{{0}, {}}}},
		{"extra pages ignored", `[[[1]], [[0]]]`, Choices{{{1}, {}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ParseChoices([]byte(tt.doc), m))
		})
	}
}

func TestChoicesSelectEntries(t *testing.T) {
	t.Parallel()

	b := sampleBundle()
	b.Choices = `[[[1], [1, 0]]]`
	opened, err := Open(testutil.WriteBundle(t, t.TempDir(), b))
	require.NoError(t, err)
	assert.Equal(t, []string{"bgcommon/tex.tex", "chara/model.mdl", "ui/blue.tex", "ui/hat.tex", "ui/cape.tex"}, paths(opened))
}

func writeTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	one := func(name, path string) testutil.Bundle {
		return testutil.Bundle{Name: name, Entries: []testutil.BundleEntry{{Path: path, Content: []byte(name)}}}
	}
	testutil.WriteBundle(t, filepath.Join(root, "zeta"), one("zeta", "ui/z.tex"))
	testutil.WriteBundle(t, filepath.Join(root, "alpha"), one("alpha", "ui/a.tex"))
	testutil.WriteBundle(t, filepath.Join(root, "gear", "hat"), one("hat", "ui/h.tex"))
	testutil.WriteBundle(t, filepath.Join(root, "gear", "cape"), one("cape", "ui/c.tex"))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty", "deeper"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "broken"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "broken", ManifestFile), []byte(`{"entries":[]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, OrderFile), []byte(`{"zeta": 0, /* gear next */ "Gear": 1}`), 0o644))
	return root
}

func bundleNames(t *Tree, enabledOnly bool) []string {
	var out []string
	for n := range t.Bundles(enabledOnly) {
		out = append(out, n.Path)
	}
	return out
}

func TestScan(t *testing.T) {
	t.Parallel()

	root := writeTree(t)
	tree := Scan([]string{root}, nil)

	assert.Equal(t, []string{"zeta", "gear/cape", "gear/hat", "alpha"}, bundleNames(tree, false))

	_, ok := tree.FindByPath("empty")
	assert.False(t, ok, "empty folders are removed")
	_, ok = tree.FindByPath("broken")
	assert.False(t, ok, "bundles without payload are skipped")

	id, ok := tree.FindByPath("GEAR")
	require.True(t, ok)
	assert.False(t, tree.Node(id).IsBundle())
}

func TestScanSkipsDuplicatesAcrossRoots(t *testing.T) {
	t.Parallel()

	first := writeTree(t)
	second := t.TempDir()
	testutil.WriteBundle(t, filepath.Join(second, "alpha"), testutil.Bundle{Name: "other alpha"})
	testutil.WriteBundle(t, filepath.Join(second, "beta"), testutil.Bundle{Name: "beta"})

	tree := Scan([]string{first, second}, nil)
	id, ok := tree.FindByPath("alpha")
	require.True(t, ok)
	assert.Equal(t, "alpha", tree.Node(id).Bundle.Name())
	_, ok = tree.FindByPath("beta")
	assert.True(t, ok)
}

func TestDisabledFolderHidesDescendants(t *testing.T) {
	t.Parallel()

	root := writeTree(t)
	tree := Scan([]string{root}, nil)
	all := bundleNames(tree, true)

	require.NoError(t, tree.SetEnabled("gear", false))
	assert.Equal(t, []string{"zeta", "alpha"}, bundleNames(tree, true))
	assert.FileExists(t, filepath.Join(root, "gear", DisableFile))

	// The marker survives a rescan.
	rescanned := Scan([]string{root}, nil)
	assert.Equal(t, []string{"zeta", "alpha"}, bundleNames(rescanned, true))

	require.NoError(t, tree.SetEnabled("gear", true))
	assert.Equal(t, all, bundleNames(tree, true))
	assert.NoFileExists(t, filepath.Join(root, "gear", DisableFile))

	assert.ErrorIs(t, tree.SetEnabled("nope", true), ErrNotFound)
	assert.Error(t, tree.SetEnabled("", false))
}

func TestSetChoicePersists(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	testutil.WriteBundle(t, filepath.Join(root, "sample"), sampleBundle())
	tree := Scan([]string{root}, nil)

	snapshot := tree.Clone()
	require.NoError(t, tree.SetChoice("sample", 0, 1, []int{1, 7}))

	id, _ := tree.FindByPath("sample")
	assert.Equal(t, Choices{{{0}, {1}}}, tree.Node(id).Bundle.Choices())
	// Snapshots keep the selection they were taken with.
	assert.Equal(t, Choices{{{0}, {}}}, snapshot.Node(id).Bundle.Choices())

	reopened, err := Open(filepath.Join(root, "sample"))
	require.NoError(t, err)
	assert.Equal(t, Choices{{{0}, {1}}}, reopened.Choices())

	assert.ErrorIs(t, tree.SetChoice("sample", 3, 0, nil), ErrNotFound)
	assert.ErrorIs(t, tree.SetChoice("missing", 0, 0, nil), ErrNotFound)
}

func TestTreeAddRemove(t *testing.T) {
	t.Parallel()

	tree := NewTree()
	id := tree.Add("Folder/Sub/Leaf")
	assert.Equal(t, 4, tree.Len())
	assert.Equal(t, "Leaf", tree.Node(id).Name)
	assert.Equal(t, "Folder/Sub/Leaf", tree.Node(id).Path)
	assert.Equal(t, id, tree.Add("folder/sub/leaf"))

	var visited []string
	for n := range tree.Traverse(false) {
		visited = append(visited, n.Path)
	}
	assert.Equal(t, []string{"", "Folder", "Folder/Sub", "Folder/Sub/Leaf"}, visited)

	assert.True(t, tree.Remove("folder/sub"))
	assert.False(t, tree.Remove("folder/sub/leaf"))
	assert.Nil(t, tree.Node(id))
	assert.Equal(t, 2, tree.Len())

	tree.RemoveEmptyFolders()
	assert.Equal(t, 1, tree.Len())
	assert.False(t, tree.Remove(""))
	assert.True(t, slices.Equal([]NodeID(nil), tree.Node(Root).Children))
}
