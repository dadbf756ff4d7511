package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/vpack/internal/testutil"
)

type env struct {
	root   string
	sqpack string
	data   string
	config string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	e := &env{
		root:   root,
		sqpack: filepath.Join(root, "game", "sqpack"),
		data:   filepath.Join(root, "data"),
		config: filepath.Join(root, "vpack.yaml"),
	}
	require.NoError(t, os.MkdirAll(e.sqpack, 0o755))
	cfg := fmt.Sprintf("game_dir: %s\ndata_dir: %s\nlog:\n  level: error\n", e.sqpack, e.data)
	require.NoError(t, os.WriteFile(e.config, []byte(cfg), 0o600))
	return e
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(append([]string{"--config", e.config}, args...), &stdout, &stderr)
	return stdout.String(), err
}

func TestPackVerifyExtract(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	src := filepath.Join(e.root, "src")
	testutil.WriteFile(t, src, "bgcommon/tex.tex", []byte("packed texture"))
	testutil.WriteFile(t, src, "bgcommon/other.tex", []byte("another texture"))

	out, err := e.run(t, "pack", "--compression", "lz4", src, filepath.Join(e.sqpack, "ffxiv"), "010000.win32")
	require.NoError(t, err)
	assert.Contains(t, out, "packed 2 files")

	out, err = e.run(t, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "ok   archive ffxiv/010000.win32.index")

	dst := filepath.Join(e.root, "tex.tex")
	_, err = e.run(t, "extract", "bgcommon/tex.tex", dst)
	require.NoError(t, err)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "packed texture", string(got))

	_, err = e.run(t, "extract", "bgcommon/missing.tex", dst)
	assert.ErrorContains(t, err, "not in any archive")
}

func TestBundleCommands(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	bundles := filepath.Join(e.data, "bundles")
	testutil.WriteBundle(t, filepath.Join(bundles, "gear", "hat"), testutil.Bundle{
		Name:    "Fancy Hat",
		Entries: []testutil.BundleEntry{{Path: "chara/equipment/e0001/model.mdl", Content: []byte("hat")}},
	})
	testutil.WriteBundle(t, filepath.Join(bundles, "colors"), testutil.Bundle{
		Name: "colors",
		Groups: []testutil.BundleGroup{{Name: "Color", Options: []testutil.BundleOption{
			{Name: "Red", Entries: []testutil.BundleEntry{{Path: "bgcommon/tex.tex", Content: []byte("red")}}},
			{Name: "Blue", Entries: []testutil.BundleEntry{{Path: "bgcommon/tex.tex", Content: []byte("blue")}}},
		}}},
	})

	out, err := e.run(t, "bundles")
	require.NoError(t, err)
	assert.Contains(t, out, "+ gear/")
	assert.Contains(t, out, "  + hat (Fancy Hat)")
	assert.Contains(t, out, "+ colors")

	_, err = e.run(t, "disable", "gear")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(bundles, "gear", "disable"))
	out, err = e.run(t, "bundles", "--enabled")
	require.NoError(t, err)
	assert.NotContains(t, out, "hat")

	_, err = e.run(t, "enable", "gear")
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(bundles, "gear", "disable"))

	_, err = e.run(t, "choose", "colors", "0", "1")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(bundles, "colors", "choices.json"))

	_, err = e.run(t, "disable", "nope")
	assert.Error(t, err)
	_, err = e.run(t, "choose", "colors", "first")
	assert.Error(t, err)

	out, err = e.run(t, "verify", "--bundles-only")
	require.NoError(t, err)
	assert.Contains(t, out, "ok   bundle colors")
}

func TestUsage(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	require.Error(t, run(nil, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "mount")
	require.Error(t, run([]string{"frobnicate"}, &stdout, &stderr))
	require.NoError(t, run([]string{"--help"}, &stdout, &stderr))
}
