package cache

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGet(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)

	key := []byte{0xab, 0xcd, 0xef}
	_, ok := c.Get(key)
	assert.False(t, ok)

	require.NoError(t, c.Put(key, []byte("block")))
	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, "block", string(got))
	assert.FileExists(t, filepath.Join(dir, "ab", hex.EncodeToString(key)))

	// The first block stored under a key wins.
	require.NoError(t, c.Put(key, []byte("other")))
	got, _ = c.Get(key)
	assert.Equal(t, "block", string(got))
}

func TestShardDisable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir, WithShardPrefixLen(0))
	require.NoError(t, err)
	require.NoError(t, c.Put([]byte{1, 2}, []byte("flat")))
	assert.FileExists(t, filepath.Join(dir, "0102"))
}

func TestInvalid(t *testing.T) {
	t.Parallel()

	_, err := New("")
	assert.Error(t, err)
	_, err = New(t.TempDir(), WithShardPrefixLen(-1))
	assert.Error(t, err)

	c, err := New(t.TempDir())
	require.NoError(t, err)
	assert.Error(t, c.Put(nil, []byte("x")))
	_, ok := c.Get(nil)
	assert.False(t, ok)
}

func TestPrune(t *testing.T) {
	t.Parallel()

	c, err := New(t.TempDir(), WithShardPrefixLen(0))
	require.NoError(t, err)
	base := time.Now().Add(-time.Hour)
	for i := range 4 {
		key := []byte{byte(i)}
		require.NoError(t, c.Put(key, make([]byte, 100)))
		path := filepath.Join(c.Dir(), hex.EncodeToString(key))
		mod := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(path, mod, mod))
	}
	size, err := c.SizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(400), size)

	freed, err := c.Prune(250)
	require.NoError(t, err)
	assert.Equal(t, int64(200), freed)
	for i, want := range []bool{false, false, true, true} {
		_, ok := c.Get([]byte{byte(i)})
		assert.Equal(t, want, ok, "block %d", i)
	}

	freed, err = c.Prune(1000)
	require.NoError(t, err)
	assert.Zero(t, freed)
}
