package provider

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/vpack/archive"
	"github.com/meigma/vpack/pathspec"
)

func memory(t *testing.T, path, content string) *Memory {
	t.Helper()
	block, err := archive.EncodeBlock([]byte(content), archive.CompressionNone)
	require.NoError(t, err)
	m, err := NewMemory(pathspec.New(path), "memory:"+content, block)
	require.NoError(t, err)
	return m
}

func TestLooseUncompressed(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "model.mdl")
	content := bytes.Repeat([]byte("loose"), 40)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	l, err := NewLoose(pathspec.New("chara/model.mdl"), path, nil)
	require.NoError(t, err)
	assert.Equal(t, KindLoose, l.Kind())
	assert.Equal(t, int64(archive.Align(archive.BlockHeaderSize+200)), l.Size())

	got, err := ReadContent(l)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// A read spanning header, payload and padding.
	buf := make([]byte, l.Size())
	n, err := l.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, content, buf[archive.BlockHeaderSize:archive.BlockHeaderSize+200])
	assert.Zero(t, buf[len(buf)-1])

	n, err = l.ReadAt(buf, l.Size()-10)
	assert.Equal(t, 10, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestLooseCompressed(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tex.tex")
	content := bytes.Repeat([]byte("a"), 4096)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	enc, err := archive.NewEncoder(archive.CompressionZstd)
	require.NoError(t, err)
	defer enc.Close()

	l, err := NewLoose(pathspec.New("ui/tex.tex"), path, enc)
	require.NoError(t, err)
	assert.Less(t, l.Size(), int64(len(content)))

	got, err := ReadContent(l)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

type mapCache struct {
	mu     sync.Mutex
	blocks map[string][]byte
	gets   int
}

func (c *mapCache) Get(key []byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	b, ok := c.blocks[string(key)]
	return b, ok
}

func (c *mapCache) Put(key, block []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blocks == nil {
		c.blocks = make(map[string][]byte)
	}
	c.blocks[string(key)] = block
	return nil
}

func TestLooseBlockCache(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tex.tex")
	content := bytes.Repeat([]byte("b"), 4096)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	enc, err := archive.NewEncoder(archive.CompressionZstd)
	require.NoError(t, err)
	defer enc.Close()

	c := &mapCache{}
	first, err := NewLoose(pathspec.New("ui/tex.tex"), path, enc, WithBlockCache(c))
	require.NoError(t, err)
	require.Len(t, c.blocks, 1)

	// Same size and modification time: the cached block is served without
	// reading the file.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("c"), 4096), 0o644))
	require.NoError(t, os.Chtimes(path, info.ModTime(), info.ModTime()))
	second, err := NewLoose(pathspec.New("ui/tex.tex"), path, enc, WithBlockCache(c))
	require.NoError(t, err)
	assert.Equal(t, first.ID(), second.ID())
	assert.Equal(t, first.Size(), second.Size())
	got, err := ReadContent(second)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, 2, c.gets)
}

func TestLooseRejectsDirectory(t *testing.T) {
	t.Parallel()

	_, err := NewLoose(pathspec.New("ui"), t.TempDir(), nil)
	require.Error(t, err)
}

func TestBundleRange(t *testing.T) {
	t.Parallel()

	payload := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(payload, []byte("xxxxHELLOyyyy"), 0o644))

	b := NewBundle(pathspec.New("bgcommon/tex.tex"), payload, 4, archive.CompressionNone, 5, 5)
	got, err := ReadContent(b)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(got))
	assert.NotEqual(t, b.ID(), NewBundle(b.Spec(), payload, 0, archive.CompressionNone, 4, 4).ID())
}

func TestSynthesizedFingerprint(t *testing.T) {
	t.Parallel()

	spec := pathspec.New("exd/root.exl")
	a, err := NewSynthesized(spec, []byte("edited"), archive.CompressionZstd)
	require.NoError(t, err)
	b, err := NewSynthesized(spec, []byte("edited"), archive.CompressionNone)
	require.NoError(t, err)
	c, err := NewSynthesized(spec, []byte("other"), archive.CompressionNone)
	require.NoError(t, err)

	assert.Equal(t, KindSynthesized, a.Kind())
	assert.Equal(t, a.ID(), b.ID())
	assert.NotEqual(t, a.ID(), c.ID())

	got, err := ReadContent(a)
	require.NoError(t, err)
	assert.Equal(t, "edited", string(got))
}

func TestNewMemoryRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := NewMemory(pathspec.New("a"), "x", []byte("garbage"))
	require.ErrorIs(t, err, archive.ErrArchiveParse)
}

func TestSwappable(t *testing.T) {
	t.Parallel()

	base := memory(t, "sound/voice/vo_battle/a.scd", "original")
	big := memory(t, "sound/voice/vo_battle/a.scd", string(bytes.Repeat([]byte("b"), 300)))
	s := NewSwappable(base, big.Size())

	assert.Equal(t, big.Size(), s.Size())
	assert.False(t, s.Overridden())
	assert.Equal(t, base.ID(), s.ID())

	got, err := ReadContent(s)
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))

	// Padding past the bound block reads as zeros.
	buf := make([]byte, s.Size())
	n, err := s.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, int(s.Size()), n)
	assert.Equal(t, make([]byte, s.Size()-base.Size()), buf[base.Size():])

	require.True(t, s.Swap(big))
	assert.True(t, s.Overridden())
	got, err = ReadContent(s)
	require.NoError(t, err)
	assert.Len(t, got, 300)

	huge := memory(t, "x", string(bytes.Repeat([]byte("h"), 1000)))
	assert.False(t, s.Swap(huge))
	assert.Equal(t, big.ID(), s.ID())

	require.True(t, s.Swap(nil))
	assert.Same(t, base, s.Current())
}

func TestSwappableReadsNeverTear(t *testing.T) {
	t.Parallel()

	a := memory(t, "bgcommon/tex.tex", string(bytes.Repeat([]byte("A"), 500)))
	b := memory(t, "bgcommon/tex.tex", string(bytes.Repeat([]byte("B"), 500)))
	s := NewSwappable(a, b.Size())

	wantA, err := ReadBlock(a)
	require.NoError(t, err)
	wantB, err := ReadBlock(b)
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				s.Swap(b)
			} else {
				s.Swap(nil)
			}
		}
	}()

	for range 2000 {
		got, err := ReadBlock(s)
		require.NoError(t, err)
		if !bytes.Equal(got, wantA) && !bytes.Equal(got, wantB) {
			close(stop)
			wg.Wait()
			t.Fatalf("torn read: %q", got[archive.BlockHeaderSize:archive.BlockHeaderSize+16])
		}
	}
	close(stop)
	wg.Wait()
}
