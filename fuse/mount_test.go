package fuse

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/meigma/vpack"
	"github.com/meigma/vpack/archive"
	"github.com/meigma/vpack/handle"
	"github.com/meigma/vpack/internal/testutil"
	"github.com/meigma/vpack/pathspec"
)

// fakeOverlay serves one stream for the path it is given.
type fakeOverlay struct {
	path    string
	content []byte

	mu     sync.Mutex
	open   map[handle.ID]bool
	next   handle.ID
	offers []vpack.OpenRequest
}

func (f *fakeOverlay) OnOpenCandidate(_ context.Context, req vpack.OpenRequest) (handle.ID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, req)
	if req.Path != f.path {
		return 0, false
	}
	if f.open == nil {
		f.open = make(map[handle.ID]bool)
	}
	f.next++
	f.open[f.next] = true
	return f.next, true
}

func (f *fakeOverlay) OnRead(id handle.ID, off int64, p []byte) (int, int64, error) {
	if off >= int64(len(f.content)) {
		return 0, off, nil
	}
	n := copy(p, f.content[off:])
	return n, off + int64(n), nil
}

func (f *fakeOverlay) OnSize(handle.ID) (int64, error) {
	return int64(len(f.content)), nil
}

func (f *fakeOverlay) OnClose(id handle.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	was := f.open[id]
	delete(f.open, id)
	return was
}

func readAll(t *testing.T, fh interface {
	Read(context.Context, []byte, int64) (fuse.ReadResult, syscall.Errno)
}, size int) []byte {
	t.Helper()
	buf := make([]byte, size+16)
	rr, errno := fh.Read(context.Background(), buf, 0)
	require.Zero(t, errno)
	got, status := rr.Bytes(buf)
	require.True(t, status.Ok())
	return got
}

func TestOpenRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		flags       int
		access      vpack.Access
		disposition vpack.Disposition
	}{
		{unix.O_RDONLY, vpack.AccessRead, vpack.DispositionOpenExisting},
		{unix.O_WRONLY, vpack.AccessWrite, vpack.DispositionOpenExisting},
		{unix.O_RDWR, vpack.AccessRead | vpack.AccessWrite, vpack.DispositionOpenExisting},
		{unix.O_RDONLY | unix.O_TRUNC, vpack.AccessRead, vpack.DispositionTruncateExisting},
		{unix.O_WRONLY | unix.O_CREAT, vpack.AccessWrite, vpack.DispositionOpenAlways},
		{unix.O_WRONLY | unix.O_CREAT | unix.O_TRUNC, vpack.AccessWrite, vpack.DispositionCreateAlways},
		{unix.O_WRONLY | unix.O_CREAT | unix.O_EXCL, vpack.AccessWrite, vpack.DispositionCreateNew},
	}
	for _, tt := range tests {
		req := openRequest("/x", uint32(tt.flags)) //nolint:gosec // open flags
		assert.Equal(t, tt.access, req.Access, "flags %#o", tt.flags)
		assert.Equal(t, tt.disposition, req.Disposition, "flags %#o", tt.flags)
	}
}

func TestFileOpen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archivePath := filepath.Join(dir, "000000.win32.index")
	plainPath := filepath.Join(dir, "readme.txt")
	require.NoError(t, os.WriteFile(archivePath, []byte("native index"), 0o644))
	require.NoError(t, os.WriteFile(plainPath, []byte("plain file"), 0o644))

	ov := &fakeOverlay{path: archivePath, content: []byte("overlay stream, longer than native")}
	opts := &Options{Overlay: ov, Logger: slog.New(slog.DiscardHandler)}

	served := &fileNode{options: opts, path: archivePath}
	fh, flags, errno := served.Open(context.Background(), uint32(unix.O_RDONLY))
	require.Zero(t, errno)
	assert.Equal(t, uint32(fuse.FOPEN_DIRECT_IO), flags)
	of, ok := fh.(*overlayFile)
	require.True(t, ok)
	assert.Equal(t, ov.content, readAll(t, of, len(ov.content)))

	var attr fuse.AttrOut
	require.Zero(t, served.Getattr(context.Background(), fh, &attr))
	assert.Equal(t, uint64(len(ov.content)), attr.Size)
	assert.Zero(t, attr.Mode&0o222, "mirror is read-only")
	require.Zero(t, of.Release(context.Background()))
	assert.Empty(t, ov.open)

	plain := &fileNode{options: opts, path: plainPath}
	fh, flags, errno = plain.Open(context.Background(), uint32(unix.O_RDONLY))
	require.Zero(t, errno)
	assert.Zero(t, flags)
	reader, ok := fh.(interface {
		Read(context.Context, []byte, int64) (fuse.ReadResult, syscall.Errno)
	})
	require.True(t, ok)
	assert.Equal(t, "plain file", string(readAll(t, reader, 10)))
	if r, ok := fh.(interface{ Release(context.Context) syscall.Errno }); ok {
		r.Release(context.Background())
	}

	_, _, errno = served.Open(context.Background(), uint32(unix.O_RDWR))
	assert.Equal(t, syscall.EROFS, errno)
	assert.Len(t, ov.offers, 2, "writes are refused before the overlay sees them")
}

func TestMountValidatesOptions(t *testing.T) {
	t.Parallel()

	_, err := Mount(Options{Overlay: &fakeOverlay{}})
	assert.Error(t, err)
	_, err = Mount(Options{Mountpoint: t.TempDir()})
	assert.Error(t, err)
	_, err = Mount(Options{Mountpoint: t.TempDir(), Source: filepath.Join(t.TempDir(), "missing"), Overlay: &fakeOverlay{}})
	assert.Error(t, err)
}

// fuseAvailable skips tests that need a real mount when /dev/fuse is
// absent.
func fuseAvailable(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
}

func TestMountServesOverlay(t *testing.T) {
	fuseAvailable(t)

	root := t.TempDir()
	sqpack := filepath.Join(root, "sqpack")
	testutil.WriteArchive(t, filepath.Join(sqpack, "ffxiv"), "010000.win32", map[string][]byte{
		"bgcommon/tex.tex": []byte("original tex"),
	})
	testutil.WriteFile(t, filepath.Join(root, "data", "replacements"), "bgcommon/tex.tex", []byte("replaced tex"))
	testutil.WriteFile(t, root, "game.ver", []byte("2026.10.01"))

	o, err := vpack.New(sqpack, vpack.WithDataDir(filepath.Join(root, "data")), vpack.WithReflectDebounce(time.Hour))
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() { _ = o.Close() })

	mountpoint := filepath.Join(root, "mnt")
	server, err := Mount(Options{Mountpoint: mountpoint, Source: root, Overlay: o})
	if err != nil {
		t.Skipf("skipping: mount failed: %v", err)
	}
	t.Cleanup(func() { _ = server.Unmount() })

	ver, err := os.ReadFile(filepath.Join(mountpoint, "game.ver"))
	require.NoError(t, err)
	assert.Equal(t, "2026.10.01", string(ver))

	copied := t.TempDir()
	for _, name := range []string{"010000.win32.index", "010000.win32.index2", "010000.win32.dat0"} {
		data, err := os.ReadFile(filepath.Join(mountpoint, "sqpack", "ffxiv", name))
		require.NoError(t, err, name)
		require.NoError(t, os.WriteFile(filepath.Join(copied, name), data, 0o644))
	}
	a, err := archive.Open(filepath.Join(copied, "010000.win32.index"))
	require.NoError(t, err)
	defer a.Close()
	e, ok := a.Lookup(pathspec.New("bgcommon/tex.tex"))
	require.True(t, ok)
	got, err := a.ReadContent(e)
	require.NoError(t, err)
	assert.Equal(t, "replaced tex", string(got))

	err = os.WriteFile(filepath.Join(mountpoint, "game.ver"), []byte("x"), 0o644)
	assert.Error(t, err)
}
