package fuse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/meigma/vpack"
	"github.com/meigma/vpack/handle"
)

// Overlay is the part of *vpack.Overlay the mount uses.
type Overlay interface {
	OnOpenCandidate(ctx context.Context, req vpack.OpenRequest) (handle.ID, bool)
	OnRead(id handle.ID, off int64, p []byte) (int, int64, error)
	OnSize(id handle.ID) (int64, error)
	OnClose(id handle.ID) bool
}

// Options configures the mount.
type Options struct {
	// Mountpoint is created if it does not exist.
	Mountpoint string
	// Source is the directory mirrored below the mountpoint.
	Source string
	// Overlay serves archive opens.
	Overlay Overlay
	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool
	// Logger receives diagnostic messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// Mount mounts the mirror. The caller must call Unmount on the returned
// server when done.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, errors.New("fuse: mountpoint is required")
	}
	if options.Overlay == nil {
		return nil, errors.New("fuse: overlay is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	source, err := filepath.Abs(options.Source)
	if err != nil {
		return nil, fmt.Errorf("fuse: resolve source: %w", err)
	}
	if info, err := os.Stat(source); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("fuse: source %s is not a directory", source)
	}
	options.Source = source

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("fuse: create mountpoint %s: %w", options.Mountpoint, err)
	}

	entryTimeout := time.Second
	attrTimeout := time.Second
	negativeTimeout := 100 * time.Millisecond
	root := &dirNode{options: &options, path: source}
	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "vpack",
			Name:       "vpack",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fuse: mount %s: %w", options.Mountpoint, err)
	}
	options.Logger.Info("mirror mounted", "mountpoint", options.Mountpoint, "source", source)
	return server, nil
}

// dirNode mirrors a source directory.
type dirNode struct {
	gofuse.Inode
	options *Options
	path    string
}

var _ gofuse.InodeEmbedder = (*dirNode)(nil)
var _ gofuse.NodeLookuper = (*dirNode)(nil)
var _ gofuse.NodeReaddirer = (*dirNode)(nil)
var _ gofuse.NodeGetattrer = (*dirNode)(nil)

func (d *dirNode) Getattr(_ context.Context, _ gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	return statInto(d.path, &out.Attr)
}

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	p := filepath.Join(d.path, name)
	var st syscall.Stat_t
	if err := syscall.Stat(p, &st); err != nil {
		return nil, gofuse.ToErrno(err)
	}
	out.Attr.FromStat(&st)
	readOnly(&out.Attr)

	stable := gofuse.StableAttr{Mode: st.Mode & syscall.S_IFMT, Ino: st.Ino}
	switch st.Mode & syscall.S_IFMT {
	case syscall.S_IFDIR:
		return d.NewInode(ctx, &dirNode{options: d.options, path: p}, stable), 0
	case syscall.S_IFREG:
		return d.NewInode(ctx, &fileNode{options: d.options, path: p}, stable), 0
	default:
		return nil, syscall.ENOENT
	}
}

func (d *dirNode) Readdir(_ context.Context) (gofuse.DirStream, syscall.Errno) {
	return gofuse.NewLoopbackDirStream(d.path)
}

// fileNode mirrors a regular source file.
type fileNode struct {
	gofuse.Inode
	options *Options
	path    string
}

var _ gofuse.InodeEmbedder = (*fileNode)(nil)
var _ gofuse.NodeOpener = (*fileNode)(nil)
var _ gofuse.NodeGetattrer = (*fileNode)(nil)

func (f *fileNode) Getattr(_ context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if of, ok := fh.(*overlayFile); ok {
		return of.Getattr(context.Background(), out)
	}
	return statInto(f.path, &out.Attr)
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	req := openRequest(f.path, flags)
	if req.Access&vpack.AccessWrite != 0 || req.Disposition != vpack.DispositionOpenExisting {
		return nil, 0, syscall.EROFS
	}
	if id, ok := f.options.Overlay.OnOpenCandidate(ctx, req); ok {
		return &overlayFile{overlay: f.options.Overlay, id: id, path: f.path, logger: f.options.Logger}, fuse.FOPEN_DIRECT_IO, 0
	}
	fd, err := unix.Open(f.path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, 0, gofuse.ToErrno(err)
	}
	return gofuse.NewLoopbackFile(fd), 0, 0
}

// openRequest classifies open(2) flags.
func openRequest(path string, flags uint32) vpack.OpenRequest {
	req := vpack.OpenRequest{Path: path, Disposition: vpack.DispositionOpenExisting}
	switch int(flags) & unix.O_ACCMODE {
	case unix.O_RDONLY:
		req.Access = vpack.AccessRead
	case unix.O_WRONLY:
		req.Access = vpack.AccessWrite
	default:
		req.Access = vpack.AccessRead | vpack.AccessWrite
	}
	f := int(flags)
	switch {
	case f&unix.O_CREAT != 0 && f&unix.O_EXCL != 0:
		req.Disposition = vpack.DispositionCreateNew
	case f&unix.O_CREAT != 0 && f&unix.O_TRUNC != 0:
		req.Disposition = vpack.DispositionCreateAlways
	case f&unix.O_CREAT != 0:
		req.Disposition = vpack.DispositionOpenAlways
	case f&unix.O_TRUNC != 0:
		req.Disposition = vpack.DispositionTruncateExisting
	}
	return req
}

// overlayFile is an open archive component served by the overlay.
type overlayFile struct {
	overlay Overlay
	id      handle.ID
	path    string
	logger  *slog.Logger
}

var _ gofuse.FileReader = (*overlayFile)(nil)
var _ gofuse.FileReleaser = (*overlayFile)(nil)
var _ gofuse.FileGetattrer = (*overlayFile)(nil)

func (f *overlayFile) Read(_ context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, _, err := f.overlay.OnRead(f.id, off, dest)
	if err != nil {
		f.logger.Error("overlay read failed", "handle", f.id, "offset", off, "error", err)
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:n]), 0
}

// Getattr reports the source file's attributes with the size of the
// overlay stream.
func (f *overlayFile) Getattr(_ context.Context, out *fuse.AttrOut) syscall.Errno {
	if errno := statInto(f.path, &out.Attr); errno != 0 {
		return errno
	}
	size, err := f.overlay.OnSize(f.id)
	if err != nil {
		return syscall.EBADF
	}
	out.Size = uint64(size) //nolint:gosec // stream sizes are non-negative
	out.Blocks = (out.Size + 511) / 512
	return 0
}

func (f *overlayFile) Release(context.Context) syscall.Errno {
	f.overlay.OnClose(f.id)
	return 0
}

func statInto(path string, out *fuse.Attr) syscall.Errno {
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return gofuse.ToErrno(err)
	}
	out.FromStat(&st)
	readOnly(out)
	return 0
}

func readOnly(a *fuse.Attr) {
	a.Mode &^= 0o222
}
