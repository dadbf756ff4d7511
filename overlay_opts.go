package vpack

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/meigma/vpack/archive"
	"github.com/meigma/vpack/quiesce"
)

// LoosePrecedence orders loose files relative to bundles.
type LoosePrecedence int

const (
	// LooseBelow applies loose files first, so bundles override them.
	LooseBelow LoosePrecedence = iota
	// LooseAbove applies loose files after bundles.
	LooseAbove
)

func (p LoosePrecedence) String() string {
	if p == LooseAbove {
		return "above"
	}
	return "below"
}

// ParseLoosePrecedence parses "below" or "above". The empty string selects
// LooseBelow.
func ParseLoosePrecedence(s string) (LoosePrecedence, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "below":
		return LooseBelow, nil
	case "above":
		return LooseAbove, nil
	default:
		return 0, fmt.Errorf("vpack: unknown loose precedence %q", s)
	}
}

// Option configures an Overlay.
type Option func(*Overlay)

// WithLogger sets the logger for diagnostic output.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Overlay) {
		o.logger = logger
	}
}

// WithDataDir sets the data directory. Its "bundles" subdirectory is the
// first bundle root and its "replacements" subdirectory a loose root.
func WithDataDir(dir string) Option {
	return func(o *Overlay) {
		o.dataDir = dir
	}
}

// WithBundleDirs adds bundle roots, scanned after the data directory's.
// A bundle path already provided by an earlier root is skipped.
func WithBundleDirs(dirs ...string) Option {
	return func(o *Overlay) {
		o.bundleDirs = append(o.bundleDirs, dirs...)
	}
}

// WithLooseDirs adds loose replacement roots. Later roots win over
// earlier ones for the same path.
func WithLooseDirs(dirs ...string) Option {
	return func(o *Overlay) {
		o.looseDirs = append(o.looseDirs, dirs...)
	}
}

// WithLoosePrecedence sets whether loose files apply below or above
// bundles. The default is LooseBelow.
func WithLoosePrecedence(p LoosePrecedence) Option {
	return func(o *Overlay) {
		o.precedence = p
	}
}

// WithEagerBuild builds every view during Start instead of on the first
// open of its index.
func WithEagerBuild(enabled bool) Option {
	return func(o *Overlay) {
		o.eager = enabled
	}
}

// WithCompression sets the compression applied to loose files and
// synthesized content. The default is archive.CompressionNone.
func WithCompression(c archive.Compression) Option {
	return func(o *Overlay) {
		o.compression = c
	}
}

// WithMaxDataFileSize sets the size at which a view starts a new data
// stream. Zero uses archive.DefaultMaxDataFileSize.
func WithMaxDataFileSize(n uint64) Option {
	return func(o *Overlay) {
		o.maxDataFileSize = n
	}
}

// WithHost sets the host that is paused around every reflection swap.
// The default is quiesce.Nop.
func WithHost(h quiesce.Host) Option {
	return func(o *Overlay) {
		o.host = h
	}
}

// WithReadDebounce sets how long no read may be observed before a
// reflection pass closes the read gate.
func WithReadDebounce(d time.Duration) Option {
	return func(o *Overlay) {
		o.readDebounce = d
	}
}

// WithPauseTimeout bounds how long a reflection pass waits for the host to
// pause. On timeout the pass continues without the pause. Zero waits
// indefinitely.
func WithPauseTimeout(d time.Duration) Option {
	return func(o *Overlay) {
		o.pauseTimeout = d
	}
}

// WithReflectDebounce sets how long the background worker waits after a
// change before running a pass, so bursts of changes coalesce.
func WithReflectDebounce(d time.Duration) Option {
	return func(o *Overlay) {
		o.reflectDebounce = d
	}
}

// WithToggles sets the initial built-in toggles.
func WithToggles(t Toggles) Option {
	return func(o *Overlay) {
		o.toggles = t
	}
}

// WithWatchBundles rescans the bundle roots when their contents change.
func WithWatchBundles(enabled bool) Option {
	return func(o *Overlay) {
		o.watchBundles = enabled
	}
}

// WithVerifyArchives verifies the digest of every native data file when
// its archive is opened.
func WithVerifyArchives(enabled bool) Option {
	return func(o *Overlay) {
		o.verify = enabled
	}
}

// WithCacheDir keeps encoded loose file blocks in dir so unchanged files
// are not compressed again. It has no effect without compression.
func WithCacheDir(dir string) Option {
	return func(o *Overlay) {
		o.cacheDir = dir
	}
}

// WithCacheMaxBytes prunes the block cache to n bytes at Start. Zero
// leaves it unbounded.
func WithCacheMaxBytes(n int64) Option {
	return func(o *Overlay) {
		o.cacheMaxBytes = n
	}
}
