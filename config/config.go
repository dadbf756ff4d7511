// Package config loads overlay settings from a YAML, TOML or JSON file
// and the environment.
package config

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/meigma/vpack"
	"github.com/meigma/vpack/archive"
)

// Build modes.
const (
	BuildLazy  = "lazy"
	BuildEager = "eager"
)

// Config is the full overlay configuration.
type Config struct {
	// GameDir is the archive directory of the game, usually
	// <install>/game/sqpack.
	GameDir         string                `mapstructure:"game_dir"`
	DataDir         string                `mapstructure:"data_dir"`
	BundleDirs      []string              `mapstructure:"bundle_dirs"`
	LooseDirs       []string              `mapstructure:"loose_dirs"`
	LoosePrecedence vpack.LoosePrecedence `mapstructure:"loose_precedence"`
	Build           string                `mapstructure:"build"`
	Compression     archive.Compression   `mapstructure:"compression"`
	MaxDataFileSize uint64                `mapstructure:"max_data_file_size"`
	Verify          bool                  `mapstructure:"verify"`
	WatchBundles    bool                  `mapstructure:"watch_bundles"`
	// CacheDir keeps encoded loose blocks between runs. Empty disables
	// the cache.
	CacheDir        string                `mapstructure:"cache_dir"`
	CacheMaxBytes   int64                 `mapstructure:"cache_max_bytes"`

	Toggles    vpack.Toggles `mapstructure:"toggles"`
	Reflection Reflection    `mapstructure:"reflection"`
	Log        Log           `mapstructure:"log"`
	Mount      Mount         `mapstructure:"mount"`
}

// Reflection tunes reflection passes.
type Reflection struct {
	ReadDebounce time.Duration `mapstructure:"read_debounce"`
	Debounce     time.Duration `mapstructure:"debounce"`
	PauseTimeout time.Duration `mapstructure:"pause_timeout"`
}

// Log configures logging. An empty File logs to stderr only.
type Log struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// SlogLevel returns the parsed level, or info when it does not parse.
func (l Log) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Mount configures the FUSE mirror.
type Mount struct {
	Mountpoint string `mapstructure:"mountpoint"`
	AllowOther bool   `mapstructure:"allow_other"`
}

// Options returns the overlay options c describes. The logger is added
// by the caller.
func (c *Config) Options() []vpack.Option {
	return []vpack.Option{
		vpack.WithDataDir(c.DataDir),
		vpack.WithBundleDirs(c.BundleDirs...),
		vpack.WithLooseDirs(c.LooseDirs...),
		vpack.WithLoosePrecedence(c.LoosePrecedence),
		vpack.WithEagerBuild(c.Build == BuildEager),
		vpack.WithCompression(c.Compression),
		vpack.WithMaxDataFileSize(c.MaxDataFileSize),
		vpack.WithVerifyArchives(c.Verify),
		vpack.WithWatchBundles(c.WatchBundles),
		vpack.WithCacheDir(c.CacheDir),
		vpack.WithCacheMaxBytes(c.CacheMaxBytes),
		vpack.WithToggles(c.Toggles),
		vpack.WithReadDebounce(c.Reflection.ReadDebounce),
		vpack.WithReflectDebounce(c.Reflection.Debounce),
		vpack.WithPauseTimeout(c.Reflection.PauseTimeout),
	}
}

// SqpackDir returns the archive directory. GameDir may name the install
// root, the game directory or sqpack itself.
func (c *Config) SqpackDir() string {
	switch filepath.Base(c.GameDir) {
	case "sqpack":
		return c.GameDir
	case "game":
		return filepath.Join(c.GameDir, "sqpack")
	}
	return filepath.Join(c.GameDir, "game", "sqpack")
}

// BundleRoots returns the bundle roots in scan order, matching the
// overlay's.
func (c *Config) BundleRoots() []string {
	var roots []string
	if c.DataDir != "" {
		roots = append(roots, filepath.Join(c.DataDir, "bundles"))
	}
	return append(roots, c.BundleDirs...)
}
