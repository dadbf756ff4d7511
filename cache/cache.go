// Package cache stores encoded replacement blocks on disk so loose files
// that did not change are not compressed again by later reflection passes
// or runs.
//
// Keys are opaque digests chosen by the caller; the loose provider derives
// them from the file's path, size, modification time and compression.
// Entries are written through a temporary file and renamed into place, so
// concurrent writers of one key are safe and readers never observe a
// partial block.
package cache

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
)

// Disk is a block cache rooted at a directory.
type Disk struct {
	dir            string
	shardPrefixLen int
	dirPerm        os.FileMode
}

// Option configures a disk cache.
type Option func(*Disk)

// WithShardPrefixLen sets the number of hex characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(c *Disk) {
		c.shardPrefixLen = n
	}
}

// WithDirPerm sets the directory permissions used for cache directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(c *Disk) {
		c.dirPerm = mode
	}
}

// New creates a disk cache rooted at dir.
func New(dir string, opts ...Option) (*Disk, error) {
	if dir == "" {
		return nil, errors.New("cache: dir is empty")
	}
	c := &Disk{
		dir:            dir,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.shardPrefixLen < 0 {
		return nil, errors.New("cache: shard prefix length must be >= 0")
	}
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return nil, err
	}
	return c, nil
}

// Dir returns the cache root.
func (c *Disk) Dir() string { return c.dir }

// Get returns the block stored under key.
func (c *Disk) Get(key []byte) ([]byte, bool) {
	path, err := c.path(key)
	if err != nil {
		return nil, false
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from the key
	if err != nil {
		return nil, false
	}
	return data, true
}

// Put stores block under key. An existing entry is kept.
func (c *Disk) Put(key, block []byte) error {
	path, err := c.path(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "block-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(block); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		if _, statErr := os.Stat(path); statErr == nil {
			return nil
		}
		return err
	}
	return nil
}

func (c *Disk) path(key []byte) (string, error) {
	if len(key) == 0 {
		return "", errors.New("cache: key is empty")
	}
	hexKey := hex.EncodeToString(key)
	if c.shardPrefixLen <= 0 {
		return filepath.Join(c.dir, hexKey), nil
	}
	prefixLen := min(c.shardPrefixLen, len(hexKey))
	return filepath.Join(c.dir, hexKey[:prefixLen], hexKey), nil
}
