package cache

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

type cacheEntry struct {
	path    string
	size    int64
	modTime time.Time
}

// SizeBytes returns the total size of the cached blocks.
func (c *Disk) SizeBytes() (int64, error) {
	_, total, err := c.entries()
	return total, err
}

// Prune removes the least recently written blocks until the cache holds
// at most targetBytes. It returns the number of bytes freed.
func (c *Disk) Prune(targetBytes int64) (int64, error) {
	targetBytes = max(targetBytes, 0)
	entries, remaining, err := c.entries()
	if err != nil || remaining <= targetBytes {
		return 0, err
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].modTime.Equal(entries[j].modTime) {
			return entries[i].path < entries[j].path
		}
		return entries[i].modTime.Before(entries[j].modTime)
	})

	var freed int64
	for _, entry := range entries {
		if remaining <= targetBytes {
			break
		}
		if err := os.Remove(entry.path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return freed, err
		}
		remaining -= entry.size
		freed += entry.size
	}
	return freed, nil
}

func (c *Disk) entries() ([]cacheEntry, int64, error) {
	var entries []cacheEntry
	var total int64
	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		entries = append(entries, cacheEntry{path: path, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	return entries, total, err
}
