// Package pathspec implements the path identity used to address assets
// inside an archive.
//
// An asset is identified by up to three hashes of its path (parent
// directory, file name, full path) and optionally the path string itself.
// Entries discovered purely from archive metadata usually carry hashes only.
package pathspec

import (
	"fmt"
	"hash/crc32"
	"strings"
)

// Hash is a 32-bit path hash.
type Hash uint32

// Empty marks a hash that is not known.
const Empty Hash = 0xFFFFFFFF

// HashOf returns the path hash of s: the bitwise complement of the IEEE
// CRC-32 of s with ASCII letters lowercased.
func HashOf(s string) Hash {
	return Hash(^crc32.ChecksumIEEE([]byte(Fold(s))))
}

// String formats the hash as eight hex digits.
func (h Hash) String() string {
	return fmt.Sprintf("%08x", uint32(h))
}

// Spec identifies one asset inside an archive.
type Spec struct {
	// Dir is the hash of the parent directory path.
	Dir Hash
	// Name is the hash of the final path element.
	Name Hash
	// Full is the hash of the whole path.
	Full Hash
	// Path is the normalized path, or empty when only hashes are known.
	Path string
}

// New returns the Spec for path with all three hashes computed.
func New(path string) Spec {
	path = Clean(path)
	dir, name := Split(path)
	return Spec{
		Dir:  HashOf(dir),
		Name: HashOf(name),
		Full: HashOf(path),
		Path: path,
	}
}

// FromHashes returns a hash-only Spec addressed by directory and name hash.
func FromHashes(dir, name Hash) Spec {
	return Spec{Dir: dir, Name: name, Full: Empty}
}

// FromFullHash returns a hash-only Spec addressed by its full-path hash.
func FromFullHash(full Hash) Spec {
	return Spec{Dir: Empty, Name: Empty, Full: full}
}

// HasPath reports whether the path string is known.
func (s Spec) HasPath() bool {
	return s.Path != ""
}

// HasPair reports whether both directory and name hashes are known.
func (s Spec) HasPair() bool {
	return s.Dir != Empty && s.Name != Empty
}

// HasFull reports whether the full-path hash is known.
func (s Spec) HasFull() bool {
	return s.Full != Empty
}

// Equal reports whether s and o identify the same asset.
//
// When both sides know their path the comparison is by path, ignoring ASCII
// case; two paths sharing a hash but differing in text are a collision and
// compare unequal. Otherwise the specs match on the directory and name hash
// pair or on the full-path hash.
func (s Spec) Equal(o Spec) bool {
	if s.HasPath() && o.HasPath() {
		return Fold(s.Path) == Fold(o.Path)
	}
	if s.HasPair() && o.HasPair() && s.Dir == o.Dir && s.Name == o.Name {
		return true
	}
	return s.HasFull() && o.HasFull() && s.Full == o.Full
}

// Merge fills hashes and path missing from s with the ones known by o.
func (s Spec) Merge(o Spec) Spec {
	if s.Dir == Empty {
		s.Dir = o.Dir
	}
	if s.Name == Empty {
		s.Name = o.Name
	}
	if s.Full == Empty {
		s.Full = o.Full
	}
	if s.Path == "" {
		s.Path = o.Path
	}
	return s
}

// String returns the path when known, and the hashes otherwise.
func (s Spec) String() string {
	if s.HasPath() {
		return s.Path
	}
	return fmt.Sprintf("~%s/%s (%s)", s.Dir, s.Name, s.Full)
}

// Clean normalizes a path: backslashes become slashes, leading slashes and
// repeated separators are removed.
func Clean(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	var b strings.Builder
	b.Grow(len(path))
	prevSlash := true
	for i := 0; i < len(path); i++ {
		c := path[i]
		if c == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteByte(c)
	}
	return strings.TrimSuffix(b.String(), "/")
}

// Split splits a cleaned path into its directory and final element.
func Split(path string) (dir, name string) {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return "", path
}

// Fold lowercases the ASCII letters of s. Paths that fold to the same
// string hash the same.
func Fold(s string) string {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= 'A' && c <= 'Z' {
			b := []byte(s)
			for j := i; j < len(b); j++ {
				if b[j] >= 'A' && b[j] <= 'Z' {
					b[j] += 'a' - 'A'
				}
			}
			return string(b)
		}
	}
	return s
}
