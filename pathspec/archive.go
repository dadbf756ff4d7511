package pathspec

import (
	"fmt"
	"strconv"
	"strings"
)

// Key identifies one logical archive: one data category within one
// expansion.
type Key struct {
	Category  uint8
	Expansion uint8
}

// ExpansionName returns the directory name used for the expansion.
func (k Key) ExpansionName() string {
	if k.Expansion == 0 {
		return "ffxiv"
	}
	return "ex" + strconv.Itoa(int(k.Expansion))
}

// Stem returns the archive file stem for the given part, e.g. "040000".
func (k Key) Stem(part uint8) string {
	return fmt.Sprintf("%02x%02x%02x", k.Category, k.Expansion, part)
}

func (k Key) String() string {
	return k.ExpansionName() + "/" + k.Stem(0)
}

// Component names one file of an archive set.
type Component struct {
	// Index2 is set for the full-hash index.
	Index2 bool
	// Data is the data file number, or -1 for index files.
	Data int
}

// IsIndex reports whether the component is one of the two index files.
func (c Component) IsIndex() bool { return c.Data < 0 }

func (c Component) String() string {
	switch {
	case c.Data >= 0:
		return "dat" + strconv.Itoa(c.Data)
	case c.Index2:
		return "index2"
	default:
		return "index"
	}
}

// ArchiveName is a parsed archive file name.
type ArchiveName struct {
	Key       Key
	Part      uint8
	Stem      string // file name without component extension, e.g. "040000.win32"
	Component Component
}

// ParseArchiveName parses a file name such as "040000.win32.dat0".
// ok is false when name is not an archive component.
func ParseArchiveName(name string) (ArchiveName, bool) {
	lower := strings.ToLower(name)
	dot := strings.LastIndexByte(lower, '.')
	if dot < 0 {
		return ArchiveName{}, false
	}
	stem, ext := name[:dot], lower[dot+1:]
	var comp Component
	switch {
	case ext == "index":
		comp = Component{Data: -1}
	case ext == "index2":
		comp = Component{Index2: true, Data: -1}
	case strings.HasPrefix(ext, "dat"):
		n, err := strconv.Atoi(ext[3:])
		if err != nil || n < 0 {
			return ArchiveName{}, false
		}
		comp = Component{Data: n}
	default:
		return ArchiveName{}, false
	}
	if len(stem) < 6 {
		return ArchiveName{}, false
	}
	raw, err := strconv.ParseUint(stem[:6], 16, 32)
	if err != nil {
		return ArchiveName{}, false
	}
	return ArchiveName{
		Key:       Key{Category: uint8(raw >> 16), Expansion: uint8(raw >> 8)},
		Part:      uint8(raw),
		Stem:      stem,
		Component: comp,
	}, true
}

// Sibling returns the file name of another component of the same archive.
func (a ArchiveName) Sibling(c Component) string {
	return a.Stem + "." + c.String()
}

var categories = map[string]uint8{
	"common":      0x00,
	"bgcommon":    0x01,
	"bg":          0x02,
	"cut":         0x03,
	"chara":       0x04,
	"shader":      0x05,
	"ui":          0x06,
	"sound":       0x07,
	"vfx":         0x08,
	"exd":         0x0a,
	"game_script": 0x0b,
	"music":       0x0c,
}

// expansion-scoped categories carry "exN" as their second path element.
var expansionScoped = map[uint8]bool{0x02: true, 0x03: true, 0x0c: true}

// ArchiveFor derives the archive that stores path from its leading
// category directory.
func ArchiveFor(path string) (Key, bool) {
	parts := strings.SplitN(strings.ToLower(Clean(path)), "/", 3)
	cat, ok := categories[parts[0]]
	if !ok || len(parts) < 2 {
		return Key{}, false
	}
	k := Key{Category: cat}
	if expansionScoped[cat] && len(parts) > 2 && strings.HasPrefix(parts[1], "ex") {
		if n, err := strconv.Atoi(parts[1][2:]); err == nil && n > 0 && n < 256 {
			k.Expansion = uint8(n)
		}
	}
	return k, true
}

// LoosePrefix returns the category directory that loose replacement roots
// may use for k, relative to the root. ok is false when the category has no
// such directory.
func LoosePrefix(k Key) (string, bool) {
	switch k.Category {
	case 0x0c:
		return "music/" + k.ExpansionName(), true
	case 0x02:
		return "bg/" + k.ExpansionName(), true
	case 0x03:
		return "cut/" + k.ExpansionName(), true
	}
	if k.Expansion != 0 {
		return "", false
	}
	for name, cat := range categories {
		if cat == k.Category && !expansionScoped[cat] {
			return name, true
		}
	}
	return "", false
}
