package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
)

// Scan builds a tree from the bundle roots, in order. A directory holding
// a manifest is a bundle; any other directory is a folder. Bundles that
// fail to load and bundles whose path an earlier root already provides are
// logged and skipped. A nil logger discards diagnostics.
func Scan(roots []string, logger *slog.Logger) *Tree {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	t := NewTree()
	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			logger.Debug("bundle root not found", "root", root)
			continue
		}
		t.nodes[Root].Dirs = append(t.nodes[Root].Dirs, root)
		t.scanFolder(root, "", logger)
	}
	t.Sort()
	t.RemoveEmptyFolders()
	return t
}

func (t *Tree) scanFolder(dir, rel string, logger *slog.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("skipped bundle folder", "path", dir, "reason", err)
		return
	}
	order := readOrder(dir, logger)
	for _, de := range entries {
		if !de.IsDir() {
			continue
		}
		childDir := filepath.Join(dir, de.Name())
		childRel := path.Join(rel, de.Name())
		idx, ordered := order[strings.ToLower(de.Name())]

		if exists(filepath.Join(childDir, ManifestFile)) {
			if _, dup := t.FindByPath(childRel); dup {
				logger.Warn("skipped bundle", "bundle", childRel, "path", childDir, "reason", "duplicate path")
				continue
			}
			b, err := Open(childDir)
			if err != nil {
				logger.Warn("skipped bundle", "bundle", childRel, "path", childDir, "reason", err)
				continue
			}
			n := t.Node(t.Add(childRel))
			n.Bundle = b
			n.Dirs = []string{childDir}
			n.Enabled = !exists(filepath.Join(childDir, DisableFile))
			if ordered {
				n.Index = idx
			}
			continue
		}

		id := t.Add(childRel)
		n := t.Node(id)
		if n.IsBundle() {
			logger.Warn("skipped bundle folder", "path", childDir, "reason", "path names a bundle")
			continue
		}
		n.Dirs = append(n.Dirs, childDir)
		if exists(filepath.Join(childDir, DisableFile)) {
			n.Enabled = false
		}
		if ordered && n.Index == Unordered {
			n.Index = idx
		}
		t.scanFolder(childDir, childRel, logger)
	}
}

// readOrder reads a folder's order document, mapping lowercase child names
// to sort indices.
func readOrder(dir string, logger *slog.Logger) map[string]int {
	data, err := os.ReadFile(filepath.Join(dir, OrderFile))
	if err != nil {
		return nil
	}
	var raw map[string]int
	if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
		logger.Warn("ignored order document", "path", dir, "reason", err)
		return nil
	}
	order := make(map[string]int, len(raw))
	for name, idx := range raw {
		order[strings.ToLower(name)] = idx
	}
	return order
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// SetEnabled enables or disables the node at path and persists the change
// as disable markers in every directory backing it.
func (t *Tree) SetEnabled(path string, enabled bool) error {
	id, ok := t.FindByPath(path)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if id == Root {
		return errors.New("bundle: the root folder cannot be disabled")
	}
	n := &t.nodes[id]
	for _, dir := range n.Dirs {
		marker := filepath.Join(dir, DisableFile)
		if enabled {
			if err := os.Remove(marker); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		} else if err := os.WriteFile(marker, nil, 0o644); err != nil { //nolint:gosec // marker file
			return err
		}
	}
	n.Enabled = enabled
	return nil
}

// SetChoice selects options sel of group in page of the bundle at path and
// persists the clamped selection.
func (t *Tree) SetChoice(path string, page, group int, sel []int) error {
	id, ok := t.FindByPath(path)
	if !ok || !t.nodes[id].IsBundle() {
		return fmt.Errorf("%w: bundle %s", ErrNotFound, path)
	}
	n := &t.nodes[id]
	m := n.Bundle.Manifest()
	if page < 0 || page >= len(m.Pages) || group < 0 || group >= len(m.Pages[page].Groups) {
		return fmt.Errorf("%w: %s has no group %d on page %d", ErrNotFound, path, group, page)
	}
	nb := n.Bundle.WithChoices(n.Bundle.Choices().Set(page, group, sel))
	if err := nb.SaveChoices(); err != nil {
		return err
	}
	n.Bundle = nb
	return nil
}
