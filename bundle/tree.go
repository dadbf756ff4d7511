package bundle

import (
	"cmp"
	"iter"
	"maps"
	"math"
	"slices"
	"strings"
)

// NodeID addresses a node of a Tree.
type NodeID int

// Root is the ID of the root folder of every tree.
const Root NodeID = 0

// NoNode is the parent of the root.
const NoNode NodeID = -1

// Unordered is the sort index of children not named by an order document.
// They sort after every explicitly ordered sibling.
const Unordered = math.MaxInt32

// Node is a folder or a bundle in a Tree.
type Node struct {
	ID       NodeID
	Parent   NodeID
	Children []NodeID
	// Name is the last element of Path.
	Name string
	// Path is the slash-separated path below the bundle roots. The root's
	// path is empty.
	Path string
	// Index is the explicit sort index among siblings.
	Index   int
	Enabled bool
	// Bundle is set on bundle nodes and nil on folders.
	Bundle *Bundle
	// Dirs lists the directories backing the node, one per bundle root
	// that contains it.
	Dirs []string

	removed bool
}

// IsBundle reports whether the node is a bundle.
func (n *Node) IsBundle() bool { return n.Bundle != nil }

// Tree is an arena of folders and bundles.
//
// A Tree is not safe for concurrent mutation. Clone it to hand out a
// snapshot.
type Tree struct {
	nodes  []Node
	byPath map[string]NodeID
}

// NewTree returns a tree holding only the enabled root folder.
func NewTree() *Tree {
	return &Tree{
		nodes:  []Node{{ID: Root, Parent: NoNode, Enabled: true, Index: 0}},
		byPath: map[string]NodeID{"": Root},
	}
}

func normalize(path string) string {
	return strings.ToLower(strings.Trim(strings.ReplaceAll(path, "\\", "/"), "/"))
}

// Node returns the node id. The pointer stays valid until the next Add.
func (t *Tree) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(t.nodes) || t.nodes[id].removed {
		return nil
	}
	return &t.nodes[id]
}

// FindByPath returns the node at path, compared case-insensitively.
func (t *Tree) FindByPath(path string) (NodeID, bool) {
	id, ok := t.byPath[normalize(path)]
	return id, ok
}

// Add returns the node at path, creating it and any missing parent
// folders. New nodes are enabled and unordered.
func (t *Tree) Add(path string) NodeID {
	clean := strings.Trim(strings.ReplaceAll(path, "\\", "/"), "/")
	if id, ok := t.byPath[strings.ToLower(clean)]; ok {
		return id
	}
	parent, name := Root, clean
	if i := strings.LastIndexByte(clean, '/'); i >= 0 {
		parent = t.Add(clean[:i])
		name = clean[i+1:]
	}
	id := NodeID(len(t.nodes))
	t.nodes = append(t.nodes, Node{
		ID:      id,
		Parent:  parent,
		Name:    name,
		Path:    clean,
		Index:   Unordered,
		Enabled: true,
	})
	t.nodes[parent].Children = append(t.nodes[parent].Children, id)
	t.byPath[strings.ToLower(clean)] = id
	return id
}

// Remove detaches the node at path and its descendants. The root cannot
// be removed.
func (t *Tree) Remove(path string) bool {
	id, ok := t.FindByPath(path)
	if !ok || id == Root {
		return false
	}
	parent := &t.nodes[t.nodes[id].Parent]
	parent.Children = slices.DeleteFunc(parent.Children, func(c NodeID) bool { return c == id })
	t.drop(id)
	return true
}

func (t *Tree) drop(id NodeID) {
	n := &t.nodes[id]
	for _, c := range n.Children {
		t.drop(c)
	}
	n.removed = true
	n.Children = nil
	delete(t.byPath, normalize(n.Path))
}

// Traverse iterates nodes depth first, parents before children and
// siblings in order. With enabledOnly, disabled nodes and everything below
// them are skipped.
func (t *Tree) Traverse(enabledOnly bool) iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		var walk func(id NodeID) bool
		walk = func(id NodeID) bool {
			n := &t.nodes[id]
			if enabledOnly && !n.Enabled {
				return true
			}
			if !yield(n) {
				return false
			}
			for _, c := range n.Children {
				if !walk(c) {
					return false
				}
			}
			return true
		}
		walk(Root)
	}
}

// Bundles iterates bundle nodes in traversal order.
func (t *Tree) Bundles(enabledOnly bool) iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		for n := range t.Traverse(enabledOnly) {
			if n.IsBundle() && !yield(n) {
				return
			}
		}
	}
}

// Sort orders every node's children by explicit index, then by path.
func (t *Tree) Sort() {
	for i := range t.nodes {
		slices.SortStableFunc(t.nodes[i].Children, func(a, b NodeID) int {
			na, nb := &t.nodes[a], &t.nodes[b]
			if c := cmp.Compare(na.Index, nb.Index); c != 0 {
				return c
			}
			return strings.Compare(normalize(na.Path), normalize(nb.Path))
		})
	}
}

// RemoveEmptyFolders removes folders without any bundle below them.
func (t *Tree) RemoveEmptyFolders() {
	var keep func(id NodeID) bool
	keep = func(id NodeID) bool {
		n := &t.nodes[id]
		if n.IsBundle() {
			return true
		}
		kept := n.Children[:0]
		for _, c := range n.Children {
			if keep(c) {
				kept = append(kept, c)
			} else {
				t.drop(c)
			}
		}
		n.Children = kept
		return len(kept) > 0
	}
	keep(Root)
}

// Len returns the number of live nodes, the root included.
func (t *Tree) Len() int {
	return len(t.byPath)
}

// Clone returns a deep copy of the tree structure. Bundles are shared.
func (t *Tree) Clone() *Tree {
	c := &Tree{
		nodes:  slices.Clone(t.nodes),
		byPath: maps.Clone(t.byPath),
	}
	for i := range c.nodes {
		c.nodes[i].Children = slices.Clone(c.nodes[i].Children)
		c.nodes[i].Dirs = slices.Clone(c.nodes[i].Dirs)
	}
	return c
}
