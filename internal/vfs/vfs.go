// Package vfs builds the in-memory directory tree a blit materializes: an
// arena of nodes keyed by full path, with per-parent name uniqueness and
// symlink dereferencing that reparents descendants under a symlink's
// resolved target.
package vfs

import (
	"fmt"
	"path"
	"sort"

	"github.com/aerynos/moss/internal/metamodel"
)

// Kind is the minimal node classification the blit engine needs. Regular
// covers every non-directory, non-symlink inode; the full layout record
// rides along on the node for blit-time dispatch.
type Kind int

const (
	KindRegular Kind = iota
	KindDirectory
	KindSymlink
)

// Node is one entry in the tree. Children are held as arena indices, never
// as pointers, so the reparenting pass can move subtrees without chasing
// ownership.
type Node struct {
	// ID is the owning package id, used in duplicate-path diagnostics.
	ID metamodel.ID

	// Path is the full slash-separated path from "/".
	Path string

	// Kind classifies the node for tree purposes.
	Kind Kind

	// SymlinkTarget is the link target when Kind == KindSymlink.
	SymlinkTarget string

	// Layout is the originating record. Synthesized directories (implicit
	// parents) carry a zero-value directory layout with mode 0755.
	Layout metamodel.Layout

	parent   int
	children []int
}

// Name returns the final path element.
func (n *Node) Name() string { return path.Base(n.Path) }

// Tree is the baked virtual filesystem.
type Tree struct {
	nodes  []Node
	byPath map[string]int
}

// Len returns the number of nodes excluding the synthetic root.
func (t *Tree) Len() int { return len(t.nodes) - 1 }

// Lookup returns the node at the given full path.
func (t *Tree) Lookup(p string) (*Node, bool) {
	idx, ok := t.byPath[p]
	if !ok {
		return nil, false
	}
	return &t.nodes[idx], true
}

// Walk visits every node in parent-before-child order, passing the node and
// its children. Siblings are visited in name order so walks are
// deterministic.
func (t *Tree) Walk(visit func(n *Node, children []*Node) error) error {
	return t.walkFrom(0, visit)
}

func (t *Tree) walkFrom(idx int, visit func(n *Node, children []*Node) error) error {
	n := &t.nodes[idx]
	children := make([]*Node, len(n.children))
	for i, c := range n.children {
		children[i] = &t.nodes[c]
	}
	if err := visit(n, children); err != nil {
		return err
	}
	for _, c := range n.children {
		if err := t.walkFrom(c, visit); err != nil {
			return err
		}
	}
	return nil
}

// Children returns the direct children of n in name order.
func (t *Tree) Children(n *Node) []*Node {
	out := make([]*Node, len(n.children))
	for i, c := range n.children {
		out[i] = &t.nodes[c]
	}
	return out
}

// Root returns the synthetic "/" node.
func (t *Tree) Root() *Node { return &t.nodes[0] }

// Paths returns every node path except the root, in parent-before-child
// order. This is the input the trigger engine matches patterns against.
func (t *Tree) Paths() []string {
	var out []string
	_ = t.Walk(func(n *Node, _ []*Node) error {
		if n.Path != "/" {
			out = append(out, n.Path)
		}
		return nil
	})
	return out
}

func (t *Tree) sortChildren() {
	for i := range t.nodes {
		n := &t.nodes[i]
		sort.Slice(n.children, func(a, b int) bool {
			return t.nodes[n.children[a]].Name() < t.nodes[n.children[b]].Name()
		})
	}
}

// MissingParentError reports a child whose parent directory never appeared
// and could not be synthesized.
type MissingParentError struct {
	Parent string
}

func (e *MissingParentError) Error() string {
	return fmt.Sprintf("vfs: missing parent %q", e.Parent)
}
