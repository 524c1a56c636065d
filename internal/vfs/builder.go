package vfs

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/aerynos/moss/internal/metamodel"
	"github.com/aerynos/moss/internal/tracelog"
)

// maxSymlinkHops bounds the transitive symlink resolution during bake so a
// symlink cycle terminates instead of looping.
const maxSymlinkHops = 16

// maxBakeRounds bounds the reparenting fixed point. Each round can only
// move entries under an already-resolved directory, so real trees converge
// in one or two rounds.
const maxBakeRounds = 8

// DuplicatePolicy selects how the builder treats two records claiming the
// same path.
type DuplicatePolicy int

const (
	// FirstWriterWins keeps the first inserter and reports the conflict as
	// a warning.
	FirstWriterWins DuplicatePolicy = iota

	// Reject fails the build on the first duplicate.
	Reject
)

// DuplicateError reports two packages claiming one path under Reject.
type DuplicateError struct {
	Path   string
	First  metamodel.ID
	Second metamodel.ID
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("vfs: duplicate path %q claimed by %q and %q", e.Path, e.First, e.Second)
}

type pending struct {
	id     metamodel.ID
	layout metamodel.Layout
	path   string
}

// Builder accumulates an unordered stream of layout records and bakes them
// into a Tree.
type Builder struct {
	entries map[string]*pending
	order   []string
	policy  DuplicatePolicy

	// Conflicts collects duplicate-path reports under FirstWriterWins.
	Conflicts []DuplicateError
}

// NewBuilder returns a Builder with the given duplicate policy.
func NewBuilder(policy DuplicatePolicy) *Builder {
	return &Builder{
		entries: make(map[string]*pending),
		policy:  policy,
	}
}

// Push adds one layout record owned by the given package. The stored
// target path is relative to /usr; the /usr prefix is prepended here.
func (b *Builder) Push(id metamodel.ID, l metamodel.Layout) error {
	p := join("/usr", l.File.TargetPath)
	if existing, ok := b.entries[p]; ok {
		dup := DuplicateError{Path: p, First: existing.id, Second: id}
		if b.policy == Reject {
			return &dup
		}
		tracelog.Warnf("duplicate path %s claimed by %s and %s, keeping first", p, existing.id, id)
		b.Conflicts = append(b.Conflicts, dup)
		return nil
	}
	b.entries[p] = &pending{id: id, layout: l, path: p}
	b.order = append(b.order, p)
	return nil
}

// Bake resolves symlinks-to-directories by reparenting their descendants
// under the resolved target, then assembles the final Tree. Symlink chains
// are followed up to a bounded hop count; cycles terminate unresolved and
// keep their entries in place.
func (b *Builder) Bake() (*Tree, error) {
	for round := 0; round < maxBakeRounds; round++ {
		if !b.reparentRound() {
			break
		}
	}
	return b.tree()
}

// reparentRound performs one pass over all symlink entries, moving the
// descendants of any symlink whose target resolves to an in-tree directory.
// Returns true if anything moved.
func (b *Builder) reparentRound() bool {
	moved := false
	// Deterministic iteration keeps conflict reporting stable.
	paths := make([]string, 0, len(b.entries))
	for p := range b.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		e, ok := b.entries[p]
		if !ok || e.layout.File.Kind != metamodel.FileSymlink {
			continue
		}
		target, ok := b.resolveSymlink(p, maxSymlinkHops)
		if !ok || target == p {
			continue
		}
		if t, ok := b.entries[target]; !ok || t.layout.File.Kind != metamodel.FileDirectory {
			continue
		}
		prefix := p + "/"
		for _, childPath := range append([]string(nil), paths...) {
			if !strings.HasPrefix(childPath, prefix) {
				continue
			}
			child, ok := b.entries[childPath]
			if !ok {
				continue
			}
			newPath := join(target, strings.TrimPrefix(childPath, prefix))
			delete(b.entries, childPath)
			if existing, exists := b.entries[newPath]; exists {
				tracelog.Warnf("reparented path %s collides with entry owned by %s, keeping first", newPath, existing.id)
				continue
			}
			child.path = newPath
			child.layout.File.TargetPath = strings.TrimPrefix(newPath, "/usr/")
			b.entries[newPath] = child
			moved = true
		}
	}
	return moved
}

// resolveSymlink follows the entry at p through at most hops symlink
// dereferences, returning the final path.
func (b *Builder) resolveSymlink(p string, hops int) (string, bool) {
	current := p
	for i := 0; i < hops; i++ {
		e, ok := b.entries[current]
		if !ok {
			return "", false
		}
		if e.layout.File.Kind != metamodel.FileSymlink {
			return current, true
		}
		target := e.layout.File.Source
		if !strings.HasPrefix(target, "/") {
			target = join(path.Dir(current), target)
		}
		target = path.Clean(target)
		current = target
	}
	return "", false
}

// tree assembles the arena, synthesizing implicit parent directories.
func (b *Builder) tree() (*Tree, error) {
	t := &Tree{byPath: make(map[string]int)}
	t.nodes = append(t.nodes, Node{
		Path:   "/",
		Kind:   KindDirectory,
		Layout: syntheticDir("/"),
		parent: -1,
	})
	t.byPath["/"] = 0

	paths := make([]string, 0, len(b.entries))
	for p := range b.entries {
		paths = append(paths, p)
	}
	// Shortest-first guarantees parents precede children.
	sort.Slice(paths, func(i, j int) bool {
		if len(paths[i]) != len(paths[j]) {
			return len(paths[i]) < len(paths[j])
		}
		return paths[i] < paths[j]
	})

	for _, p := range paths {
		e := b.entries[p]
		parentIdx, err := t.ensureDir(path.Dir(p))
		if err != nil {
			return nil, err
		}
		if existing, ok := t.byPath[p]; ok {
			// An implicit directory was synthesized before its real record
			// arrived; adopt the record's ownership and attributes.
			if e.layout.File.Kind == metamodel.FileDirectory {
				t.nodes[existing].ID = e.id
				t.nodes[existing].Layout = e.layout
				continue
			}
			tracelog.Warnf("path %s is both a directory and a %v, keeping directory", p, e.layout.File.Kind)
			continue
		}
		idx := len(t.nodes)
		t.nodes = append(t.nodes, Node{
			ID:            e.id,
			Path:          p,
			Kind:          kindOf(e.layout),
			SymlinkTarget: e.layout.File.Source,
			Layout:        e.layout,
			parent:        parentIdx,
		})
		t.byPath[p] = idx
		t.nodes[parentIdx].children = append(t.nodes[parentIdx].children, idx)
	}

	t.sortChildren()
	return t, nil
}

// ensureDir returns the node index for dir, synthesizing it and any missing
// ancestors as plain 0755 directories.
func (t *Tree) ensureDir(dir string) (int, error) {
	if idx, ok := t.byPath[dir]; ok {
		if t.nodes[idx].Kind != KindDirectory {
			return 0, &MissingParentError{Parent: dir}
		}
		return idx, nil
	}
	if dir == "/" || dir == "." || dir == "" {
		return 0, &MissingParentError{Parent: dir}
	}
	parentIdx, err := t.ensureDir(path.Dir(dir))
	if err != nil {
		return 0, err
	}
	idx := len(t.nodes)
	t.nodes = append(t.nodes, Node{
		Path:   dir,
		Kind:   KindDirectory,
		Layout: syntheticDir(dir),
		parent: parentIdx,
	})
	t.byPath[dir] = idx
	t.nodes[parentIdx].children = append(t.nodes[parentIdx].children, idx)
	return idx, nil
}

func kindOf(l metamodel.Layout) Kind {
	switch l.File.Kind {
	case metamodel.FileDirectory:
		return KindDirectory
	case metamodel.FileSymlink:
		return KindSymlink
	default:
		return KindRegular
	}
}

func syntheticDir(p string) metamodel.Layout {
	return metamodel.Layout{
		Mode: 0o755,
		File: metamodel.File{
			Kind:       metamodel.FileDirectory,
			TargetPath: strings.TrimPrefix(p, "/usr/"),
		},
	}
}

// join joins slash paths, tolerating a relative or absolute second element.
func join(base, rest string) string {
	rest = strings.TrimPrefix(rest, "/")
	if rest == "" {
		return path.Clean(base)
	}
	return path.Clean(base + "/" + rest)
}
