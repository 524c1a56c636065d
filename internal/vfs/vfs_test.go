package vfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerynos/moss/internal/metamodel"
)

func dirLayout(target string) metamodel.Layout {
	return metamodel.Layout{
		Mode: 0o755,
		File: metamodel.File{Kind: metamodel.FileDirectory, TargetPath: target},
	}
}

func fileLayout(target string) metamodel.Layout {
	return metamodel.Layout{
		Mode: 0o644,
		File: metamodel.File{Kind: metamodel.FileRegular, TargetPath: target},
	}
}

func symlinkLayout(source, target string) metamodel.Layout {
	return metamodel.Layout{
		Mode: 0o777,
		File: metamodel.File{Kind: metamodel.FileSymlink, Source: source, TargetPath: target},
	}
}

func TestBuilderPrependsUsrAndSynthesizesParents(t *testing.T) {
	b := NewBuilder(FirstWriterWins)
	require.NoError(t, b.Push("pkg", fileLayout("bin/bash")))

	tree, err := b.Bake()
	require.NoError(t, err)

	n, ok := tree.Lookup("/usr/bin/bash")
	require.True(t, ok)
	assert.Equal(t, KindRegular, n.Kind)

	// The parent directory was never pushed but must exist.
	parent, ok := tree.Lookup("/usr/bin")
	require.True(t, ok)
	assert.Equal(t, KindDirectory, parent.Kind)
}

func TestWalkVisitsParentsBeforeChildrenExactlyOnce(t *testing.T) {
	b := NewBuilder(FirstWriterWins)
	require.NoError(t, b.Push("pkg", dirLayout("bin")))
	require.NoError(t, b.Push("pkg", fileLayout("bin/bash")))
	require.NoError(t, b.Push("pkg", fileLayout("bin/sh")))
	require.NoError(t, b.Push("pkg", dirLayout("lib")))

	tree, err := b.Bake()
	require.NoError(t, err)

	var order []string
	seen := map[string]int{}
	require.NoError(t, tree.Walk(func(n *Node, _ []*Node) error {
		order = append(order, n.Path)
		seen[n.Path]++
		return nil
	}))

	for path, count := range seen {
		assert.Equal(t, 1, count, "path %s visited %d times", path, count)
	}
	pos := map[string]int{}
	for i, p := range order {
		pos[p] = i
	}
	assert.Less(t, pos["/usr"], pos["/usr/bin"])
	assert.Less(t, pos["/usr/bin"], pos["/usr/bin/bash"])
}

func TestDuplicatePathFirstWriterWins(t *testing.T) {
	b := NewBuilder(FirstWriterWins)
	require.NoError(t, b.Push("first", fileLayout("bin/tool")))
	require.NoError(t, b.Push("second", fileLayout("bin/tool")))

	tree, err := b.Bake()
	require.NoError(t, err)

	require.Len(t, b.Conflicts, 1)
	assert.Equal(t, metamodel.ID("first"), b.Conflicts[0].First)
	assert.Equal(t, metamodel.ID("second"), b.Conflicts[0].Second)

	n, ok := tree.Lookup("/usr/bin/tool")
	require.True(t, ok)
	assert.Equal(t, metamodel.ID("first"), n.ID)
}

func TestDuplicatePathRejectPolicy(t *testing.T) {
	b := NewBuilder(Reject)
	require.NoError(t, b.Push("first", fileLayout("bin/tool")))
	err := b.Push("second", fileLayout("bin/tool"))
	require.Error(t, err)
	var dup *DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "/usr/bin/tool", dup.Path)
}

func TestBakeReparentsThroughSymlinkToDirectory(t *testing.T) {
	// lib64 is a symlink to lib; content under lib64 must move to lib.
	b := NewBuilder(FirstWriterWins)
	require.NoError(t, b.Push("pkg", dirLayout("lib")))
	require.NoError(t, b.Push("pkg", symlinkLayout("lib", "lib64")))
	require.NoError(t, b.Push("pkg", fileLayout("lib64/libfoo.so")))

	tree, err := b.Bake()
	require.NoError(t, err)

	moved, ok := tree.Lookup("/usr/lib/libfoo.so")
	require.True(t, ok, "descendant must be reparented under the symlink target")
	assert.Equal(t, KindRegular, moved.Kind)

	_, stillThere := tree.Lookup("/usr/lib64/libfoo.so")
	assert.False(t, stillThere)

	// The symlink node itself stays.
	link, ok := tree.Lookup("/usr/lib64")
	require.True(t, ok)
	assert.Equal(t, KindSymlink, link.Kind)
}

func TestBakeBreaksSymlinkCycles(t *testing.T) {
	b := NewBuilder(FirstWriterWins)
	require.NoError(t, b.Push("pkg", symlinkLayout("b", "a")))
	require.NoError(t, b.Push("pkg", symlinkLayout("a", "b")))

	// Must terminate and keep both nodes.
	tree, err := b.Bake()
	require.NoError(t, err)
	_, okA := tree.Lookup("/usr/a")
	_, okB := tree.Lookup("/usr/b")
	assert.True(t, okA)
	assert.True(t, okB)
}

func TestPathsExcludesRoot(t *testing.T) {
	b := NewBuilder(FirstWriterWins)
	require.NoError(t, b.Push("pkg", fileLayout("bin/bash")))
	tree, err := b.Bake()
	require.NoError(t, err)

	paths := tree.Paths()
	assert.NotContains(t, paths, "/")
	assert.Contains(t, paths, "/usr/bin/bash")
}
