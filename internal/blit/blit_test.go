package blit

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aerynos/moss/internal/digest"
	"github.com/aerynos/moss/internal/metamodel"
	"github.com/aerynos/moss/internal/vfs"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// writeAsset stores content in a v2-sharded cache rooted at cacheDir.
func writeAsset(t *testing.T, cacheDir string, content []byte) digest.Digest {
	t.Helper()
	d := digest.Sum(content)
	a, b, c, name := d.ShardPath()
	dir := filepath.Join(cacheDir, a, b, c)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), content, 0o644))
	return d
}

func buildTree(t *testing.T, layouts []metamodel.Layout) *vfs.Tree {
	t.Helper()
	b := vfs.NewBuilder(vfs.FirstWriterWins)
	for _, l := range layouts {
		require.NoError(t, b.Push("pkg", l))
	}
	tree, err := b.Bake()
	require.NoError(t, err)
	return tree
}

func TestRunMaterializesHardlinksDirsAndSymlinks(t *testing.T) {
	base := t.TempDir()
	cacheDir := filepath.Join(base, "assets", "v2")
	content := []byte("#!/bin/sh\necho hello\n")
	d := writeAsset(t, cacheDir, content)

	tree := buildTree(t, []metamodel.Layout{
		{Mode: 0o755, File: metamodel.File{Kind: metamodel.FileDirectory, TargetPath: "bin"}},
		{Mode: 0o755, File: metamodel.File{Kind: metamodel.FileRegular, Digest: d, TargetPath: "bin/hello"}},
		{Mode: 0o777, File: metamodel.File{Kind: metamodel.FileSymlink, Source: "hello", TargetPath: "bin/hi"}},
	})

	dest := filepath.Join(base, "staging")
	stats, err := New(cacheDir).Run(tree, dest)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.NumFiles.Load())
	assert.Equal(t, uint64(1), stats.NumSymlinks.Load())
	assert.Equal(t, uint64(2), stats.NumDirs.Load(), "usr and usr/bin")

	got, err := os.ReadFile(filepath.Join(dest, "usr", "bin", "hello"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// Hardlink, not a copy: same inode as the asset.
	var destStat, assetStat syscall.Stat_t
	a, b, c, name := d.ShardPath()
	require.NoError(t, syscall.Stat(filepath.Join(dest, "usr", "bin", "hello"), &destStat))
	require.NoError(t, syscall.Stat(filepath.Join(cacheDir, a, b, c, name), &assetStat))
	assert.Equal(t, assetStat.Ino, destStat.Ino)

	target, err := os.Readlink(filepath.Join(dest, "usr", "bin", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "hello", target)

	info, err := os.Stat(filepath.Join(dest, "usr", "bin", "hello"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestRunCreatesFreshInodeForEmptyDigest(t *testing.T) {
	base := t.TempDir()
	cacheDir := filepath.Join(base, "assets", "v2")
	require.NoError(t, os.MkdirAll(cacheDir, 0o755))

	tree := buildTree(t, []metamodel.Layout{
		{Mode: 0o644, File: metamodel.File{Kind: metamodel.FileRegular, Digest: digest.Empty, TargetPath: "share/empty-a"}},
		{Mode: 0o644, File: metamodel.File{Kind: metamodel.FileRegular, Digest: digest.Empty, TargetPath: "share/empty-b"}},
	})

	dest := filepath.Join(base, "staging")
	_, err := New(cacheDir).Run(tree, dest)
	require.NoError(t, err)

	var a, b syscall.Stat_t
	require.NoError(t, syscall.Stat(filepath.Join(dest, "usr", "share", "empty-a"), &a))
	require.NoError(t, syscall.Stat(filepath.Join(dest, "usr", "share", "empty-b"), &b))
	assert.NotEqual(t, a.Ino, b.Ino, "each empty-file reference gets its own inode")
	assert.Zero(t, a.Size)
}

func TestRunRemovesPreexistingDestination(t *testing.T) {
	base := t.TempDir()
	cacheDir := filepath.Join(base, "assets", "v2")
	require.NoError(t, os.MkdirAll(cacheDir, 0o755))

	dest := filepath.Join(base, "staging")
	require.NoError(t, os.MkdirAll(filepath.Join(dest, "stale"), 0o755))

	tree := buildTree(t, []metamodel.Layout{
		{Mode: 0o755, File: metamodel.File{Kind: metamodel.FileDirectory, TargetPath: "bin"}},
	})
	_, err := New(cacheDir).Run(tree, dest)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dest, "stale"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunFailsOnMissingAsset(t *testing.T) {
	base := t.TempDir()
	cacheDir := filepath.Join(base, "assets", "v2")
	require.NoError(t, os.MkdirAll(cacheDir, 0o755))

	tree := buildTree(t, []metamodel.Layout{
		{Mode: 0o644, File: metamodel.File{Kind: metamodel.FileRegular, Digest: digest.Sum([]byte("never cached")), TargetPath: "bin/gone"}},
	})

	_, err := New(cacheDir).Run(tree, filepath.Join(base, "staging"))
	require.Error(t, err)
}
