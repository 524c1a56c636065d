package layoutdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerynos/moss/internal/digest"
	"github.com/aerynos/moss/internal/metamodel"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "layout.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBatchAddQueryAll(t *testing.T) {
	db := openTestDB(t)

	regular := metamodel.Layout{
		UID: 0, GID: 0, Mode: 0o644, Tag: 1,
		File: metamodel.File{Kind: metamodel.FileRegular, Digest: digest.Sum([]byte("readme")), TargetPath: "share/doc/nano/README"},
	}
	symlink := metamodel.Layout{
		UID: 0, GID: 0, Mode: 0o777, Tag: 1,
		File: metamodel.File{Kind: metamodel.FileSymlink, Source: "nano.1.gz", TargetPath: "share/man/man1/nano.1"},
	}

	entries := []struct {
		ID     metamodel.ID
		Layout metamodel.Layout
	}{
		{ID: "id-nano", Layout: regular},
		{ID: "id-nano", Layout: symlink},
	}
	require.NoError(t, db.BatchAdd(entries))

	got, err := db.Query([]metamodel.ID{"id-nano"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, regular, got[0])
	assert.Equal(t, symlink, got[1])

	all, err := db.All()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestFileHashes(t *testing.T) {
	db := openTestDB(t)
	d := digest.Sum([]byte("content-a"))
	entries := []struct {
		ID     metamodel.ID
		Layout metamodel.Layout
	}{
		{ID: "id-a", Layout: metamodel.Layout{File: metamodel.File{Kind: metamodel.FileRegular, Digest: d, TargetPath: "bin/a"}}},
		{ID: "id-b", Layout: metamodel.Layout{File: metamodel.File{Kind: metamodel.FileRegular, Digest: d, TargetPath: "bin/b"}}},
	}
	require.NoError(t, db.BatchAdd(entries))

	hashes, err := db.FileHashes()
	require.NoError(t, err)
	assert.Len(t, hashes, 1)
	_, ok := hashes[d.String()]
	assert.True(t, ok)
}

func TestBatchRemove(t *testing.T) {
	db := openTestDB(t)
	entries := []struct {
		ID     metamodel.ID
		Layout metamodel.Layout
	}{
		{ID: "id-a", Layout: metamodel.Layout{File: metamodel.File{Kind: metamodel.FileDirectory, TargetPath: "share"}}},
	}
	require.NoError(t, db.BatchAdd(entries))
	require.NoError(t, db.BatchRemove([]metamodel.ID{"id-a"}))

	got, err := db.Query([]metamodel.ID{"id-a"})
	require.NoError(t, err)
	assert.Empty(t, got)
}
