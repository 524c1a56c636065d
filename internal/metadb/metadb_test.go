package metadb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerynos/moss/internal/metamodel"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleEntries() []struct {
	ID   metamodel.ID
	Meta metamodel.Meta
} {
	return []struct {
		ID   metamodel.ID
		Meta metamodel.Meta
	}{
		{ID: "id-nano", Meta: metamodel.Meta{
			Name: "nano", VersionIdent: "7.2", SourceRelease: 3, BuildRelease: 1,
			Architecture: "x86_64", Licenses: []string{"GPL-3.0-or-later"},
			Providers: []metamodel.Provider{{Kind: metamodel.PackageName, Name: "nano"}},
			Dependencies: []metamodel.Provider{{Kind: metamodel.SharedLibrary, Name: "libc.so.6"}},
		}},
		{ID: "id-vim", Meta: metamodel.Meta{
			Name: "vim", VersionIdent: "9.1", SourceRelease: 2, BuildRelease: 1,
			Architecture: "x86_64",
			Providers: []metamodel.Provider{{Kind: metamodel.PackageName, Name: "vim"}, {Kind: metamodel.Binary, Name: "vim"}},
			Dependencies: []metamodel.Provider{{Kind: metamodel.SharedLibrary, Name: "libc.so.6"}},
		}},
	}
}

func TestBatchAddAndGet(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.BatchAdd(sampleEntries()))

	got, ok, err := db.Get("id-nano")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "nano", got.Name)
	assert.Equal(t, []string{"GPL-3.0-or-later"}, got.Licenses)
	assert.Equal(t, metamodel.ID("id-nano"), got.ID)
}

func TestListOrdersByRepositoryOrdering(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.BatchAdd(sampleEntries()))

	metas, err := db.List()
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, "nano", metas[0].Name) // source_release 3 > 2
	assert.Equal(t, "vim", metas[1].Name)
}

func TestByProviderFindsAdvertisedBinary(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.BatchAdd(sampleEntries()))

	metas, err := db.ByProvider(metamodel.Provider{Kind: metamodel.Binary, Name: "vim"})
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "vim", metas[0].Name)
}

func TestByNameAndRemoveAndWipe(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.BatchAdd(sampleEntries()))

	metas, err := db.ByName("nano")
	require.NoError(t, err)
	require.Len(t, metas, 1)

	require.NoError(t, db.Remove("id-nano"))
	_, ok, err := db.Get("id-nano")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.Wipe())
	all, err := db.List()
	require.NoError(t, err)
	assert.Empty(t, all)
}
