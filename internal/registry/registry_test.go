package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerynos/moss/internal/metadb"
	"github.com/aerynos/moss/internal/metamodel"
)

func testMeta(id, name string, sourceRelease uint64) metamodel.Meta {
	return metamodel.Meta{
		ID:            metamodel.ID(id),
		Name:          name,
		SourceRelease: sourceRelease,
		Providers: []metamodel.Provider{
			{Kind: metamodel.PackageName, Name: name},
		},
	}
}

func openMetaDB(t *testing.T, metas ...metamodel.Meta) *metadb.DB {
	t.Helper()
	db, err := metadb.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	entries := make([]struct {
		ID   metamodel.ID
		Meta metamodel.Meta
	}, len(metas))
	for i, m := range metas {
		entries[i].ID = m.ID
		entries[i].Meta = m
	}
	require.NoError(t, db.BatchAdd(entries))
	return db
}

func TestPluginPreferenceOrderCobbleActiveRepository(t *testing.T) {
	// Same package name everywhere; preference must pick cobble, then the
	// installed set, then the repository.
	cobble := NewCobble()
	cobble.Add(testMeta("id-local", "bash", 3))

	installDB := openMetaDB(t, testMeta("id-installed", "bash", 2))
	state := &metamodel.State{
		ID:         1,
		Selections: []metamodel.Selection{{PackageID: "id-installed", Explicit: true}},
	}
	active := NewActive(state, installDB)

	repoDB := openMetaDB(t, testMeta("id-repo", "bash", 1))
	repo := NewRepository("volatile", 10, repoDB)

	reg := &Registry{}
	reg.AddPlugin(repo)
	reg.AddPlugin(active)
	reg.AddPlugin(cobble)

	provider := metamodel.Provider{Kind: metamodel.PackageName, Name: "bash"}
	pkgs := reg.ByProvider(provider, Flags{})
	require.Len(t, pkgs, 3)
	assert.Equal(t, metamodel.ID("id-local"), pkgs[0].ID)
	assert.Equal(t, metamodel.ID("id-installed"), pkgs[1].ID)
	assert.Equal(t, metamodel.ID("id-repo"), pkgs[2].ID)
}

func TestRepositoryPriorityOrdersPlugins(t *testing.T) {
	lowDB := openMetaDB(t, testMeta("id-low", "nano", 1))
	highDB := openMetaDB(t, testMeta("id-high", "nano", 1))

	reg := &Registry{}
	reg.AddPlugin(NewRepository("low", 1, lowDB))
	reg.AddPlugin(NewRepository("high", 100, highDB))

	provider := metamodel.Provider{Kind: metamodel.PackageName, Name: "nano"}
	pkgs := reg.ByProvider(provider, Flags{})
	require.Len(t, pkgs, 2)
	assert.Equal(t, metamodel.ID("id-high"), pkgs[0].ID)
}

func TestActiveRestrictsToSelections(t *testing.T) {
	// The install DB holds rows for packages of every state; only the
	// active state's selections count as installed.
	db := openMetaDB(t,
		testMeta("id-current", "vim", 2),
		testMeta("id-old", "emacs", 1),
	)
	state := &metamodel.State{
		ID:         7,
		Selections: []metamodel.Selection{{PackageID: "id-current"}},
	}
	active := NewActive(state, db)

	assert.Len(t, active.List(Flags{}), 1)
	_, ok := active.ByID("id-old")
	assert.False(t, ok)
	_, ok = active.ByID("id-current")
	assert.True(t, ok)
}

func TestInstalledFlagFiltersRepositoryResults(t *testing.T) {
	repoDB := openMetaDB(t, testMeta("id-repo", "htop", 1))
	reg := &Registry{}
	reg.AddPlugin(NewRepository("main", 10, repoDB))

	provider := metamodel.Provider{Kind: metamodel.PackageName, Name: "htop"}
	assert.Empty(t, reg.ByProvider(provider, Flags{Installed: true}))
	assert.Len(t, reg.ByProvider(provider, Flags{Available: true}), 1)
}

func TestByKeywordMatchesSubstring(t *testing.T) {
	cobble := NewCobble()
	cobble.Add(testMeta("id-nano", "nano", 1))
	cobble.Add(testMeta("id-vim", "vim", 1))

	reg := &Registry{}
	reg.AddPlugin(cobble)

	pkgs := reg.ByKeyword("an", Flags{})
	require.Len(t, pkgs, 1)
	assert.Equal(t, "nano", pkgs[0].Meta.Name)
}
