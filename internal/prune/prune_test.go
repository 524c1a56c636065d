package prune

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerynos/moss/internal/assetcache"
	"github.com/aerynos/moss/internal/digest"
	"github.com/aerynos/moss/internal/installation"
	"github.com/aerynos/moss/internal/layoutdb"
	"github.com/aerynos/moss/internal/merr"
	"github.com/aerynos/moss/internal/metadb"
	"github.com/aerynos/moss/internal/metamodel"
	"github.com/aerynos/moss/internal/statedb"
)

type fixture struct {
	pruner *Pruner
	inst   *installation.Installation
}

// addPackage registers meta+layout rows and a cached asset for one package.
func (f *fixture) addPackage(t *testing.T, id, name string, content []byte) digest.Digest {
	t.Helper()
	d := digest.Sum(content)

	require.NoError(t, f.pruner.MetaDB.BatchAdd([]struct {
		ID   metamodel.ID
		Meta metamodel.Meta
	}{{metamodel.ID(id), metamodel.Meta{Name: name}}}))

	require.NoError(t, f.pruner.LayoutDB.BatchAdd([]struct {
		ID     metamodel.ID
		Layout metamodel.Layout
	}{{metamodel.ID(id), metamodel.Layout{
		Mode: 0o644,
		File: metamodel.File{Kind: metamodel.FileRegular, Digest: d, TargetPath: "bin/" + name},
	}}}))

	path := f.pruner.Assets.AssetPath(d)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return d
}

func (f *fixture) addState(t *testing.T, ids ...string) metamodel.State {
	t.Helper()
	sels := make([]metamodel.Selection, len(ids))
	for i, id := range ids {
		sels[i] = metamodel.Selection{PackageID: metamodel.ID(id), Explicit: true}
	}
	state, err := f.pruner.StateDB.Add(sels, "test", "")
	require.NoError(t, err)
	// Archived root for the state.
	require.NoError(t, os.MkdirAll(filepath.Join(f.inst.ArchivePath(state.ID), "usr"), 0o755))
	return state
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	inst, err := installation.Open(t.TempDir())
	require.NoError(t, err)

	stateDB, err := statedb.Open(inst.DBPath("state"))
	require.NoError(t, err)
	t.Cleanup(func() { stateDB.Close() })
	metaDB, err := metadb.Open(inst.DBPath("install"))
	require.NoError(t, err)
	t.Cleanup(func() { metaDB.Close() })
	layoutDB, err := layoutdb.Open(inst.DBPath("layout"))
	require.NoError(t, err)
	t.Cleanup(func() { layoutDB.Close() })

	return &fixture{
		inst: inst,
		pruner: &Pruner{
			Inst:     inst,
			StateDB:  stateDB,
			MetaDB:   metaDB,
			LayoutDB: layoutDB,
			Assets:   assetcache.New(inst.AssetsPath()),
		},
	}
}

func setActive(f *fixture, id int64) {
	f.inst.ActiveState = &id
}

func TestKeepRecentPreservesActiveAndRecent(t *testing.T) {
	f := newFixture(t)

	dOld := f.addPackage(t, "id-old", "old", []byte("old content"))
	dKept := f.addPackage(t, "id-kept", "kept", []byte("kept content"))
	dActive := f.addPackage(t, "id-active", "active", []byte("active content"))

	s1 := f.addState(t, "id-old")
	s2 := f.addState(t, "id-kept")
	s3 := f.addState(t, "id-active")
	setActive(f, s3.ID)

	result, err := f.pruner.States(KeepRecent(1, false))
	require.NoError(t, err)

	assert.Equal(t, []int64{s1.ID}, result.RemovedStates)
	assert.Equal(t, 1, result.RemovedPackages)
	assert.Equal(t, 1, result.RemovedAssets)

	// s1's archived root and asset are gone; the rest survive.
	_, err = os.Stat(f.inst.ArchivePath(s1.ID))
	assert.True(t, os.IsNotExist(err))
	assert.False(t, f.pruner.Assets.Exists(dOld))
	assert.True(t, f.pruner.Assets.Exists(dKept))
	assert.True(t, f.pruner.Assets.Exists(dActive))

	_, found, err := f.pruner.StateDB.Get(s2.ID)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestSharedAssetSurvivesWhileReferenced(t *testing.T) {
	f := newFixture(t)

	shared := []byte("shared blob")
	d := f.addPackage(t, "id-a", "a", shared)
	f.addPackage(t, "id-b", "b", shared)

	s1 := f.addState(t, "id-a")
	s2 := f.addState(t, "id-b")
	setActive(f, s2.ID)

	_, err := f.pruner.States(RemoveState(s1.ID))
	require.NoError(t, err)

	// id-b still references the same digest.
	assert.True(t, f.pruner.Assets.Exists(d))
}

func TestRemoveActiveStateFails(t *testing.T) {
	f := newFixture(t)
	f.addPackage(t, "id-a", "a", []byte("x"))
	s := f.addState(t, "id-a")
	setActive(f, s.ID)

	_, err := f.pruner.States(RemoveState(s.ID))
	require.Error(t, err)
	var conflict *merr.StateConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestRemoveMissingStateFails(t *testing.T) {
	f := newFixture(t)
	_, err := f.pruner.States(RemoveState(99))
	require.Error(t, err)
}

func TestPruneTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.addPackage(t, "id-old", "old", []byte("old"))
	f.addPackage(t, "id-active", "active", []byte("active"))
	s1 := f.addState(t, "id-old")
	s2 := f.addState(t, "id-active")
	setActive(f, s2.ID)

	first, err := f.pruner.States(KeepRecent(0, false))
	require.NoError(t, err)
	assert.Equal(t, []int64{s1.ID}, first.RemovedStates)

	second, err := f.pruner.States(KeepRecent(0, false))
	require.NoError(t, err)
	assert.Empty(t, second.RemovedStates)
	assert.Zero(t, second.RemovedPackages)
	assert.Zero(t, second.RemovedAssets)
}

func TestCacheOnlySweepsOrphanAssets(t *testing.T) {
	f := newFixture(t)
	f.addPackage(t, "id-a", "a", []byte("referenced"))

	// An orphan asset nothing references.
	orphan := digest.Sum([]byte("orphan"))
	path := f.pruner.Assets.AssetPath(orphan)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("orphan"), 0o644))

	n, err := f.pruner.Cache()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, f.pruner.Assets.Exists(orphan))
}
