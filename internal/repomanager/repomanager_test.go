package repomanager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerynos/moss/internal/digest"
	"github.com/aerynos/moss/internal/installation"
	"github.com/aerynos/moss/internal/metamodel"
	"github.com/aerynos/moss/internal/stone"
	"github.com/aerynos/moss/internal/systemmodel"
)

func writeIndex(t *testing.T, dir string, metas ...metamodel.Meta) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	f, err := os.Create(filepath.Join(dir, "stone.index"))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, stone.WriteIndexStone(f, metas))
}

func repoMeta(name string, release uint64) metamodel.Meta {
	return metamodel.Meta{
		Name:          name,
		VersionIdent:  "1.0",
		SourceRelease: release,
		BuildRelease:  1,
		Architecture:  "x86_64",
		SourceID:      name,
		Hash:          digest.Sum([]byte(fmt.Sprintf("%s-%d", name, release))).String(),
		Providers: []metamodel.Provider{
			{Kind: metamodel.PackageName, Name: name},
		},
	}
}

func testManager(t *testing.T, repos ...systemmodel.Repository) (*Manager, *installation.Installation) {
	t.Helper()
	inst, err := installation.Open(t.TempDir())
	require.NoError(t, err)
	return New("test", inst, FileFetcher, repos, 4), inst
}

func TestCacheDirIsStableAndKeyed(t *testing.T) {
	repo := systemmodel.Repository{ID: "volatile", URI: "file:///srv/repo", Priority: 10, Enabled: true}
	m, inst := testManager(t, repo)

	dir := m.CacheDir(repo)
	assert.Equal(t, dir, m.CacheDir(repo), "cache dir must be deterministic")
	assert.Contains(t, dir, inst.RepoPath(""))
	assert.Len(t, filepath.Base(dir), 16, "16 hex digit directory name")

	other := systemmodel.Repository{ID: "volatile", URI: "file:///other", Priority: 10, Enabled: true}
	assert.NotEqual(t, dir, m.CacheDir(other), "different uri, different cache dir")
}

func TestRefreshPopulatesMetaDB(t *testing.T) {
	repoDir := t.TempDir()
	writeIndex(t, repoDir, repoMeta("bash", 5), repoMeta("nano", 2))

	repo := systemmodel.Repository{ID: "local", URI: repoDir, Priority: 10, Enabled: true}
	m, _ := testManager(t, repo)

	require.NoError(t, m.Refresh(context.Background(), repo))

	_, err := os.Stat(m.IndexPath(repo))
	require.NoError(t, err)

	db, err := m.OpenDB(repo)
	require.NoError(t, err)
	defer db.Close()

	metas, err := db.List()
	require.NoError(t, err)
	assert.Len(t, metas, 2)

	byName, err := db.ByName("bash")
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, uint64(5), byName[0].SourceRelease)
}

func TestRefreshReplacesStaleDB(t *testing.T) {
	repoDir := t.TempDir()
	writeIndex(t, repoDir, repoMeta("bash", 1))

	repo := systemmodel.Repository{ID: "local", URI: repoDir, Priority: 10, Enabled: true}
	m, _ := testManager(t, repo)
	require.NoError(t, m.Refresh(context.Background(), repo))

	// Publisher replaces the index; a second refresh must wipe and
	// repopulate.
	writeIndex(t, repoDir, repoMeta("bash", 2), repoMeta("htop", 1))
	require.NoError(t, m.Refresh(context.Background(), repo))

	db, err := m.OpenDB(repo)
	require.NoError(t, err)
	defer db.Close()
	metas, err := db.List()
	require.NoError(t, err)
	assert.Len(t, metas, 2)
}

func TestRefreshAllSkipsDisabledRepos(t *testing.T) {
	repoDir := t.TempDir()
	writeIndex(t, repoDir, repoMeta("bash", 1))

	enabled := systemmodel.Repository{ID: "on", URI: repoDir, Priority: 1, Enabled: true}
	disabled := systemmodel.Repository{ID: "off", URI: filepath.Join(repoDir, "missing"), Priority: 1}
	m, _ := testManager(t, enabled, disabled)

	require.NoError(t, m.RefreshAll(context.Background()))
	_, err := os.Stat(m.IndexPath(enabled))
	assert.NoError(t, err)
}

func TestEnsureAllInitializedOnlyFetchesOnce(t *testing.T) {
	repoDir := t.TempDir()
	writeIndex(t, repoDir, repoMeta("bash", 1))

	repo := systemmodel.Repository{ID: "local", URI: repoDir, Priority: 1, Enabled: true}
	m, _ := testManager(t, repo)

	n, err := m.EnsureAllInitialized(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = m.EnsureAllInitialized(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExplicitManagerRejectsMutation(t *testing.T) {
	repo := systemmodel.Repository{ID: "given", URI: "file:///srv", Priority: 1, Enabled: true}
	inst, err := installation.Open(t.TempDir())
	require.NoError(t, err)
	m := NewExplicit("driver", inst, FileFetcher, []systemmodel.Repository{repo}, 2)

	assert.True(t, m.IsExplicit())
	assert.Error(t, m.Add(systemmodel.Repository{ID: "new", URI: "file:///x", Priority: 1}))
	assert.Error(t, m.Remove("given"))
	assert.Error(t, m.SetEnabled("given", false))
}

func TestAddRemoveEnable(t *testing.T) {
	m, _ := testManager(t)
	repo := systemmodel.Repository{ID: "new", URI: "file:///x", Priority: 1, Enabled: true}

	require.NoError(t, m.Add(repo))
	assert.Error(t, m.Add(repo), "duplicate id rejected")
	assert.Len(t, m.Active(), 1)

	require.NoError(t, m.SetEnabled("new", false))
	assert.Empty(t, m.Active())

	require.NoError(t, m.Remove("new"))
	assert.Error(t, m.Remove("new"))
}
